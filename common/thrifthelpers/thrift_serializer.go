// Package thrifthelpers encodes thrift structs with the binary protocol. The
// serializers are pooled so concurrent connection writers don't share one.
package thrifthelpers

import (
	"context"

	"github.com/apache/thrift/lib/go/thrift"
)

// Writes carry the protocol version header, reads accept payloads without it.
var binaryConf = &thrift.TConfiguration{
	TBinaryStrictRead:  thrift.BoolPtr(false),
	TBinaryStrictWrite: thrift.BoolPtr(true),
}

var (
	serializers   = thrift.NewTSerializerPoolSizeFactory(1024, thrift.NewTBinaryProtocolFactoryConf(binaryConf))
	deserializers = thrift.NewTDeserializerPoolSizeFactory(1024, thrift.NewTBinaryProtocolFactoryConf(binaryConf))
)

// BinarySerialize returns nil for a nil struct.
func BinarySerialize(sourceStruct thrift.TStruct) ([]byte, error) {
	if sourceStruct == nil {
		return nil, nil
	}
	return serializers.Write(context.Background(), sourceStruct)
}

// BinaryDeserialize leaves targetStruct untouched when sourceBytes is empty.
func BinaryDeserialize(targetStruct thrift.TStruct, sourceBytes []byte) error {
	if len(sourceBytes) == 0 {
		return nil
	}
	return deserializers.Read(context.Background(), targetStruct, sourceBytes)
}
