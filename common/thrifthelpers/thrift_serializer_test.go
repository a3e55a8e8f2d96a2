package thrifthelpers

import (
	"sync"
	"testing"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/stretchr/testify/assert"
)

func TestBinaryNil(t *testing.T) {
	b, err := BinarySerialize(nil)
	assert.NoError(t, err)
	assert.Nil(t, b)

	assert.NoError(t, BinaryDeserialize(nil, nil))
}

func TestBinaryConcurrent(t *testing.T) {
	// TApplicationException is the one TStruct thrift ships with.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := thrift.NewTApplicationException(int32(i), "boom")
			b, err := BinarySerialize(src)
			if !assert.NoError(t, err) {
				return
			}
			dst := thrift.NewTApplicationException(0, "")
			assert.NoError(t, BinaryDeserialize(dst, b))
			assert.Equal(t, int32(i), dst.TypeId())
			assert.Equal(t, "boom", dst.Error())
		}(i)
	}
	wg.Wait()
}
