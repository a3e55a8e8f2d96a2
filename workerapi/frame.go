package workerapi

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/twitter/hpcsched/common/thrifthelpers"
)

// A frame is a 4-byte big-endian length, then that many bytes: a one byte
// Tag followed by the thrift binary encoding of the message.
const (
	lengthSize = 4

	DefaultMaxFrameSize = 16 * 1024 * 1024
)

type ViolationKind int

const (
	// Bad length, unknown tag or undecodable payload. The stream is unusable.
	MalformedFrame ViolationKind = iota

	// A message that is not valid in the connection's current phase
	UnexpectedMessage

	// A report for an assignment that was superseded or never made
	StaleEpoch

	// A second terminal report for the same assignment
	DuplicateTerminal

	// Output for an assignment that has not reported Started
	OutputBeforeStart

	// Terminal report for an assignment that never reported Started
	TerminalBeforeStart
)

var violationNames = [...]string{
	"MalformedFrame", "UnexpectedMessage", "StaleEpoch",
	"DuplicateTerminal", "OutputBeforeStart", "TerminalBeforeStart",
}

func (k ViolationKind) String() string {
	if k < 0 || int(k) >= len(violationNames) {
		return fmt.Sprintf("ViolationKind(%d)", int(k))
	}
	return violationNames[k]
}

// ProtocolViolation is a peer breaking the protocol. Only MalformedFrame
// ends the connection; the others are logged and the message dropped.
type ProtocolViolation struct {
	Kind ViolationKind
	Msg  string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation (%s): %s", e.Kind, e.Msg)
}

func violation(kind ViolationKind, format string, args ...interface{}) *ProtocolViolation {
	return &ProtocolViolation{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is a ProtocolViolation, and of which kind.
func IsViolation(err error) (ViolationKind, bool) {
	if pv, ok := errors.Cause(err).(*ProtocolViolation); ok {
		return pv.Kind, true
	}
	return 0, false
}

// WriteMessage encodes m as one frame. Writes are not buffered here; wrap w
// in a bufio.Writer and flush when the outbox runs dry.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := thrifthelpers.BinarySerialize(m)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", m.Tag())
	}
	frame := make([]byte, lengthSize+1+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(payload)))
	frame[lengthSize] = byte(m.Tag())
	copy(frame[lengthSize+1:], payload)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame. io.EOF is returned only on a clean end of
// stream between frames; a frame longer than maxSize, an unknown tag or an
// undecodable payload is a MalformedFrame violation.
func ReadMessage(r io.Reader, maxSize int) (Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var header [lengthSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, violation(MalformedFrame, "empty frame")
	}
	if uint64(n) > uint64(maxSize) {
		return nil, violation(MalformedFrame, "frame of %s exceeds limit of %s",
			humanize.IBytes(uint64(n)), humanize.IBytes(uint64(maxSize)))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	tag := Tag(buf[0])
	m := newMessage(tag)
	if m == nil {
		return nil, violation(MalformedFrame, "unknown message tag %d", buf[0])
	}
	if err := thrifthelpers.BinaryDeserialize(m, buf[1:]); err != nil {
		return nil, violation(MalformedFrame, "decoding %s: %v", tag, err)
	}
	return m, nil
}
