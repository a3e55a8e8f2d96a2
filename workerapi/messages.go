// Package workerapi is the protocol spoken between the scheduler and its
// workers: message types, their thrift encoding and the framing that carries
// them over a stream connection.
package workerapi

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/thrift/lib/go/thrift"

	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
)

// ProtocolVersion is sent in Register; the server refuses other versions.
const ProtocolVersion = 1

// Tag identifies the message type of a frame.
type Tag byte

const (
	TagRegister Tag = iota + 1
	TagRegisterResponse
	TagHeartbeat
	TagAssign
	TagCancel
	TagStarted
	TagOutputChunk
	TagFinished
	TagFailed
	TagShutdown
)

var tagNames = map[Tag]string{
	TagRegister:         "Register",
	TagRegisterResponse: "RegisterResponse",
	TagHeartbeat:        "Heartbeat",
	TagAssign:           "Assign",
	TagCancel:           "Cancel",
	TagStarted:          "Started",
	TagOutputChunk:      "OutputChunk",
	TagFinished:         "Finished",
	TagFailed:           "Failed",
	TagShutdown:         "Shutdown",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", byte(t))
}

// Message is anything that can be sent in a frame.
type Message interface {
	thrift.TStruct
	Tag() Tag
}

// newMessage returns an empty message for a tag read off the wire.
func newMessage(t Tag) Message {
	switch t {
	case TagRegister:
		return &Register{}
	case TagRegisterResponse:
		return &RegisterResponse{}
	case TagHeartbeat:
		return &Heartbeat{}
	case TagAssign:
		return &Assign{}
	case TagCancel:
		return &Cancel{}
	case TagStarted:
		return &Started{}
	case TagOutputChunk:
		return &OutputChunk{}
	case TagFinished:
		return &Finished{}
	case TagFailed:
		return &Failed{}
	case TagShutdown:
		return &Shutdown{}
	}
	return nil
}

// TaskEpoch names one assignment of a task.
type TaskEpoch struct {
	TaskID graph.TaskID
	Epoch  uint32
}

func (te TaskEpoch) String() string {
	return fmt.Sprintf("%d@%d", te.TaskID, te.Epoch)
}

func writeTaskEpoch(e *encoder, te TaskEpoch) {
	e.i64(1, "taskId", int64(te.TaskID))
	e.i32(2, "epoch", int32(te.Epoch))
}

// readTaskEpoch handles fields 1 and 2 of every task report.
func readTaskEpoch(d *decoder, te *TaskEpoch, id int16, t thrift.TType) bool {
	switch {
	case id == 1 && t == thrift.I64:
		te.TaskID = graph.TaskID(d.i64())
	case id == 2 && t == thrift.I32:
		te.Epoch = uint32(d.i32())
	default:
		return false
	}
	return true
}

//
// Worker -> server
//

// Register is the first message of every connection. PreviousWorkerID and
// Running are set by a worker reconnecting after losing its connection.
type Register struct {
	Version          int32
	Name             string
	Token            string
	Descriptor       resources.Descriptor
	Lifetime         time.Duration
	PreviousWorkerID uint64
	Running          []TaskEpoch
}

func (*Register) Tag() Tag { return TagRegister }

func (m *Register) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Register")
	e.i32(1, "version", m.Version)
	e.str(2, "name", m.Name)
	e.str(3, "token", m.Token)
	e.strct(4, "descriptor", descriptorStruct{&m.Descriptor})
	e.i64(5, "lifetimeNs", int64(m.Lifetime))
	e.i64(6, "previousWorkerId", int64(m.PreviousWorkerID))
	running := m.Running
	e.list(7, "running", thrift.STRUCT, len(running), func(i int) error {
		re := newEncoder(ctx, p, "TaskEpoch")
		writeTaskEpoch(re, running[i])
		return re.finish()
	})
	return e.finish()
}

func (m *Register) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.I32:
			m.Version = d.i32()
		case id == 2 && t == thrift.STRING:
			m.Name = d.str()
		case id == 3 && t == thrift.STRING:
			m.Token = d.str()
		case id == 4 && t == thrift.STRUCT:
			d.strct(descriptorStruct{&m.Descriptor})
		case id == 5 && t == thrift.I64:
			m.Lifetime = time.Duration(d.i64())
		case id == 6 && t == thrift.I64:
			m.PreviousWorkerID = uint64(d.i64())
		case id == 7 && t == thrift.LIST:
			d.list(thrift.STRUCT, func() {
				var te TaskEpoch
				d.err = d.fields(func(id int16, t thrift.TType) bool {
					return readTaskEpoch(d, &te, id, t)
				})
				m.Running = append(m.Running, te)
			})
		default:
			return false
		}
		return true
	})
}

// Heartbeat carries nothing; its arrival is the information.
type Heartbeat struct{}

func (*Heartbeat) Tag() Tag { return TagHeartbeat }

func (m *Heartbeat) Write(ctx context.Context, p thrift.TProtocol) error {
	return newEncoder(ctx, p, "Heartbeat").finish()
}

func (m *Heartbeat) Read(ctx context.Context, p thrift.TProtocol) error {
	return newDecoder(ctx, p).fields(func(int16, thrift.TType) bool { return false })
}

// Started reports that the task's process is up.
type Started struct {
	TaskEpoch
}

func (*Started) Tag() Tag { return TagStarted }

func (m *Started) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Started")
	writeTaskEpoch(e, m.TaskEpoch)
	return e.finish()
}

func (m *Started) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		return readTaskEpoch(d, &m.TaskEpoch, id, t)
	})
}

// Output streams.
const (
	Stdout uint32 = 1
	Stderr uint32 = 2
)

// OutputChunk is one piece of a task's output. Sequence numbers each stream
// of an assignment from 0 with no holes.
type OutputChunk struct {
	TaskEpoch
	Stream   uint32
	Sequence uint64
	Data     []byte
}

func (*OutputChunk) Tag() Tag { return TagOutputChunk }

func (m *OutputChunk) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "OutputChunk")
	writeTaskEpoch(e, m.TaskEpoch)
	e.i32(3, "stream", int32(m.Stream))
	e.i64(4, "sequence", int64(m.Sequence))
	e.bin(5, "data", m.Data)
	return e.finish()
}

func (m *OutputChunk) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 3 && t == thrift.I32:
			m.Stream = uint32(d.i32())
		case id == 4 && t == thrift.I64:
			m.Sequence = uint64(d.i64())
		case id == 5 && t == thrift.STRING:
			m.Data = d.bin()
		default:
			return readTaskEpoch(d, &m.TaskEpoch, id, t)
		}
		return true
	})
}

// Finished reports that the process exited on its own.
type Finished struct {
	TaskEpoch
	ExitCode int32
}

func (*Finished) Tag() Tag { return TagFinished }

func (m *Finished) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Finished")
	writeTaskEpoch(e, m.TaskEpoch)
	e.i32(3, "exitCode", m.ExitCode)
	return e.finish()
}

func (m *Finished) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		if id == 3 && t == thrift.I32 {
			m.ExitCode = d.i32()
			return true
		}
		return readTaskEpoch(d, &m.TaskEpoch, id, t)
	})
}

// Failed reports that the task could not run or was stopped. Reason is one
// of the graph failure reasons or free text.
type Failed struct {
	TaskEpoch
	Reason  string
	Message string
}

func (*Failed) Tag() Tag { return TagFailed }

func (m *Failed) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Failed")
	writeTaskEpoch(e, m.TaskEpoch)
	e.str(3, "reason", m.Reason)
	e.str(4, "message", m.Message)
	return e.finish()
}

func (m *Failed) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 3 && t == thrift.STRING:
			m.Reason = d.str()
		case id == 4 && t == thrift.STRING:
			m.Message = d.str()
		default:
			return readTaskEpoch(d, &m.TaskEpoch, id, t)
		}
		return true
	})
}

//
// Server -> worker
//

// RegisterResponse accepts a worker, or refuses it when Error is set.
type RegisterResponse struct {
	WorkerID          uint64
	HeartbeatInterval time.Duration
	ServerID          string
	Error             string
}

func (*RegisterResponse) Tag() Tag { return TagRegisterResponse }

func (m *RegisterResponse) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "RegisterResponse")
	e.i64(1, "workerId", int64(m.WorkerID))
	e.i64(2, "heartbeatIntervalNs", int64(m.HeartbeatInterval))
	e.str(3, "serverId", m.ServerID)
	if m.Error != "" {
		e.str(4, "error", m.Error)
	}
	return e.finish()
}

func (m *RegisterResponse) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.I64:
			m.WorkerID = uint64(d.i64())
		case id == 2 && t == thrift.I64:
			m.HeartbeatInterval = time.Duration(d.i64())
		case id == 3 && t == thrift.STRING:
			m.ServerID = d.str()
		case id == 4 && t == thrift.STRING:
			m.Error = d.str()
		default:
			return false
		}
		return true
	})
}

// Assign hands one node's share of a task to a worker. Node 0 is the
// coordinator and runs the body; other nodes only hold their reservation.
// The body is either inline or, when large, at BodyURL.
type Assign struct {
	TaskEpoch
	Name       string
	Allocation resources.Allocation
	BodyKind   graph.BodyKind
	Body       []byte
	BodyURL    string
	NodeIndex  int32
	Nodes      []string
	TimeLimit  time.Duration
	Pin        graph.PinMode
}

func (*Assign) Tag() Tag { return TagAssign }

// Coordinator reports whether this node runs the body.
func (m *Assign) Coordinator() bool {
	return m.NodeIndex == 0
}

func (m *Assign) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Assign")
	writeTaskEpoch(e, m.TaskEpoch)
	e.str(3, "name", m.Name)
	e.strct(4, "allocation", allocationStruct{&m.Allocation})
	e.i32(5, "bodyKind", int32(m.BodyKind))
	if m.BodyURL != "" {
		e.str(7, "bodyUrl", m.BodyURL)
	} else {
		e.bin(6, "body", m.Body)
	}
	e.i32(8, "nodeIndex", m.NodeIndex)
	e.strList(9, "nodes", m.Nodes)
	e.i64(10, "timeLimitNs", int64(m.TimeLimit))
	e.i32(11, "pin", int32(m.Pin))
	return e.finish()
}

func (m *Assign) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 3 && t == thrift.STRING:
			m.Name = d.str()
		case id == 4 && t == thrift.STRUCT:
			d.strct(allocationStruct{&m.Allocation})
		case id == 5 && t == thrift.I32:
			m.BodyKind = graph.BodyKind(d.i32())
		case id == 6 && t == thrift.STRING:
			m.Body = d.bin()
		case id == 7 && t == thrift.STRING:
			m.BodyURL = d.str()
		case id == 8 && t == thrift.I32:
			m.NodeIndex = d.i32()
		case id == 9 && t == thrift.LIST:
			m.Nodes = d.strList()
		case id == 10 && t == thrift.I64:
			m.TimeLimit = time.Duration(d.i64())
		case id == 11 && t == thrift.I32:
			m.Pin = graph.PinMode(d.i32())
		default:
			return readTaskEpoch(d, &m.TaskEpoch, id, t)
		}
		return true
	})
}

// Cancel asks the worker to stop an assignment.
type Cancel struct {
	TaskEpoch
}

func (*Cancel) Tag() Tag { return TagCancel }

func (m *Cancel) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Cancel")
	writeTaskEpoch(e, m.TaskEpoch)
	return e.finish()
}

func (m *Cancel) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		return readTaskEpoch(d, &m.TaskEpoch, id, t)
	})
}

// Shutdown tells the worker to stop its tasks and exit.
type Shutdown struct {
	Reason string
}

func (*Shutdown) Tag() Tag { return TagShutdown }

func (m *Shutdown) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Shutdown")
	e.str(1, "reason", m.Reason)
	return e.finish()
}

func (m *Shutdown) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		if id == 1 && t == thrift.STRING {
			m.Reason = d.str()
			return true
		}
		return false
	})
}
