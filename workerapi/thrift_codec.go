package workerapi

import (
	"context"

	"github.com/apache/thrift/lib/go/thrift"
)

// encoder writes the fields of one thrift struct and keeps the first error,
// so a message's Write method reads as a flat list of fields.
type encoder struct {
	ctx context.Context
	p   thrift.TProtocol
	err error
}

func newEncoder(ctx context.Context, p thrift.TProtocol, name string) *encoder {
	e := &encoder{ctx: ctx, p: p}
	e.err = p.WriteStructBegin(ctx, name)
	return e
}

func (e *encoder) field(id int16, name string, t thrift.TType, write func() error) {
	if e.err != nil {
		return
	}
	if e.err = e.p.WriteFieldBegin(e.ctx, name, t, id); e.err != nil {
		return
	}
	if e.err = write(); e.err != nil {
		return
	}
	e.err = e.p.WriteFieldEnd(e.ctx)
}

func (e *encoder) i64(id int16, name string, v int64) {
	e.field(id, name, thrift.I64, func() error { return e.p.WriteI64(e.ctx, v) })
}

func (e *encoder) i32(id int16, name string, v int32) {
	e.field(id, name, thrift.I32, func() error { return e.p.WriteI32(e.ctx, v) })
}

func (e *encoder) boolean(id int16, name string, v bool) {
	e.field(id, name, thrift.BOOL, func() error { return e.p.WriteBool(e.ctx, v) })
}

func (e *encoder) str(id int16, name string, v string) {
	e.field(id, name, thrift.STRING, func() error { return e.p.WriteString(e.ctx, v) })
}

func (e *encoder) bin(id int16, name string, v []byte) {
	e.field(id, name, thrift.STRING, func() error { return e.p.WriteBinary(e.ctx, v) })
}

func (e *encoder) strct(id int16, name string, s thrift.TStruct) {
	e.field(id, name, thrift.STRUCT, func() error { return s.Write(e.ctx, e.p) })
}

// list writes n elements of type elem, item(i) writing the i'th.
func (e *encoder) list(id int16, name string, elem thrift.TType, n int, item func(i int) error) {
	e.field(id, name, thrift.LIST, func() error {
		return e.writeList(elem, n, item)
	})
}

func (e *encoder) writeList(elem thrift.TType, n int, item func(i int) error) error {
	if err := e.p.WriteListBegin(e.ctx, elem, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := item(i); err != nil {
			return err
		}
	}
	return e.p.WriteListEnd(e.ctx)
}

func (e *encoder) strList(id int16, name string, v []string) {
	e.list(id, name, thrift.STRING, len(v), func(i int) error { return e.p.WriteString(e.ctx, v[i]) })
}

func (e *encoder) finish() error {
	if e.err != nil {
		return e.err
	}
	if err := e.p.WriteFieldStop(e.ctx); err != nil {
		return err
	}
	return e.p.WriteStructEnd(e.ctx)
}

// decoder is the reading side of encoder. Fields with an unknown id or an
// unexpected type are skipped, so older peers can read newer messages.
type decoder struct {
	ctx context.Context
	p   thrift.TProtocol
	err error
}

func newDecoder(ctx context.Context, p thrift.TProtocol) *decoder {
	return &decoder{ctx: ctx, p: p}
}

// fields reads a whole struct. read consumes the value of a field it knows
// and returns true, or returns false to have it skipped.
func (d *decoder) fields(read func(id int16, t thrift.TType) bool) error {
	if _, err := d.p.ReadStructBegin(d.ctx); err != nil {
		return err
	}
	for d.err == nil {
		_, t, id, err := d.p.ReadFieldBegin(d.ctx)
		if err != nil {
			return err
		}
		if t == thrift.STOP {
			break
		}
		if !read(id, t) && d.err == nil {
			d.err = d.p.Skip(d.ctx, t)
		}
		if d.err == nil {
			d.err = d.p.ReadFieldEnd(d.ctx)
		}
	}
	if d.err != nil {
		return d.err
	}
	return d.p.ReadStructEnd(d.ctx)
}

func (d *decoder) i64() int64 {
	if d.err != nil {
		return 0
	}
	v, err := d.p.ReadI64(d.ctx)
	d.err = err
	return v
}

func (d *decoder) i32() int32 {
	if d.err != nil {
		return 0
	}
	v, err := d.p.ReadI32(d.ctx)
	d.err = err
	return v
}

func (d *decoder) boolean() bool {
	if d.err != nil {
		return false
	}
	v, err := d.p.ReadBool(d.ctx)
	d.err = err
	return v
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	v, err := d.p.ReadString(d.ctx)
	d.err = err
	return v
}

func (d *decoder) bin() []byte {
	if d.err != nil {
		return nil
	}
	v, err := d.p.ReadBinary(d.ctx)
	d.err = err
	return v
}

func (d *decoder) strct(s thrift.TStruct) {
	if d.err != nil {
		return
	}
	d.err = s.Read(d.ctx, d.p)
}

// list reads a list header and calls item once per element. Elements of the
// wrong type are skipped.
func (d *decoder) list(elem thrift.TType, item func()) {
	if d.err != nil {
		return
	}
	t, n, err := d.p.ReadListBegin(d.ctx)
	if err != nil {
		d.err = err
		return
	}
	for i := 0; i < n && d.err == nil; i++ {
		if t != elem {
			d.err = d.p.Skip(d.ctx, t)
			continue
		}
		item()
	}
	if d.err == nil {
		d.err = d.p.ReadListEnd(d.ctx)
	}
}

func (d *decoder) strList() []string {
	var out []string
	d.list(thrift.STRING, func() {
		out = append(out, d.str())
	})
	return out
}
