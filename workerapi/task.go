package workerapi

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/apache/thrift/lib/go/thrift"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/twitter/hpcsched/common/thrifthelpers"
	"github.com/twitter/hpcsched/resources"
	"github.com/twitter/hpcsched/scheduler/graph"
)

//
// Thrift structs wrapping the resource and task types, so they can travel
// inside messages and be stored in the recovery journal.
//

type descriptorStruct struct {
	*resources.Descriptor
}

func (s descriptorStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Descriptor")
	cpus := s.Cpus
	e.list(1, "cpus", thrift.LIST, len(cpus), func(i int) error {
		return e.writeList(thrift.I32, len(cpus[i]), func(j int) error {
			return p.WriteI32(ctx, int32(cpus[i][j]))
		})
	})
	generic := s.Generic
	e.list(2, "generic", thrift.STRUCT, len(generic), func(i int) error {
		return genericStruct{&generic[i]}.Write(ctx, p)
	})
	return e.finish()
}

func (s descriptorStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.LIST:
			d.list(thrift.LIST, func() {
				var group []resources.Index
				d.list(thrift.I32, func() {
					group = append(group, resources.Index(d.i32()))
				})
				s.Cpus = append(s.Cpus, group)
			})
		case id == 2 && t == thrift.LIST:
			d.list(thrift.STRUCT, func() {
				var g resources.GenericDescriptor
				d.strct(genericStruct{&g})
				s.Generic = append(s.Generic, g)
			})
		default:
			return false
		}
		return true
	})
}

type genericStruct struct {
	*resources.GenericDescriptor
}

func (s genericStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "GenericDescriptor")
	e.str(1, "name", s.Name)
	e.i32(2, "kind", int32(s.Kind))
	values := s.Values
	e.list(3, "values", thrift.I32, len(values), func(i int) error {
		return p.WriteI32(ctx, int32(values[i]))
	})
	e.i32(4, "start", int32(s.Start))
	e.i32(5, "end", int32(s.End))
	e.i64(6, "size", int64(s.Size))
	return e.finish()
}

func (s genericStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.STRING:
			s.Name = d.str()
		case id == 2 && t == thrift.I32:
			s.Kind = resources.GenericKind(d.i32())
		case id == 3 && t == thrift.LIST:
			d.list(thrift.I32, func() {
				s.Values = append(s.Values, resources.Index(d.i32()))
			})
		case id == 4 && t == thrift.I32:
			s.Start = resources.Index(d.i32())
		case id == 5 && t == thrift.I32:
			s.End = resources.Index(d.i32())
		case id == 6 && t == thrift.I64:
			s.Size = resources.Amount(d.i64())
		default:
			return false
		}
		return true
	})
}

type requirementStruct struct {
	*resources.Requirement
}

func (s requirementStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Requirement")
	variants := s.Variants
	e.list(1, "variants", thrift.STRUCT, len(variants), func(i int) error {
		return requestStruct{&variants[i]}.Write(ctx, p)
	})
	e.i32(2, "nodes", int32(s.Nodes))
	return e.finish()
}

func (s requirementStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.LIST:
			d.list(thrift.STRUCT, func() {
				var r resources.Request
				d.strct(requestStruct{&r})
				s.Variants = append(s.Variants, r)
			})
		case id == 2 && t == thrift.I32:
			s.Nodes = int(d.i32())
		default:
			return false
		}
		return true
	})
}

type requestStruct struct {
	*resources.Request
}

func (s requestStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Request")
	entries := s.Entries
	e.list(1, "entries", thrift.STRUCT, len(entries), func(i int) error {
		return entryStruct{&entries[i]}.Write(ctx, p)
	})
	e.i64(2, "minTimeNs", int64(s.MinTime))
	return e.finish()
}

func (s requestStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.LIST:
			d.list(thrift.STRUCT, func() {
				var en resources.Entry
				d.strct(entryStruct{&en})
				s.Entries = append(s.Entries, en)
			})
		case id == 2 && t == thrift.I64:
			s.MinTime = time.Duration(d.i64())
		default:
			return false
		}
		return true
	})
}

type entryStruct struct {
	*resources.Entry
}

func (s entryStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Entry")
	e.str(1, "resource", s.Resource)
	e.i32(2, "policy", int32(s.Policy))
	e.i64(3, "amount", int64(s.Amount))
	return e.finish()
}

func (s entryStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.STRING:
			s.Resource = d.str()
		case id == 2 && t == thrift.I32:
			s.Policy = resources.Policy(d.i32())
		case id == 3 && t == thrift.I64:
			s.Amount = resources.Amount(d.i64())
		default:
			return false
		}
		return true
	})
}

type allocationStruct struct {
	*resources.Allocation
}

func (s allocationStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Allocation")
	e.i32(1, "variant", int32(s.Variant))
	res := s.Resources
	e.list(2, "resources", thrift.STRUCT, len(res), func(i int) error {
		r := res[i]
		re := newEncoder(ctx, p, "ResourceAllocation")
		re.str(1, "resource", r.Resource)
		re.list(2, "units", thrift.STRUCT, len(r.Units), func(j int) error {
			ue := newEncoder(ctx, p, "IndexAmount")
			ue.i32(1, "index", int32(r.Units[j].Index))
			ue.i64(2, "amount", int64(r.Units[j].Amount))
			return ue.finish()
		})
		re.i64(3, "amount", int64(r.Amount))
		return re.finish()
	})
	return e.finish()
}

func (s allocationStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.I32:
			s.Variant = int(d.i32())
		case id == 2 && t == thrift.LIST:
			d.list(thrift.STRUCT, func() {
				var r resources.ResourceAllocation
				d.err = d.fields(func(id int16, t thrift.TType) bool {
					switch {
					case id == 1 && t == thrift.STRING:
						r.Resource = d.str()
					case id == 2 && t == thrift.LIST:
						d.list(thrift.STRUCT, func() {
							var u resources.IndexAmount
							d.err = d.fields(func(id int16, t thrift.TType) bool {
								switch {
								case id == 1 && t == thrift.I32:
									u.Index = resources.Index(d.i32())
								case id == 2 && t == thrift.I64:
									u.Amount = resources.Amount(d.i64())
								default:
									return false
								}
								return true
							})
							r.Units = append(r.Units, u)
						})
					case id == 3 && t == thrift.I64:
						r.Amount = resources.Amount(d.i64())
					default:
						return false
					}
					return true
				})
				s.Resources = append(s.Resources, r)
			})
		default:
			return false
		}
		return true
	})
}

type taskDefinitionStruct struct {
	*graph.TaskDefinition
}

func (s taskDefinitionStruct) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "TaskDefinition")
	e.str(1, "name", s.Name)
	e.strct(2, "requirement", requirementStruct{&s.Requirement})
	deps := s.Deps
	e.list(3, "deps", thrift.I64, len(deps), func(i int) error {
		return p.WriteI64(ctx, int64(deps[i]))
	})
	e.i32(4, "priority", s.Priority)
	e.i32(5, "bodyKind", int32(s.Body.Kind))
	e.bin(6, "body", s.Body.Data)
	e.boolean(7, "keepAlive", s.Body.KeepAlive)
	e.i32(8, "crashLimit", s.CrashLimit)
	e.i64(9, "timeLimitNs", int64(s.TimeLimit))
	e.i32(10, "pin", int32(s.Pin))
	return e.finish()
}

func (s taskDefinitionStruct) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.STRING:
			s.Name = d.str()
		case id == 2 && t == thrift.STRUCT:
			d.strct(requirementStruct{&s.Requirement})
		case id == 3 && t == thrift.LIST:
			d.list(thrift.I64, func() {
				s.Deps = append(s.Deps, graph.TaskID(d.i64()))
			})
		case id == 4 && t == thrift.I32:
			s.Priority = d.i32()
		case id == 5 && t == thrift.I32:
			s.Body.Kind = graph.BodyKind(d.i32())
		case id == 6 && t == thrift.STRING:
			s.Body.Data = d.bin()
		case id == 7 && t == thrift.BOOL:
			s.Body.KeepAlive = d.boolean()
		case id == 8 && t == thrift.I32:
			s.CrashLimit = d.i32()
		case id == 9 && t == thrift.I64:
			s.TimeLimit = time.Duration(d.i64())
		case id == 10 && t == thrift.I32:
			s.Pin = graph.PinMode(d.i32())
		default:
			return false
		}
		return true
	})
}

// EncodeTaskDefinition is the journal's encoding of a task definition.
func EncodeTaskDefinition(def *graph.TaskDefinition) ([]byte, error) {
	return thrifthelpers.BinarySerialize(taskDefinitionStruct{def})
}

func DecodeTaskDefinition(b []byte) (*graph.TaskDefinition, error) {
	def := &graph.TaskDefinition{}
	if err := thrifthelpers.BinaryDeserialize(taskDefinitionStruct{def}, b); err != nil {
		return nil, errors.Wrap(err, "decoding task definition")
	}
	return def, nil
}

// Command is the body of a BodyCommand task: what the worker executes.
type Command struct {
	Argv []string
	Env  map[string]string
	Dir  string
}

func (c *Command) Write(ctx context.Context, p thrift.TProtocol) error {
	e := newEncoder(ctx, p, "Command")
	e.strList(1, "argv", c.Argv)
	env := lo.MapToSlice(c.Env, func(k, v string) string { return k + "=" + v })
	sort.Strings(env)
	e.strList(2, "env", env)
	e.str(3, "dir", c.Dir)
	return e.finish()
}

func (c *Command) Read(ctx context.Context, p thrift.TProtocol) error {
	d := newDecoder(ctx, p)
	return d.fields(func(id int16, t thrift.TType) bool {
		switch {
		case id == 1 && t == thrift.LIST:
			c.Argv = d.strList()
		case id == 2 && t == thrift.LIST:
			for _, kv := range d.strList() {
				k, v, _ := strings.Cut(kv, "=")
				if c.Env == nil {
					c.Env = make(map[string]string)
				}
				c.Env[k] = v
			}
		case id == 3 && t == thrift.STRING:
			c.Dir = d.str()
		default:
			return false
		}
		return true
	})
}

func (c *Command) String() string {
	return strings.Join(c.Argv, " ")
}

// CommandBody wraps a command line as a task body.
func CommandBody(c *Command) (graph.Body, error) {
	b, err := thrifthelpers.BinarySerialize(c)
	if err != nil {
		return graph.Body{}, err
	}
	return graph.Body{Kind: graph.BodyCommand, Data: b}, nil
}

// DecodeCommand reads the command out of a BodyCommand body.
func DecodeCommand(body []byte) (*Command, error) {
	c := &Command{}
	if err := thrifthelpers.BinaryDeserialize(c, body); err != nil {
		return nil, errors.Wrap(err, "decoding command")
	}
	return c, nil
}
