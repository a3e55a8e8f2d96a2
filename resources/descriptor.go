package resources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// CpuResource is the reserved name of the CPU core resource.
const CpuResource = "cpus"

// Index identifies one indexed unit of a resource (a CPU id, a GPU slot).
type Index uint32

// GenericKind says how a generic resource is laid out on a worker.
type GenericKind int

const (
	// Explicit indices, e.g. GPUs 0,1,3
	KindList GenericKind = iota

	// Inclusive index range, e.g. 0-3
	KindRange

	// A plain countable quantity with no indices, e.g. memory
	KindSum
)

func (k GenericKind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindRange:
		return "range"
	case KindSum:
		return "sum"
	}
	return fmt.Sprintf("GenericKind(%d)", int(k))
}

// GenericDescriptor declares one named non-CPU resource of a worker.
type GenericDescriptor struct {
	Name   string
	Kind   GenericKind
	Values []Index // KindList
	Start  Index   // KindRange
	End    Index   // KindRange
	Size   Amount  // KindSum
}

// Indices returns the units of a list or range resource in ascending order.
func (g GenericDescriptor) Indices() []Index {
	switch g.Kind {
	case KindList:
		out := append([]Index(nil), g.Values...)
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	case KindRange:
		if g.End < g.Start {
			return nil
		}
		out := make([]Index, 0, g.End-g.Start+1)
		for i := g.Start; ; i++ {
			out = append(out, i)
			if i == g.End {
				break
			}
		}
		return out
	}
	return nil
}

// Total is the full amount of the resource.
func (g GenericDescriptor) Total() Amount {
	switch g.Kind {
	case KindSum:
		return g.Size
	default:
		return Units(int64(len(g.Indices())))
	}
}

func (g GenericDescriptor) String() string {
	switch g.Kind {
	case KindList:
		parts := make([]string, len(g.Values))
		for i, v := range g.Values {
			parts[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s=list(%s)", g.Name, strings.Join(parts, ","))
	case KindRange:
		return fmt.Sprintf("%s=range(%d-%d)", g.Name, g.Start, g.End)
	default:
		return fmt.Sprintf("%s=sum(%s)", g.Name, g.Size)
	}
}

// Descriptor is the full capacity a worker declares when it registers.
// Cpus holds core ids grouped by socket.
type Descriptor struct {
	Cpus    [][]Index
	Generic []GenericDescriptor
}

// SimpleCpus describes n cores on a single socket, ids 0..n-1.
func SimpleCpus(n int) [][]Index {
	return CpusFromSocketSize(1, n)
}

// CpusFromSocketSize describes sockets*cores cores numbered socket by socket.
func CpusFromSocketSize(sockets, cores int) [][]Index {
	out := make([][]Index, sockets)
	id := Index(0)
	for s := 0; s < sockets; s++ {
		out[s] = make([]Index, cores)
		for c := 0; c < cores; c++ {
			out[s][c] = id
			id++
		}
	}
	return out
}

// NewDescriptor builds a descriptor with generic resources sorted by name.
func NewDescriptor(cpus [][]Index, generic ...GenericDescriptor) Descriptor {
	g := append([]GenericDescriptor(nil), generic...)
	sort.Slice(g, func(i, j int) bool { return g[i].Name < g[j].Name })
	return Descriptor{Cpus: cpus, Generic: g}
}

// NumCpus counts the cores over all sockets.
func (d Descriptor) NumCpus() int {
	n := 0
	for _, g := range d.Cpus {
		n += len(g)
	}
	return n
}

// Validate reports every problem with the descriptor at once.
func (d Descriptor) Validate() error {
	var result *multierror.Error
	if len(d.Cpus) == 0 {
		result = multierror.Append(result, errors.New("no cpus declared"))
	}
	seen := make(map[Index]bool)
	for i, group := range d.Cpus {
		if len(group) == 0 {
			result = multierror.Append(result, errors.Errorf("cpu socket %d is empty", i))
		}
		for _, id := range group {
			if seen[id] {
				result = multierror.Append(result, errors.Errorf("cpu %d declared twice", id))
			}
			seen[id] = true
		}
	}
	names := make(map[string]bool)
	for _, g := range d.Generic {
		if g.Name == "" {
			result = multierror.Append(result, errors.New("generic resource without a name"))
		}
		if g.Name == CpuResource {
			result = multierror.Append(result, errors.Errorf("%q is reserved for cpu cores", CpuResource))
		}
		if names[g.Name] {
			result = multierror.Append(result, errors.Errorf("resource %q declared twice", g.Name))
		}
		names[g.Name] = true
		switch g.Kind {
		case KindList:
			if len(g.Values) == 0 {
				result = multierror.Append(result, errors.Errorf("resource %q has an empty list", g.Name))
			}
			idx := make(map[Index]bool)
			for _, v := range g.Values {
				if idx[v] {
					result = multierror.Append(result, errors.Errorf("resource %q lists index %d twice", g.Name, v))
				}
				idx[v] = true
			}
		case KindRange:
			if g.End < g.Start {
				result = multierror.Append(result, errors.Errorf("resource %q has an inverted range %d-%d", g.Name, g.Start, g.End))
			}
		case KindSum:
			if g.Size <= 0 {
				result = multierror.Append(result, errors.Errorf("resource %q has no size", g.Name))
			}
		default:
			result = multierror.Append(result, errors.Errorf("resource %q has unknown kind %v", g.Name, g.Kind))
		}
	}
	return result.ErrorOrNil()
}

func (d Descriptor) String() string {
	parts := []string{fmt.Sprintf("cpus=%d/%d sockets", d.NumCpus(), len(d.Cpus))}
	for _, g := range d.Generic {
		parts = append(parts, g.String())
	}
	return strings.Join(parts, " ")
}
