package resources

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Policy selects which indexed units satisfy an entry.
type Policy int

const (
	// Use as few sockets/groups as possible, falling back to more.
	Compact Policy = iota

	// Fail unless the units fit in the minimal possible number of groups.
	ForceCompact

	// Spread units over as many groups as possible.
	Scatter

	// Take every unit of the resource. The entry amount must be zero.
	All
)

func (p Policy) String() string {
	switch p {
	case Compact:
		return "compact"
	case ForceCompact:
		return "compact!"
	case Scatter:
		return "scatter"
	case All:
		return "all"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Entry is the demand on one named resource.
type Entry struct {
	Resource string
	Policy   Policy
	Amount   Amount
}

func (e Entry) String() string {
	if e.Policy == All {
		return e.Resource + "=all"
	}
	if e.Policy == Compact {
		return fmt.Sprintf("%s=%s", e.Resource, e.Amount)
	}
	return fmt.Sprintf("%s=%s %s", e.Resource, e.Amount, e.Policy)
}

// Request is one variant of a requirement: a set of entries that must all be
// met on the same worker, and the least remaining lifetime the worker must have.
type Request struct {
	Entries []Entry
	MinTime time.Duration
}

func (r Request) String() string {
	parts := make([]string, 0, len(r.Entries)+1)
	for _, e := range r.Entries {
		parts = append(parts, e.String())
	}
	if r.MinTime > 0 {
		parts = append(parts, "time>="+r.MinTime.String())
	}
	return strings.Join(parts, ",")
}

// Requirement is what a task asks for. Variants are alternatives evaluated in
// declaration order; Nodes > 1 marks a multi-node task whose chosen variant
// must hold on that many distinct workers at once.
type Requirement struct {
	Variants []Request
	Nodes    int
}

// SingleRequirement is a one-variant, one-node requirement.
func SingleRequirement(entries ...Entry) Requirement {
	return Requirement{Variants: []Request{{Entries: entries}}, Nodes: 1}
}

// CpuRequirement asks for n cores with the default policy.
func CpuRequirement(n int64) Requirement {
	return SingleRequirement(Entry{Resource: CpuResource, Amount: Units(n)})
}

// NumNodes is Nodes with the zero value read as 1.
func (r Requirement) NumNodes() int {
	if r.Nodes < 1 {
		return 1
	}
	return r.Nodes
}

// Validate checks the requirement is well formed, independently of any worker.
func (r Requirement) Validate() error {
	var result *multierror.Error
	if len(r.Variants) == 0 {
		result = multierror.Append(result, errors.New("requirement has no variants"))
	}
	if r.Nodes < 0 {
		result = multierror.Append(result, errors.Errorf("negative node count %d", r.Nodes))
	}
	for i, v := range r.Variants {
		seen := make(map[string]bool)
		if len(v.Entries) == 0 {
			result = multierror.Append(result, errors.Errorf("variant %d requests nothing", i))
		}
		for _, e := range v.Entries {
			if e.Resource == "" {
				result = multierror.Append(result, errors.Errorf("variant %d has an unnamed entry", i))
			}
			if seen[e.Resource] {
				result = multierror.Append(result, errors.Errorf("variant %d requests %q twice", i, e.Resource))
			}
			seen[e.Resource] = true
			switch {
			case e.Policy == All && e.Amount != 0:
				result = multierror.Append(result, errors.Errorf("variant %d: %q=all takes no amount", i, e.Resource))
			case e.Policy != All && e.Amount <= 0:
				result = multierror.Append(result, errors.Errorf("variant %d: %q needs a positive amount", i, e.Resource))
			case e.Policy < Compact || e.Policy > All:
				result = multierror.Append(result, errors.Errorf("variant %d: unknown policy %v", i, e.Policy))
			}
		}
		if v.MinTime < 0 {
			result = multierror.Append(result, errors.Errorf("variant %d has a negative min time", i))
		}
	}
	return result.ErrorOrNil()
}

// Key is a canonical form; two requirements with the same key fit exactly the
// same offers.
func (r Requirement) Key() string {
	parts := make([]string, len(r.Variants))
	for i, v := range r.Variants {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%d|%s", r.NumNodes(), strings.Join(parts, "|"))
}

func (r Requirement) String() string {
	parts := make([]string, len(r.Variants))
	for i, v := range r.Variants {
		parts[i] = "[" + v.String() + "]"
	}
	s := strings.Join(parts, " or ")
	if r.NumNodes() > 1 {
		s = fmt.Sprintf("%d nodes x %s", r.NumNodes(), s)
	}
	return s
}

// Offer is what the allocator shows a requirement: a worker's free capacity
// and how much longer the worker will live (zero means no limit).
type Offer struct {
	Capacity      *Capacity
	RemainingTime time.Duration
}

// SatisfiedBy returns the first variant, in declaration order, that fits the
// offer. It never modifies the offer.
func (r Requirement) SatisfiedBy(offer Offer) (int, bool) {
	for i, v := range r.Variants {
		if v.FitsIn(offer) {
			return i, true
		}
	}
	return -1, false
}

// FitsIn reports whether this single variant fits the offer.
func (v Request) FitsIn(offer Offer) bool {
	if offer.Capacity == nil {
		return false
	}
	if v.MinTime > 0 && offer.RemainingTime > 0 && offer.RemainingTime < v.MinTime {
		return false
	}
	for _, e := range v.Entries {
		if _, ok := offer.Capacity.selectUnits(e); !ok {
			return false
		}
	}
	return true
}

// FitsTotal reports whether any variant would fit a completely idle worker
// with the given total capacity and lifetime. When it is false for every
// worker the requirement can never be met there.
func (r Requirement) FitsTotal(total Offer) bool {
	if total.Capacity == nil {
		return false
	}
	idle := Offer{Capacity: total.Capacity.Total(), RemainingTime: total.RemainingTime}
	_, ok := r.SatisfiedBy(idle)
	return ok
}
