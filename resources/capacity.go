package resources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficient is returned when a request does not fit free capacity.
	ErrInsufficient = errors.New("insufficient free capacity")

	// ErrOverRelease is returned when releasing units that were never taken.
	ErrOverRelease = errors.New("release exceeds declared capacity")
)

// IndexAmount is the share of one indexed unit held by an allocation.
type IndexAmount struct {
	Index  Index
	Amount Amount
}

// ResourceAllocation is what an allocation holds of one resource. Units is
// empty for sum resources.
type ResourceAllocation struct {
	Resource string
	Units    []IndexAmount
	Amount   Amount
}

// Allocation is the concrete result of subtracting one variant from a capacity.
type Allocation struct {
	Variant   int
	Resources []ResourceAllocation
}

// Indices lists the units of the named resource held by the allocation.
func (a *Allocation) Indices(resource string) []Index {
	if a == nil {
		return nil
	}
	for _, r := range a.Resources {
		if r.Resource == resource {
			out := make([]Index, len(r.Units))
			for i, u := range r.Units {
				out[i] = u.Index
			}
			return out
		}
	}
	return nil
}

func (a *Allocation) String() string {
	if a == nil {
		return "<none>"
	}
	parts := make([]string, 0, len(a.Resources))
	for _, r := range a.Resources {
		if len(r.Units) == 0 {
			parts = append(parts, fmt.Sprintf("%s=%s", r.Resource, r.Amount))
			continue
		}
		units := make([]string, len(r.Units))
		for i, u := range r.Units {
			if u.Amount == FractionsPerUnit {
				units[i] = fmt.Sprint(u.Index)
			} else {
				units[i] = fmt.Sprintf("%d(%s)", u.Index, u.Amount)
			}
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", r.Resource, strings.Join(units, ",")))
	}
	return fmt.Sprintf("v%d{%s}", a.Variant, strings.Join(parts, " "))
}

// pool is one named resource on one worker. Indexed pools track the free
// fraction of every unit; sum pools a single quantity.
type pool struct {
	groups [][]Index
	free   map[Index]Amount
	sum    Amount
	total  Amount
}

func (p *pool) indexed() bool {
	return p.groups != nil
}

func (p *pool) freeAmount() Amount {
	if !p.indexed() {
		return p.sum
	}
	var a Amount
	for _, f := range p.free {
		a += f
	}
	return a
}

func (p *pool) clone() *pool {
	c := &pool{groups: p.groups, sum: p.sum, total: p.total}
	if p.free != nil {
		c.free = make(map[Index]Amount, len(p.free))
		for k, v := range p.free {
			c.free[k] = v
		}
	}
	return c
}

func newIndexedPool(groups [][]Index) *pool {
	p := &pool{free: make(map[Index]Amount)}
	for _, g := range groups {
		p.groups = append(p.groups, append([]Index(nil), g...))
		for _, idx := range g {
			p.free[idx] = FractionsPerUnit
			p.total += FractionsPerUnit
		}
	}
	return p
}

// Capacity is the free resource pool of one worker. It is not safe for
// concurrent use; the scheduler owns every Capacity.
type Capacity struct {
	desc  Descriptor
	pools map[string]*pool
}

// NewCapacity returns a fully free capacity for the descriptor.
func NewCapacity(d Descriptor) *Capacity {
	c := &Capacity{desc: d, pools: make(map[string]*pool)}
	c.pools[CpuResource] = newIndexedPool(d.Cpus)
	for _, g := range d.Generic {
		if g.Kind == KindSum {
			c.pools[g.Name] = &pool{sum: g.Size, total: g.Size}
			continue
		}
		c.pools[g.Name] = newIndexedPool([][]Index{g.Indices()})
	}
	return c
}

// Descriptor returns the declaration this capacity was built from.
func (c *Capacity) Descriptor() Descriptor {
	return c.desc
}

// Total returns a new, completely free capacity of the same shape.
func (c *Capacity) Total() *Capacity {
	return NewCapacity(c.desc)
}

// Clone returns an independent copy.
func (c *Capacity) Clone() *Capacity {
	out := &Capacity{desc: c.desc, pools: make(map[string]*pool, len(c.pools))}
	for name, p := range c.pools {
		out.pools[name] = p.clone()
	}
	return out
}

// Names lists the resources of the capacity in sorted order.
func (c *Capacity) Names() []string {
	out := make([]string, 0, len(c.pools))
	for name := range c.pools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Free is the free amount of the named resource, zero if absent.
func (c *Capacity) Free(resource string) Amount {
	if p, ok := c.pools[resource]; ok {
		return p.freeAmount()
	}
	return 0
}

// Size is the declared amount of the named resource, zero if absent.
func (c *Capacity) Size(resource string) Amount {
	if p, ok := c.pools[resource]; ok {
		return p.total
	}
	return 0
}

// Exhausted is true when nothing at all is free.
func (c *Capacity) Exhausted() bool {
	for _, p := range c.pools {
		if p.freeAmount() > 0 {
			return false
		}
	}
	return true
}

// Idle is true when nothing at all is taken.
func (c *Capacity) Idle() bool {
	for _, p := range c.pools {
		if p.freeAmount() != p.total {
			return false
		}
	}
	return true
}

// Subtract takes the variant out of the capacity and returns exactly what was
// taken. Nothing changes when it does not fit.
func (c *Capacity) Subtract(v Request) (*Allocation, error) {
	taken := make([]ResourceAllocation, 0, len(v.Entries))
	for _, e := range v.Entries {
		ra, ok := c.selectUnits(e)
		if !ok {
			return nil, errors.Wrapf(ErrInsufficient, "%s", e)
		}
		taken = append(taken, ra)
	}
	for _, ra := range taken {
		c.apply(ra, -1)
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i].Resource < taken[j].Resource })
	return &Allocation{Resources: taken}, nil
}

// Add returns an allocation to the capacity. It is the exact inverse of
// Subtract.
func (c *Capacity) Add(a *Allocation) error {
	if a == nil {
		return nil
	}
	for _, ra := range a.Resources {
		p, ok := c.pools[ra.Resource]
		if !ok {
			return errors.Wrapf(ErrOverRelease, "unknown resource %q", ra.Resource)
		}
		if !p.indexed() {
			if p.sum+ra.Amount > p.total {
				return errors.Wrapf(ErrOverRelease, "%s", ra.Resource)
			}
			continue
		}
		for _, u := range ra.Units {
			f, ok := p.free[u.Index]
			if !ok || f+u.Amount > FractionsPerUnit {
				return errors.Wrapf(ErrOverRelease, "%s[%d]", ra.Resource, u.Index)
			}
		}
	}
	for _, ra := range a.Resources {
		c.apply(ra, 1)
	}
	return nil
}

func (c *Capacity) apply(ra ResourceAllocation, sign Amount) {
	p := c.pools[ra.Resource]
	if !p.indexed() {
		p.sum += sign * ra.Amount
		return
	}
	for _, u := range ra.Units {
		p.free[u.Index] += sign * u.Amount
	}
}

// Equal compares free state and shape.
func (c *Capacity) Equal(o *Capacity) bool {
	if c == nil || o == nil {
		return c == o
	}
	if len(c.pools) != len(o.pools) {
		return false
	}
	for name, p := range c.pools {
		q, ok := o.pools[name]
		if !ok || p.sum != q.sum || p.total != q.total || len(p.free) != len(q.free) {
			return false
		}
		for idx, f := range p.free {
			if g, ok := q.free[idx]; !ok || g != f {
				return false
			}
		}
	}
	return true
}

// Slack scores how much would be left over, relative to each resource's size,
// if the variant were taken. Smaller means a tighter fit. Each resource
// contributes at most FractionsPerUnit; sum pools sized in bytes are too large
// to scale in int64.
func (c *Capacity) Slack(v Request) int64 {
	var slack int64
	scale := decimal.NewFromInt(FractionsPerUnit)
	for _, e := range v.Entries {
		p, ok := c.pools[e.Resource]
		if !ok || p.total == 0 {
			continue
		}
		want := e.Amount
		if e.Policy == All {
			want = p.total
		}
		left := p.freeAmount() - want
		slack += decimal.NewFromInt(int64(left)).Mul(scale).
			Div(decimal.NewFromInt(int64(p.total))).IntPart()
	}
	return slack
}

func (c *Capacity) String() string {
	parts := make([]string, 0, len(c.pools))
	for _, name := range c.Names() {
		p := c.pools[name]
		parts = append(parts, fmt.Sprintf("%s=%s/%s", name, p.freeAmount(), p.total))
	}
	return strings.Join(parts, " ")
}

// selectUnits decides which units would satisfy the entry without taking them.
func (c *Capacity) selectUnits(e Entry) (ResourceAllocation, bool) {
	p, ok := c.pools[e.Resource]
	if !ok {
		return ResourceAllocation{}, false
	}
	ra := ResourceAllocation{Resource: e.Resource}
	if !p.indexed() {
		want := e.Amount
		if e.Policy == All {
			if p.sum != p.total {
				return ra, false
			}
			want = p.total
		}
		if p.sum < want {
			return ra, false
		}
		ra.Amount = want
		return ra, true
	}

	if e.Policy == All {
		for _, g := range p.groups {
			for _, idx := range g {
				if p.free[idx] != FractionsPerUnit {
					return ra, false
				}
				ra.Units = append(ra.Units, IndexAmount{idx, FractionsPerUnit})
			}
		}
		ra.Amount = p.total
		return ra, true
	}

	whole, ok := p.pickWhole(int(e.Amount.Whole()), e.Policy)
	if !ok {
		return ra, false
	}
	chosen := make(map[Index]bool, len(whole))
	for _, idx := range whole {
		chosen[idx] = true
		ra.Units = append(ra.Units, IndexAmount{idx, FractionsPerUnit})
	}
	if frac := e.Amount.Fraction(); frac > 0 {
		idx, ok := p.pickFraction(frac, chosen)
		if !ok {
			return ra, false
		}
		ra.Units = append(ra.Units, IndexAmount{idx, frac})
	}
	ra.Amount = e.Amount
	return ra, true
}

type groupFree struct {
	pos   int
	units []Index
}

// pickWhole chooses n completely free units following the policy.
func (p *pool) pickWhole(n int, policy Policy) ([]Index, bool) {
	if n == 0 {
		return nil, true
	}
	var groups []groupFree
	available := 0
	for i, g := range p.groups {
		var units []Index
		for _, idx := range g {
			if p.free[idx] == FractionsPerUnit {
				units = append(units, idx)
			}
		}
		if len(units) > 0 {
			groups = append(groups, groupFree{i, units})
			available += len(units)
		}
	}
	if available < n {
		return nil, false
	}

	if policy == Scatter {
		byFree(groups)
		out := make([]Index, 0, n)
		cursor := make([]int, len(groups))
		for len(out) < n {
			for k := range groups {
				if cursor[k] < len(groups[k].units) {
					out = append(out, groups[k].units[cursor[k]])
					cursor[k]++
					if len(out) == n {
						break
					}
				}
			}
		}
		return out, true
	}

	// Best fit within a single group first.
	best := -1
	for k, g := range groups {
		if len(g.units) >= n && (best < 0 || len(g.units) < len(groups[best].units)) {
			best = k
		}
	}
	if best >= 0 {
		return append([]Index(nil), groups[best].units[:n]...), true
	}

	byFree(groups)
	out := make([]Index, 0, n)
	used := 0
	for _, g := range groups {
		take := n - len(out)
		if take > len(g.units) {
			take = len(g.units)
		}
		out = append(out, g.units[:take]...)
		used++
		if len(out) == n {
			break
		}
	}
	if policy == ForceCompact && used > p.minGroups(n) {
		return nil, false
	}
	return out, true
}

// minGroups is the fewest groups that could ever hold n units.
func (p *pool) minGroups(n int) int {
	sizes := make([]int, len(p.groups))
	for i, g := range p.groups {
		sizes[i] = len(g)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	count, sum := 0, 0
	for _, s := range sizes {
		if sum >= n {
			break
		}
		sum += s
		count++
	}
	return count
}

// pickFraction finds the unit with the least free share that still holds frac.
func (p *pool) pickFraction(frac Amount, exclude map[Index]bool) (Index, bool) {
	found := false
	var best Index
	var bestFree Amount
	for _, g := range p.groups {
		for _, idx := range g {
			f := p.free[idx]
			if exclude[idx] || f < frac {
				continue
			}
			if !found || f < bestFree || (f == bestFree && idx < best) {
				found, best, bestFree = true, idx, f
			}
		}
	}
	return best, found
}

func byFree(groups []groupFree) {
	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].units) != len(groups[j].units) {
			return len(groups[i].units) > len(groups[j].units)
		}
		return groups[i].pos < groups[j].pos
	})
}
