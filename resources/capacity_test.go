package resources

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoSocketGpuDescriptor() Descriptor {
	return NewDescriptor(
		CpusFromSocketSize(2, 4),
		GenericDescriptor{Name: "gpus", Kind: KindRange, Start: 0, End: 1},
		GenericDescriptor{Name: "mem", Kind: KindSum, Size: Units(1 << 30)},
	)
}

func Test_Capacity_SubtractAddIsIdentity(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	orig := c.Clone()

	req := Request{Entries: []Entry{
		{Resource: CpuResource, Amount: Units(3)},
		{Resource: "gpus", Amount: Units(1) + FractionsPerUnit/2},
		{Resource: "mem", Amount: Units(1 << 20)},
	}}
	a, err := c.Subtract(req)
	require.NoError(t, err)
	assert.False(t, c.Equal(orig))
	assert.Equal(t, Units(5), c.Free(CpuResource))
	assert.Equal(t, Amount(FractionsPerUnit/2), c.Free("gpus"))

	require.NoError(t, c.Add(a))
	assert.True(t, c.Equal(orig), "capacity differs after add: %s vs %s", c, orig)
}

func Test_Capacity_SubtractDoesNotMutateOnFailure(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	orig := c.Clone()
	_, err := c.Subtract(Request{Entries: []Entry{
		{Resource: CpuResource, Amount: Units(2)},
		{Resource: "gpus", Amount: Units(3)},
	}})
	assert.Error(t, err)
	assert.True(t, c.Equal(orig))
}

func Test_Capacity_CompactPrefersSingleSocket(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	// leave socket 0 with one free core
	_, err := c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Amount: Units(3)}}})
	require.NoError(t, err)

	// best fit: 1 core goes to the nearly full socket
	a, err := c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Amount: Units(1)}}})
	require.NoError(t, err)
	assert.Equal(t, []Index{3}, a.Indices(CpuResource))

	a, err = c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Amount: Units(4)}}})
	require.NoError(t, err)
	if diff := cmp.Diff([]Index{4, 5, 6, 7}, a.Indices(CpuResource)); diff != "" {
		t.Errorf("unexpected cores (-want +got):\n%s", diff)
	}
}

func Test_Capacity_ForceCompact(t *testing.T) {
	c := NewCapacity(NewDescriptor(CpusFromSocketSize(2, 4)))
	_, err := c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Policy: Scatter, Amount: Units(2)}}})
	require.NoError(t, err)

	// 4 cores fit one socket by size, but no socket has 4 free any more
	force := Request{Entries: []Entry{{Resource: CpuResource, Policy: ForceCompact, Amount: Units(4)}}}
	assert.False(t, force.FitsIn(Offer{Capacity: c}))

	loose := Request{Entries: []Entry{{Resource: CpuResource, Policy: Compact, Amount: Units(4)}}}
	assert.True(t, loose.FitsIn(Offer{Capacity: c}))
}

func Test_Capacity_Scatter(t *testing.T) {
	c := NewCapacity(NewDescriptor(CpusFromSocketSize(2, 4)))
	a, err := c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Policy: Scatter, Amount: Units(2)}}})
	require.NoError(t, err)
	assert.Equal(t, []Index{0, 4}, a.Indices(CpuResource))
}

func Test_Capacity_AllPolicy(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	all := Request{Entries: []Entry{{Resource: "gpus", Policy: All}}}
	a, err := c.Subtract(all)
	require.NoError(t, err)
	assert.Equal(t, []Index{0, 1}, a.Indices("gpus"))
	assert.False(t, all.FitsIn(Offer{Capacity: c}))
	require.NoError(t, c.Add(a))
	assert.True(t, all.FitsIn(Offer{Capacity: c}))
}

func Test_Capacity_FractionPrefersPartiallyUsedUnit(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	half := Request{Entries: []Entry{{Resource: "gpus", Amount: FractionsPerUnit / 2}}}
	a1, err := c.Subtract(half)
	require.NoError(t, err)
	a2, err := c.Subtract(half)
	require.NoError(t, err)
	assert.Equal(t, a1.Indices("gpus"), a2.Indices("gpus"))
	assert.Equal(t, Units(1), c.Free("gpus"))
}

func Test_Capacity_AddRejectsOverRelease(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	a, err := c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Amount: Units(1)}}})
	require.NoError(t, err)
	require.NoError(t, c.Add(a))
	assert.Error(t, c.Add(a))
}

func Test_Requirement_FirstSatisfiableVariantWins(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	req := Requirement{Variants: []Request{
		{Entries: []Entry{{Resource: CpuResource, Amount: Units(16)}}},
		{Entries: []Entry{{Resource: "gpus", Amount: Units(1)}, {Resource: CpuResource, Amount: Units(1)}}},
		{Entries: []Entry{{Resource: CpuResource, Amount: Units(1)}}},
	}}
	v, ok := req.SatisfiedBy(Offer{Capacity: c})
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.True(t, c.Equal(NewCapacity(twoSocketGpuDescriptor())), "SatisfiedBy must not mutate")
}

func Test_Requirement_MinTime(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	req := Requirement{Variants: []Request{{
		Entries: []Entry{{Resource: CpuResource, Amount: Units(1)}},
		MinTime: time.Hour,
	}}}
	_, ok := req.SatisfiedBy(Offer{Capacity: c, RemainingTime: time.Minute})
	assert.False(t, ok)
	_, ok = req.SatisfiedBy(Offer{Capacity: c, RemainingTime: 2 * time.Hour})
	assert.True(t, ok)
	_, ok = req.SatisfiedBy(Offer{Capacity: c})
	assert.True(t, ok)
}

func Test_Requirement_FitsTotal(t *testing.T) {
	c := NewCapacity(twoSocketGpuDescriptor())
	_, err := c.Subtract(Request{Entries: []Entry{{Resource: CpuResource, Amount: Units(8)}}})
	require.NoError(t, err)

	assert.True(t, CpuRequirement(8).FitsTotal(Offer{Capacity: c}))
	assert.False(t, CpuRequirement(9).FitsTotal(Offer{Capacity: c}))
	assert.False(t, SingleRequirement(Entry{Resource: "fpga", Amount: Units(1)}).FitsTotal(Offer{Capacity: c}))
}

func Test_Requirement_Validate(t *testing.T) {
	assert.NoError(t, CpuRequirement(1).Validate())
	assert.Error(t, Requirement{}.Validate())
	assert.Error(t, SingleRequirement(Entry{Resource: "gpus", Policy: All, Amount: Units(1)}).Validate())
	assert.Error(t, SingleRequirement(
		Entry{Resource: CpuResource, Amount: Units(1)},
		Entry{Resource: CpuResource, Amount: Units(2)},
	).Validate())
}

func Test_Capacity_Slack(t *testing.T) {
	small := NewCapacity(NewDescriptor(SimpleCpus(2)))
	big := NewCapacity(NewDescriptor(SimpleCpus(8)))
	req := Request{Entries: []Entry{{Resource: CpuResource, Amount: Units(2)}}}
	assert.True(t, small.Slack(req) < big.Slack(req))
}

func Test_Capacity_SlackLargeMemory(t *testing.T) {
	node := func(gib int64) *Capacity {
		return NewCapacity(NewDescriptor(SimpleCpus(64),
			GenericDescriptor{Name: "mem", Kind: KindSum, Size: Units(gib << 30)}))
	}
	req := Request{Entries: []Entry{{Resource: "mem", Amount: Units(1 << 30)}}}
	sizes := []int64{64, 96, 256, 512, 1024, 4096}
	for i := 1; i < len(sizes); i++ {
		smaller, larger := node(sizes[i-1]), node(sizes[i])
		assert.True(t, smaller.Slack(req) < larger.Slack(req), "%dGiB vs %dGiB", sizes[i-1], sizes[i])
		assert.True(t, larger.Slack(req) >= 0)
		assert.True(t, larger.Slack(req) <= FractionsPerUnit)
	}
}
