package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenTier struct{ name string }

var errTierDown = errors.New("tier down")

func (b brokenTier) Name() string { return b.name }
func (brokenTier) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errTierDown
}
func (brokenTier) Token(context.Context, string) (uint64, error) { return 0, errTierDown }
func (brokenTier) Populate(context.Context, string, uint64, Entry) error {
	return errTierDown
}
func (brokenTier) Invalidate(context.Context, string) error { return errTierDown }

func newTwoTier(t *testing.T) (*Hierarchy, *MemoryTier, *MemoryTier) {
	t.Helper()
	l1, err := NewMemoryTier("l1", LRU, 16, 0)
	require.NoError(t, err)
	l2, err := NewMemoryTier("l2", FIFO, 16, 0)
	require.NoError(t, err)
	return NewHierarchy(WithTier(l1), WithTier(l2)), l1, l2
}

func TestHierarchyBackfillsFasterTiers(t *testing.T) {
	h, l1, l2 := newTwoTier(t)
	ctx := context.Background()

	mustPopulate(t, l2, "k", entryOf(1, 3))

	got, ok := h.Get(ctx, "k", 1)
	require.True(t, ok)
	assert.Len(t, got.Events, 3)

	_, ok, _ = l1.Get(ctx, "k")
	assert.True(t, ok, "l1 back-filled from l2")
}

func TestHierarchyPartialEntryIsAMiss(t *testing.T) {
	h, _, _ := newTwoTier(t)
	ctx := context.Background()

	h.Populate(ctx, "k", h.Token(ctx, "k"), entryOf(4, 6))

	_, ok := h.Get(ctx, "k", 1)
	assert.False(t, ok)
	got, ok := h.Get(ctx, "k", 5)
	require.True(t, ok)
	assert.Len(t, got.Slice(5), 2)
}

func TestHierarchyPopulateAfterInvalidateIsDropped(t *testing.T) {
	h, l1, l2 := newTwoTier(t)
	ctx := context.Background()

	tokens := h.Token(ctx, "k")
	require.True(t, h.Invalidate(ctx, "k"))
	h.Populate(ctx, "k", tokens, entryOf(1, 2))

	for _, tier := range []*MemoryTier{l1, l2} {
		_, ok, _ := tier.Get(ctx, "k")
		assert.False(t, ok, tier.Name())
	}
}

func TestHierarchyToleratesFailingTier(t *testing.T) {
	l1, err := NewMemoryTier("l1", LRU, 16, 0)
	require.NoError(t, err)
	h := NewHierarchy(WithTier(l1), WithTier(brokenTier{name: "l2"}))
	ctx := context.Background()

	_, ok := h.Get(ctx, "k", 1)
	assert.False(t, ok)

	h.Populate(ctx, "k", h.Token(ctx, "k"), entryOf(1, 2))
	got, ok := h.Get(ctx, "k", 1)
	require.True(t, ok)
	assert.Len(t, got.Events, 2)

	assert.False(t, h.Invalidate(ctx, "k"))
	_, ok, _ = l1.Get(ctx, "k")
	assert.False(t, ok, "healthy tiers are invalidated even when another fails")
}

func TestDisabledHierarchy(t *testing.T) {
	ctx := context.Background()
	for _, h := range []*Hierarchy{Disabled(), nil, NewHierarchy()} {
		assert.False(t, h.Enabled())
		h.Populate(ctx, "k", h.Token(ctx, "k"), entryOf(1, 2))
		_, ok := h.Get(ctx, "k", 1)
		assert.False(t, ok)
		assert.True(t, h.Invalidate(ctx, "k"))
	}
}

func TestKeyIncludesTenant(t *testing.T) {
	assert.NotEqual(t, Key("t1", "order-1"), Key("t2", "order-1"))
	assert.Equal(t, "|order-1", Key("", "order-1"))
}
