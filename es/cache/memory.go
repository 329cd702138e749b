package cache

import (
	"container/heap"
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getpup/pupstore/es"
	lru "github.com/hashicorp/golang-lru"
)

// Policy selects the eviction policy of a MemoryTier.
type Policy int

const (
	// LRU evicts the least recently read entry.
	LRU Policy = iota
	// LFU evicts the least frequently read entry, oldest first among equals.
	LFU
	// FIFO evicts the oldest populated entry.
	FIFO
)

func (p Policy) String() string {
	switch p {
	case LRU:
		return "lru"
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(name) {
	case "", "lru":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "fifo":
		return FIFO, nil
	default:
		return LRU, fmt.Errorf("unknown cache policy %q", name)
	}
}

// MemoryTier is an in-process tier with bounded capacity and a TTL.
type MemoryTier struct {
	name string
	ttl  time.Duration

	mu      sync.Mutex
	entries evictor
	gens    *lru.Cache
	epoch   uint64
	floor   uint64
}

type memoryEntry struct {
	entry Entry
	at    time.Time
}

// NewMemoryTier returns a MemoryTier holding up to capacity entries, each for at
// most ttl. A zero ttl never expires entries.
func NewMemoryTier(name string, policy Policy, capacity int, ttl time.Duration) (*MemoryTier, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache tier %s: capacity must be positive, got %d", name, capacity)
	}
	t := &MemoryTier{name: name, ttl: ttl}

	switch policy {
	case LRU:
		c, err := lru.New(capacity)
		if err != nil {
			return nil, err
		}
		t.entries = lruEvictor{c}
	case LFU:
		t.entries = newLFU(capacity)
	case FIFO:
		t.entries = newFIFO(capacity)
	default:
		return nil, fmt.Errorf("cache tier %s: unknown policy %s", name, policy)
	}

	// Generations of evicted keys fold into floor, which only grows, so a
	// token taken before an invalidation never matches afterwards.
	gens, err := lru.NewWithEvict(capacity*4, func(_ interface{}, value interface{}) {
		if g := value.(uint64); g > t.floor {
			t.floor = g
		}
	})
	if err != nil {
		return nil, err
	}
	t.gens = gens
	return t, nil
}

// Name implements Tier.
func (t *MemoryTier) Name() string { return t.name }

// Get implements Tier.
func (t *MemoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries.get(key)
	if !ok {
		return Entry{}, false, nil
	}
	if t.ttl > 0 && v.at.Add(t.ttl).Before(timeNow()) {
		t.entries.remove(key)
		return Entry{}, false, nil
	}
	return copyEntry(v.entry), true, nil
}

// Token implements Tier.
func (t *MemoryTier) Token(_ context.Context, key string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokenLocked(key), nil
}

func (t *MemoryTier) tokenLocked(key string) uint64 {
	if v, ok := t.gens.Peek(key); ok {
		return v.(uint64)
	}
	return t.floor
}

// Populate implements Tier.
func (t *MemoryTier) Populate(_ context.Context, key string, token uint64, entry Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tokenLocked(key) != token {
		return ErrStaleToken
	}
	t.entries.add(key, &memoryEntry{entry: copyEntry(entry), at: timeNow()})
	return nil
}

// Invalidate implements Tier.
func (t *MemoryTier) Invalidate(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries.remove(key)
	t.epoch++
	if t.epoch <= t.floor {
		t.epoch = t.floor + 1
	}
	t.gens.Add(key, t.epoch)
	return nil
}

// Len returns the number of cached entries, including expired ones not yet evicted.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.len()
}

// copyEntry copies the events together with the payload bytes and
// annotations they reference, so no caller shares memory with the tier.
func copyEntry(e Entry) Entry {
	events := make([]es.PersistedEvent, len(e.Events))
	for i, ev := range e.Events {
		if ev.Payload != nil {
			ev.Payload = append([]byte(nil), ev.Payload...)
		}
		if ev.Metadata.Extra != nil {
			extra := make(map[string]string, len(ev.Metadata.Extra))
			for k, v := range ev.Metadata.Extra {
				extra[k] = v
			}
			ev.Metadata.Extra = extra
		}
		events[i] = ev
	}
	return Entry{From: e.From, Events: events}
}

var timeNow = time.Now

// evictor is a bounded key/entry map. Callers hold MemoryTier.mu.
type evictor interface {
	get(key string) (*memoryEntry, bool)
	add(key string, v *memoryEntry)
	remove(key string)
	len() int
}

type lruEvictor struct{ c *lru.Cache }

func (e lruEvictor) get(key string) (*memoryEntry, bool) {
	if v, ok := e.c.Get(key); ok {
		return v.(*memoryEntry), true
	}
	return nil, false
}

func (e lruEvictor) add(key string, v *memoryEntry) { e.c.Add(key, v) }
func (e lruEvictor) remove(key string)              { e.c.Remove(key) }
func (e lruEvictor) len() int                       { return e.c.Len() }

type fifoEvictor struct {
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type fifoItem struct {
	key string
	v   *memoryEntry
}

func newFIFO(capacity int) *fifoEvictor {
	return &fifoEvictor{capacity: capacity, order: list.New(), items: make(map[string]*list.Element)}
}

func (e *fifoEvictor) get(key string) (*memoryEntry, bool) {
	if el, ok := e.items[key]; ok {
		return el.Value.(*fifoItem).v, true
	}
	return nil, false
}

func (e *fifoEvictor) add(key string, v *memoryEntry) {
	if el, ok := e.items[key]; ok {
		// Replacing an entry does not renew its place in line.
		el.Value.(*fifoItem).v = v
		return
	}
	if e.order.Len() >= e.capacity {
		oldest := e.order.Front()
		e.order.Remove(oldest)
		delete(e.items, oldest.Value.(*fifoItem).key)
	}
	e.items[key] = e.order.PushBack(&fifoItem{key: key, v: v})
}

func (e *fifoEvictor) remove(key string) {
	if el, ok := e.items[key]; ok {
		e.order.Remove(el)
		delete(e.items, key)
	}
}

func (e *fifoEvictor) len() int { return e.order.Len() }

type lfuEvictor struct {
	capacity int
	seq      uint64
	items    map[string]*lfuItem
	queue    lfuQueue
}

type lfuItem struct {
	key   string
	v     *memoryEntry
	freq  uint64
	seq   uint64
	index int
}

type lfuQueue []*lfuItem

func (q lfuQueue) Len() int { return len(q) }
func (q lfuQueue) Less(i, j int) bool {
	if q[i].freq != q[j].freq {
		return q[i].freq < q[j].freq
	}
	return q[i].seq < q[j].seq
}
func (q lfuQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *lfuQueue) Push(x interface{}) {
	it := x.(*lfuItem)
	it.index = len(*q)
	*q = append(*q, it)
}
func (q *lfuQueue) Pop() interface{} {
	old := *q
	it := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return it
}

func newLFU(capacity int) *lfuEvictor {
	return &lfuEvictor{capacity: capacity, items: make(map[string]*lfuItem)}
}

func (e *lfuEvictor) get(key string) (*memoryEntry, bool) {
	it, ok := e.items[key]
	if !ok {
		return nil, false
	}
	it.freq++
	heap.Fix(&e.queue, it.index)
	return it.v, true
}

func (e *lfuEvictor) add(key string, v *memoryEntry) {
	e.seq++
	if it, ok := e.items[key]; ok {
		it.v = v
		return
	}
	if len(e.items) >= e.capacity {
		victim := heap.Pop(&e.queue).(*lfuItem)
		delete(e.items, victim.key)
	}
	it := &lfuItem{key: key, v: v, seq: e.seq}
	heap.Push(&e.queue, it)
	e.items[key] = it
}

func (e *lfuEvictor) remove(key string) {
	if it, ok := e.items[key]; ok {
		heap.Remove(&e.queue, it.index)
		delete(e.items, key)
	}
}

func (e *lfuEvictor) len() int { return len(e.items) }
