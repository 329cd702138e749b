package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/metrics"
	"github.com/getpup/pupstore/es/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (c *fakeConn) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (c *fakeConn) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }
func (c *fakeConn) BeginTx(context.Context, *sql.TxOptions) (*sql.Tx, error)         { return nil, nil }
func (c *fakeConn) PingContext(context.Context) error                                { return nil }
func (c *fakeConn) Close() error                                                     { c.closed.Store(true); return nil }

type fakeFactory struct {
	mu     sync.Mutex
	opened []*fakeConn
	fail   error
}

func (f *fakeFactory) open(context.Context) (es.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	c := &fakeConn{id: len(f.opened) + 1}
	f.opened = append(f.opened, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func fixedConfig(capacity int) Config {
	cfg := DefaultConfig()
	cfg.Min, cfg.Max, cfg.Initial = 1, capacity, capacity
	return cfg
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := New(f.open, cfg, append([]Option{WithName(t.Name())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

func TestAcquireTryOnceExhausts(t *testing.T) {
	p, _ := newTestPool(t, fixedConfig(2))
	ctx := context.Background()

	l1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, 0)
	assert.ErrorIs(t, err, store.ErrPoolExhausted)
	assert.Equal(t, uint64(1), p.Stats().Exhausted)

	l1.Release()
	l2.Release()
	assert.Equal(t, 0, p.Stats().InUse)
}

func TestAcquireTimeout(t *testing.T) {
	p, _ := newTestPool(t, fixedConfig(1))
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Acquire(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 0, p.Stats().Waiters)
}

func TestAcquireCanceled(t *testing.T) {
	p, _ := newTestPool(t, fixedConfig(1))

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, -1)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, p.Stats().Waiters)
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, g.Write(&out))
	return out.GetGauge().GetValue()
}

func TestWaitersGauge(t *testing.T) {
	p, _ := newTestPool(t, fixedConfig(1))
	waiters := metrics.PoolWaiters.WithLabelValues(t.Name())

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := p.Acquire(ctx, -1)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return p.Stats().Waiters == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, float64(2), gaugeValue(t, waiters))

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, float64(0), gaugeValue(t, waiters))

	queued := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), time.Second)
		if err == nil {
			queued <- l
		}
	}()
	require.Eventually(t, func() bool { return gaugeValue(t, waiters) == 1 }, time.Second, time.Millisecond)

	held.Release()
	(<-queued).Release()
	assert.Equal(t, float64(0), gaugeValue(t, waiters), "a granted waiter leaves the queue")
}

func TestWaitersServedInOrder(t *testing.T) {
	p, _ := newTestPool(t, fixedConfig(1))
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	order := make(chan int, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			l, err := p.Acquire(ctx, time.Second)
			if err != nil {
				order <- -i
				return
			}
			order <- i
			l.Release()
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiters == i }, time.Second, time.Millisecond)
	}

	held.Release()
	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
}

func TestConnectionsAreReused(t *testing.T) {
	p, f := newTestPool(t, fixedConfig(2))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
		l.Release()
	}
	assert.Equal(t, 1, f.count())
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestReleaseIsIdempotent(t *testing.T) {
	p, _ := newTestPool(t, fixedConfig(2))

	l, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	l.Release()
	l.Release()
	l.Discard()

	s := p.Stats()
	assert.Equal(t, 0, s.InUse)
	assert.Equal(t, uint64(0), s.Discarded)
}

func TestFactoryErrorFreesSlot(t *testing.T) {
	p, f := newTestPool(t, fixedConfig(1))
	f.fail = errors.New("dial refused")

	_, err := p.Acquire(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")
	assert.Equal(t, 0, p.Stats().InUse)

	f.fail = nil
	l, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	l.Release()
}

func TestWith(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		fn            func(es.Conn) error
		wantErr       error
		wantPanic     bool
		wantDiscarded uint64
	}{
		{name: "success", fn: func(es.Conn) error { return nil }},
		{name: "error", fn: func(es.Conn) error { return boom }, wantErr: boom},
		{name: "broken connection", fn: func(es.Conn) error { return driver.ErrBadConn }, wantErr: driver.ErrBadConn, wantDiscarded: 1},
		{name: "panic", fn: func(es.Conn) error { panic("kaboom") }, wantPanic: true, wantDiscarded: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, f := newTestPool(t, fixedConfig(1))

			call := func() error { return p.With(context.Background(), 0, tt.fn) }
			if tt.wantPanic {
				assert.Panics(t, func() { _ = call() })
			} else {
				err := call()
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				} else {
					assert.NoError(t, err)
				}
			}

			s := p.Stats()
			assert.Equal(t, 0, s.InUse, "lease must be returned on every exit path")
			assert.Equal(t, tt.wantDiscarded, s.Discarded)
			if tt.wantDiscarded > 0 {
				assert.True(t, f.opened[0].closed.Load())
			}

			// The slot is usable again.
			require.NoError(t, p.With(context.Background(), 0, func(es.Conn) error { return nil }))
		})
	}
}

func TestGrowsOnSustainedUtilization(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Min, cfg.Initial, cfg.Max = 1, 2, 5
	cfg.Window, cfg.GrowStep = 3, 2
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
	}

	p.Sample()
	p.Sample()
	assert.Equal(t, 2, p.Stats().Capacity, "window not yet full")

	p.Sample()
	assert.Equal(t, 4, p.Stats().Capacity)

	// Saturate again; growth is capped at Max.
	for i := 0; i < 2; i++ {
		_, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		p.Sample()
	}
	assert.Equal(t, 5, p.Stats().Capacity)
}

func TestSingleSpikeDoesNotGrow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Min, cfg.Initial, cfg.Max, cfg.Window = 1, 2, 8, 3
	p, _ := newTestPool(t, cfg)

	p.Sample()
	p.Sample()
	a, _ := p.Acquire(context.Background(), 0)
	b, _ := p.Acquire(context.Background(), 0)
	p.Sample()
	a.Release()
	b.Release()

	assert.Equal(t, 2, p.Stats().Capacity)
}

func TestShrinksAfterCoolDown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	cfg := DefaultConfig()
	cfg.Min, cfg.Initial, cfg.Max = 0, 3, 8
	cfg.CoolDown = 30 * time.Second
	p, _ := newTestPool(t, cfg, WithClock(clock))

	p.Sample()
	assert.Equal(t, 3, p.Stats().Capacity)

	now = now.Add(10 * time.Second)
	p.Sample()
	assert.Equal(t, 3, p.Stats().Capacity, "cool-down not elapsed")

	now = now.Add(21 * time.Second)
	p.Sample()
	assert.Equal(t, 2, p.Stats().Capacity)

	for i := 0; i < 5; i++ {
		now = now.Add(31 * time.Second)
		p.Sample()
	}
	assert.Equal(t, 1, p.Stats().Capacity, "never below max(min, 1)")
}

func TestShrinkClosesSurplusIdle(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cfg := fixedConfig(2)
	cfg.CoolDown = time.Second
	p, f := newTestPool(t, cfg, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	a, _ := p.Acquire(ctx, 0)
	b, _ := p.Acquire(ctx, 0)
	a.Release()
	b.Release()
	require.Equal(t, 2, p.Stats().Idle)

	p.Sample()
	now = now.Add(2 * time.Second)
	p.Sample()

	s := p.Stats()
	assert.Equal(t, 1, s.Capacity)
	assert.Equal(t, 1, s.Idle)
	assert.True(t, f.opened[0].closed.Load() || f.opened[1].closed.Load())
}

func TestCloseFailsWaiters(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(f.open, fixedConfig(1), WithName(t.Name()))
	require.NoError(t, err)

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), -1)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-errCh, store.ErrClosed)

	_, err = p.Acquire(context.Background(), 0)
	assert.ErrorIs(t, err, store.ErrClosed)

	held.Release()
	assert.True(t, f.opened[0].closed.Load(), "released after close is closed")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max", func(c *Config) { c.Max = 0 }},
		{"min above max", func(c *Config) { c.Min = 20 }},
		{"inverted watermarks", func(c *Config) { c.LowWater, c.HighWater = 0.9, 0.5 }},
		{"empty window", func(c *Config) { c.Window = 0 }},
		{"zero grow step", func(c *Config) { c.GrowStep = 0 }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
