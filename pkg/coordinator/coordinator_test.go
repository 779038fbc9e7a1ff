package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowlabs/burrow/pkg/types"
)

func newTestCoordinator(t *testing.T, slots int) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, SemaphoreDirName), filepath.Join(dir, CooldownFileName), slots)
}

func TestAcquireAndRelease(t *testing.T) {
	c := newTestCoordinator(t, 2)
	ctx := context.Background()

	first, err := c.Acquire(ctx, "exec")
	require.NoError(t, err)
	second, err := c.Acquire(ctx, "plan")
	require.NoError(t, err)

	// Both slots taken: a third acquire must block until its context dies.
	blocked, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(blocked, "autopilot")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, first.Release())

	third, err := c.Acquire(ctx, "autopilot")
	require.NoError(t, err)
	require.NoError(t, third.Release())
	require.NoError(t, second.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, 1)
	slot, err := c.Acquire(context.Background(), "exec")
	require.NoError(t, err)

	require.NoError(t, slot.Release())
	require.NoError(t, slot.Release())

	var nilSlot *Slot
	assert.NoError(t, nilSlot.Release())
}

func TestHolders(t *testing.T) {
	c := newTestCoordinator(t, 3)
	ctx := context.Background()

	empty, err := c.Holders()
	require.NoError(t, err)
	assert.Empty(t, empty)

	a, err := c.Acquire(ctx, "exec")
	require.NoError(t, err)
	b, err := c.Acquire(ctx, "plan")
	require.NoError(t, err)

	leases, err := c.Holders()
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, "exec", leases[0].Holder)
	assert.Equal(t, "plan", leases[1].Holder)
	assert.NotZero(t, leases[0].AcquiredMs)

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	const slots = 3
	const workers = 10
	c := newTestCoordinator(t, slots)

	var inFlight atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := c.Acquire(context.Background(), "worker")
			if err != nil {
				errs <- err
				return
			}
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			errs <- slot.Release()
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(slots))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestSetCooldownTakesMax(t *testing.T) {
	c := newTestCoordinator(t, 1)
	now := time.Now().UnixMilli()

	require.NoError(t, c.SetCooldown(types.Cooldown{
		RetryAtMs:   now + 60_000,
		Reason:      "rate_limited",
		SourceAgent: "exec",
	}))

	// An earlier retry time must not regress the record.
	require.NoError(t, c.SetCooldown(types.Cooldown{
		RetryAtMs:   now + 10_000,
		Reason:      "rate_limited",
		SourceAgent: "plan",
	}))

	rec, err := c.Cooldown()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, now+60_000, rec.RetryAtMs)
	assert.Equal(t, "exec", rec.SourceAgent)

	// A later one replaces it.
	require.NoError(t, c.SetCooldown(types.Cooldown{
		RetryAtMs:   now + 120_000,
		Reason:      "rate_limited",
		SourceAgent: "autopilot",
	}))

	rec, err = c.Cooldown()
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, now+120_000, rec.RetryAtMs)
	assert.Equal(t, "autopilot", rec.SourceAgent)
}

func TestCooldownExpiredReadsAbsent(t *testing.T) {
	c := newTestCoordinator(t, 1)
	require.NoError(t, c.SetCooldown(types.Cooldown{
		RetryAtMs: time.Now().UnixMilli() - 1000,
		Reason:    "rate_limited",
	}))

	rec, err := c.Cooldown()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCooldownAbsentAndCorrupt(t *testing.T) {
	c := newTestCoordinator(t, 1)

	rec, err := c.Cooldown()
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, os.MkdirAll(filepath.Dir(c.cooldownPath), 0o755))
	require.NoError(t, os.WriteFile(c.cooldownPath, []byte("{not json"), 0o644))

	rec, err = c.Cooldown()
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestWaitCooldown(t *testing.T) {
	c := newTestCoordinator(t, 1)
	ctx := context.Background()

	// No record: returns immediately.
	start := time.Now()
	require.NoError(t, c.WaitCooldown(ctx))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// Short record: returns once it expires.
	require.NoError(t, c.SetCooldown(types.Cooldown{
		RetryAtMs: time.Now().UnixMilli() + 150,
		Reason:    "rate_limited",
	}))
	start = time.Now()
	require.NoError(t, c.WaitCooldown(ctx))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitCooldownHonorsContext(t *testing.T) {
	c := newTestCoordinator(t, 1)
	require.NoError(t, c.SetCooldown(types.Cooldown{
		RetryAtMs: time.Now().UnixMilli() + 30_000,
		Reason:    "rate_limited",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := c.WaitCooldown(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
