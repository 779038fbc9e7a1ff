// Package coordinator shares turn capacity across every worker process on
// one bus root. Two mechanisms, both plain files: a bounded semaphore of
// exclusively created lease files, and a single advisory cooldown record
// that every worker consults before spawning a turn.
package coordinator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default locations under <busRoot>/state.
const (
	SemaphoreDirName = "global-semaphore"
	CooldownFileName = "global-cooldown.json"
)

// acquireRetry paces the retry-until-free loop when every slot is taken.
const acquireRetry = 250 * time.Millisecond

// Lease is the content of one held semaphore slot.
type Lease struct {
	Holder     string `json:"holder"`
	AcquiredMs int64  `json:"acquiredAtMs"`
}

// Coordinator hands out semaphore slots and mediates the cooldown file.
type Coordinator struct {
	semDir       string
	cooldownPath string
	maxSlots     int
}

// New builds a Coordinator. maxSlots caps concurrent turns across all
// worker processes sharing the bus root.
func New(semDir, cooldownPath string, maxSlots int) *Coordinator {
	if maxSlots < 1 {
		maxSlots = 1
	}
	return &Coordinator{semDir: semDir, cooldownPath: cooldownPath, maxSlots: maxSlots}
}

// Slot is a held lease. Release it when the turn ends, success or not.
type Slot struct {
	path string
}

// Release frees the slot. Safe to call twice.
func (s *Slot) Release() error {
	if s == nil || s.path == "" {
		return nil
	}
	err := os.Remove(s.path)
	s.path = ""
	if err != nil && !os.IsNotExist(err) {
		return types.E(types.ErrIO, "coordinator.release", s.path, err)
	}
	return nil
}

// Acquire blocks until a slot frees or ctx is done. Fairness is
// best-effort: contenders race the exclusive create, and the retry sleep
// carries jitter so stalled workers do not wake in lockstep.
func (c *Coordinator) Acquire(ctx context.Context, holder string) (*Slot, error) {
	if err := os.MkdirAll(c.semDir, 0o755); err != nil {
		return nil, types.E(types.ErrIO, "coordinator.acquire", c.semDir, err)
	}

	lease := Lease{Holder: holder, AcquiredMs: time.Now().UnixMilli()}
	data, err := json.Marshal(lease)
	if err != nil {
		return nil, types.E(types.ErrIO, "coordinator.acquire", c.semDir, err)
	}

	for {
		for i := 0; i < c.maxSlots; i++ {
			path := filepath.Join(c.semDir, fmt.Sprintf("slot-%d.lease", i))
			err := bus.CreateExclusive(path, data)
			if err == nil {
				logger := log.WithComponent("coordinator")
				logger.Debug().
					Str("holder", holder).
					Int("slot", i).
					Msg("semaphore slot acquired")
				return &Slot{path: path}, nil
			}
			if !types.IsKind(err, types.ErrAlreadyExists) {
				return nil, err
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetry + jitter(acquireRetry)):
		}
	}
}

// Holders lists current leases by slot order.
func (c *Coordinator) Holders() ([]Lease, error) {
	entries, err := os.ReadDir(c.semDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.E(types.ErrIO, "coordinator.holders", c.semDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var leases []Lease
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(c.semDir, name))
		if err != nil {
			continue
		}
		var l Lease
		if json.Unmarshal(data, &l) == nil {
			leases = append(leases, l)
		}
	}
	return leases, nil
}

// SetCooldown merges rec into the global cooldown record. Merging takes
// max(retryAtMs): a concurrent writer with a later retry time wins, and
// an earlier one never regresses the pause.
func (c *Coordinator) SetCooldown(rec types.Cooldown) error {
	if current, err := c.Cooldown(); err == nil && current != nil && current.RetryAtMs >= rec.RetryAtMs {
		return nil
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return types.E(types.ErrIO, "coordinator.set_cooldown", c.cooldownPath, err)
	}
	if err := bus.WriteAtomic(c.cooldownPath, data); err != nil {
		return err
	}
	logger := log.WithComponent("coordinator")
	logger.Warn().
		Int64("retry_at_ms", rec.RetryAtMs).
		Str("reason", rec.Reason).
		Str("source_agent", rec.SourceAgent).
		Msg("global cooldown set")
	return nil
}

// Cooldown returns the active record, nil when absent or expired.
func (c *Coordinator) Cooldown() (*types.Cooldown, error) {
	data, err := os.ReadFile(c.cooldownPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.E(types.ErrIO, "coordinator.cooldown", c.cooldownPath, err)
	}
	var rec types.Cooldown
	if err := json.Unmarshal(data, &rec); err != nil {
		// An unreadable record is treated as absent rather than wedging
		// every worker on the root.
		return nil, nil
	}
	if rec.RetryAtMs <= time.Now().UnixMilli() {
		return nil, nil
	}
	return &rec, nil
}

// WaitCooldown blocks while a cooldown is in effect. The wait re-reads
// the record in bounded chunks so an extension observed mid-wait extends
// the pause, and wakes with jitter to avoid a thundering herd.
func (c *Coordinator) WaitCooldown(ctx context.Context) error {
	const maxChunk = 5 * time.Second
	for {
		rec, err := c.Cooldown()
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}

		remaining := time.Until(time.UnixMilli(rec.RetryAtMs))
		if remaining <= 0 {
			return nil
		}
		chunk := remaining + jitter(500*time.Millisecond)
		if chunk > maxChunk {
			chunk = maxChunk
		}

		logger := log.WithComponent("coordinator")
		logger.Debug().
			Dur("remaining", remaining).
			Str("reason", rec.Reason).
			Msg("waiting on global cooldown")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(chunk):
		}
	}
}

func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}
