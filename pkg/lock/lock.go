// Package lock implements the per-agent worker lock: at most one
// supervisor process may drive an agent's inbox at a time. The lock is an
// exclusively created JSON file recording the holder's pid; a second
// supervisor finds it and exits with a diagnostic. A lock whose pid is no
// longer alive is stale, and only operator tooling rotates it; the
// supervisor never steals a lock on its own.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/log"
	"github.com/burrowlabs/burrow/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is the lock file content.
type Record struct {
	Agent      string `json:"agent"`
	PID        int    `json:"pid"`
	Hostname   string `json:"hostname,omitempty"`
	AcquiredMs int64  `json:"acquiredAtMs"`
}

// Status is a Record annotated with holder liveness.
type Status struct {
	Record
	Alive bool `json:"alive"`
}

// Manager creates and inspects locks under one directory, normally
// <busRoot>/state/worker-locks.
type Manager struct {
	dir string
}

// NewManager returns a Manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

func (m *Manager) path(agent string) string {
	return filepath.Join(m.dir, agent+".lock.json")
}

// Held is an acquired lock. Release it on supervisor exit.
type Held struct {
	manager *Manager
	agent   string
	record  Record
}

// Acquire takes the lock for agent or explains who holds it. The error
// for a held lock names the pid and whether it is alive, so the operator
// can tell a real double-start from a stale leftover.
func (m *Manager) Acquire(agent string) (*Held, error) {
	hostname, _ := os.Hostname()
	rec := Record{
		Agent:      agent,
		PID:        os.Getpid(),
		Hostname:   hostname,
		AcquiredMs: time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, types.E(types.ErrIO, "lock.acquire", m.path(agent), err)
	}

	err = bus.CreateExclusive(m.path(agent), data)
	if err == nil {
		logger := log.WithAgent(agent)
	logger.Debug().Int("pid", rec.PID).Msg("worker lock acquired")
		return &Held{manager: m, agent: agent, record: rec}, nil
	}
	if !types.IsKind(err, types.ErrAlreadyExists) {
		return nil, err
	}

	holder, alive, ierr := m.Inspect(agent)
	if ierr != nil || holder == nil {
		return nil, types.E(types.ErrAlreadyExists, "lock.acquire", m.path(agent),
			fmt.Errorf("lock held, holder unreadable"))
	}
	if alive {
		return nil, types.E(types.ErrAlreadyExists, "lock.acquire", m.path(agent),
			fmt.Errorf("agent %s already supervised by pid %d", agent, holder.PID))
	}
	return nil, types.E(types.ErrAlreadyExists, "lock.acquire", m.path(agent),
		fmt.Errorf("stale lock from pid %d (not running); rotate with `burrow locks rotate %s`", holder.PID, agent))
}

// Release removes the lock if this process still owns it.
func (h *Held) Release() error {
	path := h.manager.path(h.agent)
	current, _, err := h.manager.Inspect(h.agent)
	if err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if current.PID != h.record.PID {
		// Someone rotated us away; do not remove their lock.
		return types.E(types.ErrClaimConflict, "lock.release", path,
			fmt.Errorf("lock now held by pid %d", current.PID))
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return types.E(types.ErrIO, "lock.release", path, err)
	}
	logger := log.WithAgent(h.agent)
	logger.Debug().Msg("worker lock released")
	return nil
}

// Inspect reads the lock for agent and checks holder liveness.
func (m *Manager) Inspect(agent string) (*Record, bool, error) {
	data, err := os.ReadFile(m.path(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, types.E(types.ErrNotFound, "lock.inspect", m.path(agent), err)
		}
		return nil, false, types.E(types.ErrIO, "lock.inspect", m.path(agent), err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, types.E(types.ErrSchemaInvalid, "lock.inspect", m.path(agent), err)
	}
	alive := pidAlive(rec.PID)
	return &rec, alive, nil
}

// List returns every lock under the directory with liveness, sorted by
// agent.
func (m *Manager) List() ([]Status, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.E(types.ErrIO, "lock.list", m.dir, err)
	}

	var out []Status
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".lock.json") {
			continue
		}
		agent := strings.TrimSuffix(name, ".lock.json")
		rec, alive, err := m.Inspect(agent)
		if err != nil {
			continue
		}
		out = append(out, Status{Record: *rec, Alive: alive})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

// Rotate removes a stale lock. Refuses while the holder is alive; this is
// the operator-tooling path, never called by the supervisor.
func (m *Manager) Rotate(agent string) error {
	rec, alive, err := m.Inspect(agent)
	if err != nil {
		return err
	}
	if alive {
		return types.E(types.ErrClaimConflict, "lock.rotate", m.path(agent),
			fmt.Errorf("holder pid %d is alive", rec.PID))
	}
	if err := os.Remove(m.path(agent)); err != nil && !os.IsNotExist(err) {
		return types.E(types.ErrIO, "lock.rotate", m.path(agent), err)
	}
	logger := log.WithAgent(agent)
	logger.Info().Int("stale_pid", rec.PID).Msg("stale worker lock rotated")
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// Indeterminate liveness reads as alive: rotation must never
		// race a holder we merely failed to probe.
		return true
	}
	return alive
}
