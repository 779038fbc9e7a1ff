package metrics

import (
	"time"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/coordinator"
)

// Collector samples bus and coordinator state into gauges
type Collector struct {
	store  *bus.Store
	coord  *coordinator.Coordinator
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector. coord may be nil for
// commands that do not run turns.
func NewCollector(store *bus.Store, coord *coordinator.Coordinator) *Collector {
	return &Collector{
		store:  store,
		coord:  coord,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectInboxMetrics()
	c.collectCoordinationMetrics()
}

func (c *Collector) collectInboxMetrics() {
	summary, err := c.store.StatusSummary(nil)
	if err != nil {
		return
	}

	for _, agent := range summary.Agents {
		InboxDepth.WithLabelValues(agent.Agent, "new").Set(float64(agent.New))
		InboxDepth.WithLabelValues(agent.Agent, "seen").Set(float64(agent.Seen))
		InboxDepth.WithLabelValues(agent.Agent, "in_progress").Set(float64(agent.InProgress))
		InboxDepth.WithLabelValues(agent.Agent, "processed").Set(float64(agent.Processed))
	}
}

func (c *Collector) collectCoordinationMetrics() {
	if c.coord == nil {
		return
	}

	if rec, err := c.coord.Cooldown(); err == nil {
		if rec != nil {
			CooldownActive.Set(1)
		} else {
			CooldownActive.Set(0)
		}
	}

	if leases, err := c.coord.Holders(); err == nil {
		SemaphoreHeld.Set(float64(len(leases)))
	}
}
