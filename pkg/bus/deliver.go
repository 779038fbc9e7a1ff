package bus

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/burrowlabs/burrow/pkg/types"
)

// AgentSet answers membership questions about the configured roster.
type AgentSet interface {
	Has(agent string) bool
}

// Deliverer is the shared emission path used by everything that writes
// packets: it validates recipients against the roster before handing the
// packet to the store. Delivery stays best-effort across recipients; the
// returned paths cover the ones that got a copy.
type Deliverer struct {
	store  *Store
	agents AgentSet
}

// NewDeliverer builds a Deliverer. A nil AgentSet skips roster validation.
func NewDeliverer(store *Store, agents AgentSet) *Deliverer {
	return &Deliverer{store: store, agents: agents}
}

// Store exposes the underlying store for read paths.
func (d *Deliverer) Store() *Store { return d.store }

// Deliver validates meta.To and writes the packet to every valid
// recipient. Unknown recipients each contribute a not_found error;
// deliveries to the remaining recipients still happen.
func (d *Deliverer) Deliver(meta types.Meta, body string) ([]string, error) {
	var errs *multierror.Error
	valid := make([]string, 0, len(meta.To))
	for _, agent := range meta.To {
		if d.agents != nil && !d.agents.Has(agent) {
			errs = multierror.Append(errs, types.E(types.ErrNotFound, "deliver", agent,
				fmt.Errorf("agent %q not in roster", agent)))
			continue
		}
		valid = append(valid, agent)
	}

	if len(valid) == 0 {
		if errs != nil {
			return nil, errs.ErrorOrNil()
		}
		return nil, types.E(types.ErrSchemaInvalid, "deliver", "", fmt.Errorf("packet has no recipients"))
	}

	meta.To = valid
	paths, err := d.store.Deliver(meta, body)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return paths, errs.ErrorOrNil()
}
