package supervisor

import (
	"time"

	"github.com/burrowlabs/burrow/pkg/bus"
	"github.com/burrowlabs/burrow/pkg/runner"
	"github.com/burrowlabs/burrow/pkg/types"
)

// packetWatch drives the supersede side of a turn's watch conditions: a
// goroutine polls the packet file's mtime and closes the channel the
// moment it strictly exceeds the baseline recorded before the turn
// started. A packet that left the inbox states entirely also fires the
// channel; the restart loop re-resolves what happened.
type packetWatch struct {
	supersede chan struct{}
	gone      bool
	stop      chan struct{}
	done      chan struct{}
}

// watchPacket starts polling pkt at interval against baseline. Call
// Stop when the turn ends, whichever side won.
func watchPacket(pkt *bus.Packet, baseline time.Time, interval time.Duration) *packetWatch {
	if interval <= 0 {
		interval = time.Second
	}
	w := &packetWatch{
		supersede: make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			}

			mod, err := pkt.ModTime()
			if err != nil {
				if types.IsKind(err, types.ErrNotFound) {
					// File left its state directory under us: closed by
					// operator tooling or raced away. Surface as a
					// supersede; the restart loop re-locates the packet
					// and decides between restart and skip.
					w.gone = true
					close(w.supersede)
					return
				}
				continue
			}
			if mod.After(baseline) {
				close(w.supersede)
				return
			}
		}
	}()
	return w
}

// Stop halts the poller. Safe to call after the channel fired.
func (w *packetWatch) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Fired reports whether the supersede channel closed, and Gone whether
// it closed because the packet file disappeared rather than changed.
func (w *packetWatch) Fired() bool {
	select {
	case <-w.supersede:
		return true
	default:
		return false
	}
}

func (w *packetWatch) Gone() bool { return w.gone }

// turnWatch assembles the runner.Watch for one turn attempt: the packet
// supersede channel plus the turn timeout. deadline is the absolute
// watchdog for the whole task processing, so a supersede restart does
// not reset the clock.
func turnWatch(pw *packetWatch, deadline time.Time) runner.Watch {
	return runner.Watch{
		Supersede: pw.supersede,
		Timeout:   time.After(time.Until(deadline)),
	}
}
