/*
Package events provides an in-memory event broker for Burrow's runtime pub/sub.

The events package implements a lightweight event bus for broadcasting
runtime events to interested subscribers inside a single process. It enables
loose coupling between the supervisor loop, the orchestrator forwarder, the
observer, and front-end consumers such as the `burrow events watch` command
and the metrics collector.

# Architecture

Non-blocking pub/sub with buffered channels:

	Publisher → Event Channel (buffer: 100)
	     ↓
	Broadcast Loop
	     ↓
	Subscriber Channels (buffer: 50 each)

Publish never blocks on a slow subscriber; a full subscriber buffer skips
that subscriber for the event. The broker is topic-agnostic: every event is
broadcast to every subscriber, and filtering happens at the subscriber side
by event type.

# Event Types Catalog

Task lifecycle (published by the bus wrappers and supervisor):

	task.delivered   packet written into a recipient inbox
	task.claimed     packet moved to in_progress by a worker
	task.updated     open packet amended in place
	task.closed      receipt written, packet moved to processed

Turn lifecycle (published by the supervisor around each child run):

	turn.started     worker handed the prompt to the engine
	turn.completed   engine returned a parsable result
	turn.retried     transient failure, re-running after backoff
	turn.superseded  packet changed under a running turn
	turn.timeout     watchdog expired the turn

Coordination and forwarding:

	cooldown.set     global cooldown written or extended
	followup.sent    follow-up packet dispatched from a turn result
	observer.item    external review item converted to a packet
	digest.sent      orchestrator digest forwarded

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s %s %s\n",
				event.Timestamp.Format("15:04:05"),
				event.Type, event.Agent, event.Message)
		}
	}()

	broker.Emit(events.EventTaskClaimed, "exec", taskID, "claimed for turn")

Delivery is best effort and in-memory only. Anything that must survive a
process restart belongs on the bus as a packet or receipt, not here.

# Integration Points

  - pkg/supervisor: publishes task and turn lifecycle events
  - pkg/orchestrator: publishes digest.sent
  - pkg/observer: publishes observer.item
  - pkg/metrics: collector subscribes to count events
  - cmd/burrow: `events watch` streams events to the terminal
*/
package events
