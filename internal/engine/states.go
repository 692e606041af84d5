package engine

import "time"

// State is the orchestrator's current phase. The engine is a single
// cooperative state machine per device: exactly one cycle runs at a
// time, so at most one push batch is ever in flight.
type State string

const (
	// StateIdle means the engine is waiting for a trigger (timer tick,
	// connectivity restored, or manual sync-now).
	StateIdle State = "idle"

	// StateDraining means the engine is pulling pending entries from
	// the outbox.
	StateDraining State = "draining"

	// StatePushing means the batch is on the wire.
	StatePushing State = "pushing"

	// StateApplying means applied results are being written to the
	// local store.
	StateApplying State = "applying"

	// StateResolving means conflict results are being detected and
	// merged.
	StateResolving State = "resolving"

	// StateRetrying means retryable failures are being rescheduled.
	StateRetrying State = "retrying"

	// StateDeadLettering means exhausted or rejected entries are being
	// marked dead.
	StateDeadLettering State = "dead_lettering"
)

// EventType identifies what happened during a sync cycle.
type EventType string

const (
	// EventApplied: the server accepted an operation.
	EventApplied EventType = "applied"

	// EventMerged: disjoint column sets were auto-merged without the
	// resolver; both sides' changes survive.
	EventMerged EventType = "merged"

	// EventResolved: a true conflict was resolved and audited. This is
	// informational, not an error.
	EventResolved EventType = "resolved"

	// EventRetryScheduled: a transient failure was absorbed and a retry
	// scheduled.
	EventRetryScheduled EventType = "retry_scheduled"

	// EventDeadLettered: an entry exhausted its retries or was rejected
	// and now needs manual attention.
	EventDeadLettered EventType = "dead_lettered"

	// EventPulled: a server-initiated change was applied locally.
	EventPulled EventType = "pulled"

	// EventReminder: no successful sync for longer than the reminder
	// threshold.
	EventReminder EventType = "reminder"

	// EventCycleComplete: a sync cycle finished and the engine returned
	// to idle.
	EventCycleComplete EventType = "cycle_complete"
)

// Event is one notification published on the engine's subscription bus.
// Consumers register interest via Subscribe; there is no shared emitter.
type Event struct {
	Type       EventType `json:"type"`
	EntityType string    `json:"entity_type,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	Drained    int `json:"drained"`
	Applied    int `json:"applied"`
	AutoMerged int `json:"auto_merged"`
	Resolved   int `json:"resolved"`
	Retried    int `json:"retried"`
	Dead       int `json:"dead"`
	Pulled     int `json:"pulled"`
}

// subscriber is one registered event consumer.
type subscriber struct {
	ch chan Event
}

// Subscribe registers an event consumer with the given channel buffer.
// The returned cancel function unregisters the consumer and closes the
// channel. Events are dropped (never blocked on) if a consumer falls
// behind.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	e.subsMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = sub
	e.subsMu.Unlock()

	cancel := func() {
		e.subsMu.Lock()
		if s, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(s.ch)
		}
		e.subsMu.Unlock()
	}
	return sub.ch, cancel
}

// publish fans an event out to all subscribers without blocking.
func (e *Engine) publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = e.nowFn()
	}

	e.subsMu.RLock()
	defer e.subsMu.RUnlock()
	for _, sub := range e.subs {
		select {
		case sub.ch <- evt:
		default:
			// Slow consumer; drop rather than stall the sync cycle.
		}
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// setState performs a state transition and logs it.
func (e *Engine) setState(next State) {
	e.stateMu.Lock()
	prev := e.state
	e.state = next
	e.stateMu.Unlock()

	if prev != next {
		e.logger.Printf("State transition: %s -> %s", prev, next)
	}
}
