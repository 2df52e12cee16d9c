package alarm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// #region errors

var (
	// ErrDuplicateActive rejects raising a second live alarm for a key.
	ErrDuplicateActive = errors.New("alarm: key already has a live instance")

	// ErrUnknownAlarm means the id matches no live instance.
	ErrUnknownAlarm = errors.New("alarm: unknown or cleared alarm id")

	// ErrNotClearable rejects clearing while the value is outside the
	// hysteresis band and no override was given.
	ErrNotClearable = errors.New("alarm: not within hysteresis band")

	// ErrSuppressionNotAllowed rejects suppression for limits that forbid it.
	ErrSuppressionNotAllowed = errors.New("alarm: suppression not allowed for this limit")
)

// #endregion errors

// #region registry

// Registry tracks live alarm instances and a bounded cleared history.
// It is the single shared mutation point between the safety watchdog and
// operator commands: all writes go through one mutex, reads get copies.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	live    map[string]*Instance // by key
	byID    map[string]*Instance // live instances by id
	history []Instance           // cleared, newest last
	events  chan Event
	dropped atomic.Int64
	clock   func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock injects a deterministic clock (used by replay and tests).
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	r := &Registry{
		cfg:    cfg,
		live:   make(map[string]*Instance),
		byID:   make(map[string]*Instance),
		events: make(chan Event, cfg.EventBuffer),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// #endregion registry

// #region raise

// Raise creates an ACTIVE instance for key. A second live instance for the
// same key is rejected with ErrDuplicateActive and has no side effect.
func (r *Registry) Raise(key, parameter string, priority Priority, value float64, allowSuppression bool, message string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.live[key]; ok {
		return Instance{}, errors.Wrapf(ErrDuplicateActive, "key %q state %s", key, existing.State)
	}

	now := r.clock()
	inst := &Instance{
		ID:               uuid.New().String(),
		Key:              key,
		Parameter:        parameter,
		Priority:         priority,
		State:            StateActive,
		Message:          message,
		Value:            value,
		CreatedAt:        now,
		LastUpdated:      now,
		AllowSuppression: allowSuppression,
	}
	r.live[key] = inst
	r.byID[inst.ID] = inst
	r.publish(Event{Kind: EventCreated, Alarm: *inst, At: now})
	return *inst, nil
}

// #endregion raise

// #region acknowledge

// Acknowledge marks a live alarm acknowledged. Acknowledging an
// already-acknowledged alarm is a no-op success; unknown or cleared ids
// are an error with no side effect.
func (r *Registry) Acknowledge(id, user string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return Instance{}, errors.Wrapf(ErrUnknownAlarm, "id %q", id)
	}
	if inst.State == StateAcknowledged {
		return *inst, nil
	}

	now := r.clock()
	inst.State = StateAcknowledged
	inst.AcknowledgedAt = now
	inst.AcknowledgedBy = user
	inst.LastUpdated = now
	r.publish(Event{Kind: EventAcknowledged, Alarm: *inst, At: now})
	return *inst, nil
}

// #endregion acknowledge

// #region clear

// MarkClearable flags the live alarm for key as in (or out of) the
// hysteresis band. No-op when the key has no live alarm.
func (r *Registry) MarkClearable(key string, clearable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.live[key]; ok {
		inst.Clearable = clearable
	}
}

// Clear retires a live alarm into the bounded history. Clearing is only
// legal once the value is back within the hysteresis band, unless force
// is set by an authorized override.
func (r *Registry) Clear(id string, force bool) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return Instance{}, errors.Wrapf(ErrUnknownAlarm, "id %q", id)
	}
	if !inst.Clearable && !force {
		return Instance{}, errors.Wrapf(ErrNotClearable, "id %q key %q", id, inst.Key)
	}

	now := r.clock()
	inst.State = StateCleared
	inst.ClearedAt = now
	inst.LastUpdated = now

	delete(r.live, inst.Key)
	delete(r.byID, inst.ID)
	r.history = append(r.history, *inst)
	if r.cfg.HistoryLimit > 0 && len(r.history) > r.cfg.HistoryLimit {
		r.history = r.history[len(r.history)-r.cfg.HistoryLimit:]
	}

	r.publish(Event{Kind: EventCleared, Alarm: *inst, At: now})
	return *inst, nil
}

// #endregion clear

// #region suppress

// Suppress silences a live alarm. Only legal when the owning limit allows it.
func (r *Registry) Suppress(id, user string) (Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.byID[id]
	if !ok {
		return Instance{}, errors.Wrapf(ErrUnknownAlarm, "id %q", id)
	}
	if !inst.AllowSuppression {
		return Instance{}, errors.Wrapf(ErrSuppressionNotAllowed, "id %q key %q", id, inst.Key)
	}

	now := r.clock()
	inst.State = StateSuppressed
	inst.SuppressedBy = user
	inst.LastUpdated = now
	r.publish(Event{Kind: EventSuppressed, Alarm: *inst, At: now})
	return *inst, nil
}

// #endregion suppress

// #region escalate

// Escalate advances escalation levels for alarms that have stayed ACTIVE
// past the escalation timeout (one level per elapsed interval) and returns
// the instances that escalated this pass. Levels never decrease while live.
func (r *Registry) Escalate(now time.Time) []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.EscalationTimeout <= 0 {
		return nil
	}

	var escalated []Instance
	for _, inst := range r.live {
		if inst.State != StateActive {
			continue
		}
		due := int(now.Sub(inst.CreatedAt) / r.cfg.EscalationTimeout)
		if due > inst.EscalationLevel {
			inst.EscalationLevel = due
			inst.LastUpdated = now
			r.publish(Event{Kind: EventEscalated, Alarm: *inst, At: now})
			escalated = append(escalated, *inst)
		}
	}
	return escalated
}

// #endregion escalate

// #region history

// PruneHistory drops cleared alarms older than the retention window and
// returns how many were evicted. Called periodically, not per clear.
func (r *Registry) PruneHistory(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.HistoryRetention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.cfg.HistoryRetention)
	kept := r.history[:0]
	evicted := 0
	for _, inst := range r.history {
		if inst.ClearedAt.Before(cutoff) {
			evicted++
			continue
		}
		kept = append(kept, inst)
	}
	r.history = kept
	return evicted
}

// History returns a copy of the cleared-alarm history, newest last.
func (r *Registry) History() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, len(r.history))
	copy(out, r.history)
	return out
}

// #endregion history

// #region reads

// Snapshot returns copies of all live instances.
func (r *Registry) Snapshot() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.live))
	for _, inst := range r.live {
		out = append(out, *inst)
	}
	return out
}

// LiveByKey returns the live instance for key, if any.
func (r *Registry) LiveByKey(key string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.live[key]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Events exposes the lifecycle event stream.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// DroppedEvents reports how many events were dropped on a full buffer.
func (r *Registry) DroppedEvents() int64 {
	return r.dropped.Load()
}

// #endregion reads

// #region publish

// publish never blocks: the watchdog must not stall on a slow consumer.
func (r *Registry) publish(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// #endregion publish
