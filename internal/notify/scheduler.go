package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"calwatch/internal/aggregate"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const defaultTickInterval = time.Second

// ErrInvalidRule is the scheduling-error sentinel: rules are rejected at
// rule-set time, never at fire time.
var ErrInvalidRule = errors.New("invalid notification rule")

// Status is the lifecycle state of a scheduled notification. pending is the
// only non-terminal state; a notification is never resurrected once fired.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
)

// ScheduledNotification is one planned fire for one event occurrence.
type ScheduledNotification struct {
	Event    model.Event
	FireTime time.Time
	Offset   time.Duration
	Sound    string
	Status   Status
}

// Fired is the emission consumed by the alert UI. The scheduler's obligation
// ends once this lands on the queue.
type Fired struct {
	Event    model.Event
	Offset   time.Duration
	FireTime time.Time
	Message  string
	Sound    string
}

// firedKey remembers a completed fire so reconciliation cannot recreate it.
// The start time participates: if the event moves, a fresh notification with
// the new fire time is legitimate.
type firedKey struct {
	id    model.Identity
	start int64 // event start, unix nanos
}

// Scheduler owns the derived notification set. It holds a read-only view of
// the published collection (via the store), reconciles its pending set on
// every collection change, and fires notifications onto a queue when wall
// clock reaches their fire time.
type Scheduler struct {
	store *aggregate.Store
	queue chan Fired

	mu      sync.Mutex
	rules   []model.NotificationRule
	pending map[model.Identity]*ScheduledNotification
	fired   map[firedKey]struct{}

	now  func() time.Time
	tick time.Duration
}

// NewScheduler creates a scheduler reading collections from store. queueSize
// bounds the fired-notification queue; the display collaborator drains it on
// its own cadence.
func NewScheduler(store *aggregate.Store, queueSize int) *Scheduler {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Scheduler{
		store:   store,
		queue:   make(chan Fired, queueSize),
		pending: make(map[model.Identity]*ScheduledNotification),
		fired:   make(map[firedKey]struct{}),
		now:     time.Now,
		tick:    defaultTickInterval,
	}
}

// Fired is the queue of emitted notifications.
func (s *Scheduler) Fired() <-chan Fired {
	return s.queue
}

// ValidateRules rejects rule sets the scheduler cannot honor.
func ValidateRules(rules []model.NotificationRule) error {
	for _, r := range rules {
		if r.Offset < 0 {
			return fmt.Errorf("%w: negative offset %v for scope %s/%s",
				ErrInvalidRule, r.Offset, r.Scope.SourceID, r.Scope.UID)
		}
	}
	return nil
}

// SetRules validates and installs a new rule set, then reconciles against
// the current collection so disabled rules cancel their pending entries
// immediately.
func (s *Scheduler) SetRules(rules []model.NotificationRule) error {
	if err := ValidateRules(rules); err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	s.Reconcile(s.store.Current())
	return nil
}

// resolveRule picks the applicable rule for an event: an event-level rule
// always overrides the source-level rule, even when disabled. The second
// return is false when no rule covers the event at all.
func resolveRule(rules []model.NotificationRule, ev model.Event) (model.NotificationRule, bool) {
	var sourceRule model.NotificationRule
	haveSource := false
	for _, r := range rules {
		if r.Scope.SourceID != ev.SourceID {
			continue
		}
		if r.Scope.UID == ev.UID {
			return r, true
		}
		if r.Scope.UID == "" {
			sourceRule = r
			haveSource = true
		}
	}
	return sourceRule, haveSource
}

// Reconcile recomputes the desired notification set for the given collection
// and applies it as a set-diff: stale pending entries are cancelled, missing
// ones created. Running it twice with the same inputs is a no-op, and the
// net effect does not depend on the order events appear in.
func (s *Scheduler) Reconcile(coll aggregate.Collection) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Desired set: every event with an applicable enabled rule. The
	// future-fire-time requirement applies only when creating a new entry;
	// an existing pending entry whose fire time passed while the process
	// slept must survive reconciliation so the catch-up path can fire it.
	desired := make(map[model.Identity]*ScheduledNotification)
	for _, ev := range coll {
		rule, ok := resolveRule(s.rules, ev)
		if !ok || !rule.Enabled {
			continue
		}
		fireTime := ev.Start.Add(-rule.Offset)
		id := ev.Identity()
		desired[id] = &ScheduledNotification{
			Event:    ev,
			FireTime: fireTime,
			Offset:   rule.Offset,
			Sound:    rule.Sound,
			Status:   StatusPending,
		}
	}

	// Cancel pending entries that are gone or whose fire time moved.
	cancelled := 0
	for id, sn := range s.pending {
		want, ok := desired[id]
		if ok && want.FireTime.Equal(sn.FireTime) {
			// Retained entry picks up the latest feed data so a fire
			// after a summary or location edit reports the new values.
			sn.Event = want.Event
			sn.Sound = want.Sound
			continue
		}
		sn.Status = StatusCancelled
		delete(s.pending, id)
		cancelled++
	}

	// Create entries for newly desired notifications whose fire time is
	// still ahead. Anything already fired for the same (identity, start)
	// stays fired.
	created := 0
	for id, want := range desired {
		if _, ok := s.pending[id]; ok {
			continue
		}
		if !want.FireTime.After(now) {
			continue
		}
		if _, done := s.fired[firedKey{id: id, start: want.Event.Start.UnixNano()}]; done {
			continue
		}
		s.pending[id] = want
		created++
	}

	// Forget fired markers for events no longer in the collection so the
	// map cannot grow without bound across feed refreshes.
	inColl := make(map[model.Identity]struct{}, len(coll))
	for _, ev := range coll {
		inColl[ev.Identity()] = struct{}{}
	}
	for key := range s.fired {
		if _, ok := inColl[key.id]; !ok {
			delete(s.fired, key)
		}
	}

	if created > 0 || cancelled > 0 {
		appLog.Info("notification reconcile", "created", created, "cancelled", cancelled, "pending", len(s.pending))
	}
}

// Cancel cancels the pending notification for one event identity, if any.
// Safe to race against the fire check: status flips under the lock, and the
// fire path re-checks status immediately before emitting.
func (s *Scheduler) Cancel(id model.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sn, ok := s.pending[id]
	if !ok {
		return false
	}
	sn.Status = StatusCancelled
	delete(s.pending, id)
	return true
}

// Pending returns a snapshot of the pending set, for status surfaces.
func (s *Scheduler) Pending() []ScheduledNotification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledNotification, 0, len(s.pending))
	for _, sn := range s.pending {
		out = append(out, *sn)
	}
	return out
}

// Run drives the scheduler until ctx is cancelled: it reconciles on every
// collection publish and checks fire times on a ticker. The ticker also
// covers the process having been suspended past a fire time; FireDue applies
// the catch-up policy on the next tick after wake.
func (s *Scheduler) Run(ctx context.Context) {
	// Pick up whatever collection is already published.
	s.Reconcile(s.store.Current())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.store.Changed():
			s.Reconcile(s.store.Current())
		case <-ticker.C:
			s.FireDue()
		}
	}
}

// FireDue fires every pending notification whose fire time has been reached.
// Each identity fires at most once. A fire time that passed while the
// process was asleep still fires late, unless the event itself has already
// started; too-late notifications are cancelled, not fired.
func (s *Scheduler) FireDue() {
	now := s.now()

	s.mu.Lock()
	var due []*ScheduledNotification
	for id, sn := range s.pending {
		if sn.FireTime.After(now) {
			continue
		}
		// Final status check under the lock: a cancellation that lost the
		// race to this point must still suppress the fire.
		if sn.Status != StatusPending {
			delete(s.pending, id)
			continue
		}
		if !now.Before(sn.Event.Start) {
			// Event already started; firing now would be noise.
			sn.Status = StatusCancelled
			delete(s.pending, id)
			appLog.Info("notification skipped, event already started",
				"source", sn.Event.SourceID, "uid", sn.Event.UID)
			continue
		}
		sn.Status = StatusFired
		delete(s.pending, id)
		s.fired[firedKey{id: id, start: sn.Event.Start.UnixNano()}] = struct{}{}
		due = append(due, sn)
	}
	s.mu.Unlock()

	for _, sn := range due {
		s.emit(Fired{
			Event:    sn.Event,
			Offset:   sn.Offset,
			FireTime: sn.FireTime,
			Message:  formatMessage(sn.Event),
			Sound:    sn.Sound,
		})
	}
}

// emit hands a fired notification to the queue. A full queue is a display
// problem, not a scheduling problem: log and move on, never block the fire
// loop or cancel subsequent notifications.
func (s *Scheduler) emit(f Fired) {
	select {
	case s.queue <- f:
		appLog.Info("notification fired",
			"source", f.Event.SourceID, "uid", f.Event.UID, "fire_time", f.FireTime.Format(time.RFC3339))
	default:
		appLog.Error("notification queue full, dropping emission",
			errors.New("queue full"),
			"source", f.Event.SourceID, "uid", f.Event.UID)
	}
}

// formatMessage builds the user-facing line for a fired notification.
func formatMessage(ev model.Event) string {
	if ev.Location != "" {
		return fmt.Sprintf("Upcoming: %s at %s", ev.Summary, ev.Location)
	}
	return fmt.Sprintf("Upcoming: %s", ev.Summary)
}
