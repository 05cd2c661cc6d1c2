package model

import (
	"strings"
	"time"
)

// Event is a single concrete calendar occurrence after recurrence expansion
// and timezone normalization. Events are immutable once built; every
// aggregation pass constructs a fresh set rather than mutating this one.
type Event struct {
	SourceID string // calendar source ID (config key)
	UID      string // iCalendar UID; unique within a source, not globally

	Summary     string
	Description string
	Location    string

	AllDay bool

	// Start / End are absolute instants. For all-day events they are the
	// date boundaries in the source's zone, not a fixed time of day.
	Start time.Time
	End   time.Time

	// RecurrenceID is the original start time of this occurrence when it was
	// expanded from a recurring series; zero for one-off events. It
	// distinguishes occurrences sharing a UID.
	RecurrenceID time.Time

	// LastModified comes from the feed and breaks ties when the same
	// identity appears twice in one source.
	LastModified time.Time

	// CrossSourceDup is set by the aggregator when another source carries an
	// event with the same start, end and normalized summary. Both copies are
	// kept; collapsing would lose source-specific notification rules.
	CrossSourceDup bool
}

// Identity is the comparable duplicate key for an Event. Two events with the
// same Identity are the same occurrence.
type Identity struct {
	SourceID     string
	UID          string
	RecurrenceID string // RFC3339Nano in UTC, empty for one-off events
}

func (e Event) Identity() Identity {
	id := Identity{SourceID: e.SourceID, UID: e.UID}
	if !e.RecurrenceID.IsZero() {
		id.RecurrenceID = e.RecurrenceID.UTC().Format(time.RFC3339Nano)
	}
	return id
}

// NormalizedSummary is the summary as used for cross-source duplicate
// matching: trimmed, case-folded, inner whitespace collapsed.
func (e Event) NormalizedSummary() string {
	return strings.Join(strings.Fields(strings.ToLower(e.Summary)), " ")
}

// RuleScope identifies what a NotificationRule applies to: a whole source, or
// one event within it (UID set). An event-level rule wins over the
// source-level rule for the same source.
type RuleScope struct {
	SourceID string
	UID      string // empty means the rule covers the whole source
}

// NotificationRule describes when to announce events in its scope.
type NotificationRule struct {
	Scope   RuleScope
	Offset  time.Duration // how long before Start the notification fires
	Enabled bool
	Sound   string
}
