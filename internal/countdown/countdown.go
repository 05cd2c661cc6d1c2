// Package countdown provides pure, side-effect-free queries over the
// aggregated collection: the next qualifying event, time remaining, and the
// formatted countdown text. Safe to call from any goroutine; the only shared
// state touched is the published collection value passed in.
package countdown

import (
	"fmt"
	"time"

	"calwatch/internal/aggregate"
	"calwatch/internal/model"
)

// Filter is the caller-supplied visibility filter.
type Filter struct {
	// Visible maps source IDs to visibility. A source with no entry is
	// visible; an explicit false hides it.
	Visible map[string]bool

	ShowAllDay    bool
	ShowCompleted bool
}

// DefaultFilter shows everything except completed events.
func DefaultFilter() Filter {
	return Filter{ShowAllDay: true, ShowCompleted: false}
}

func (f Filter) allows(ev model.Event, now time.Time) bool {
	if v, ok := f.Visible[ev.SourceID]; ok && !v {
		return false
	}
	if ev.AllDay && !f.ShowAllDay {
		return false
	}
	if !f.ShowCompleted && ev.End.Before(now) {
		return false
	}
	return true
}

// Filtered returns the events passing the filter, in collection order.
func Filtered(coll aggregate.Collection, now time.Time, f Filter) []model.Event {
	out := make([]model.Event, 0, len(coll))
	for _, ev := range coll {
		if f.allows(ev, now) {
			out = append(out, ev)
		}
	}
	return out
}

// Next returns the next qualifying event: the earliest visible event whose
// start is in the future (for all-day events, whose day boundary has not
// passed). The collection's sort order makes the result deterministic,
// including tie-breaks. The second return is false when nothing qualifies.
func Next(coll aggregate.Collection, now time.Time, f Filter) (model.Event, bool) {
	for _, ev := range coll {
		if !f.allows(ev, now) {
			continue
		}
		if ev.Start.After(now) {
			return ev, true
		}
		if ev.AllDay && ev.End.After(now) {
			return ev, true
		}
	}
	return model.Event{}, false
}

// Until is the duration from now to the event start, floored at zero.
func Until(ev model.Event, now time.Time) time.Duration {
	d := ev.Start.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Format renders a duration as a tiered human-readable countdown.
func Format(d time.Duration) string {
	total := int(d.Seconds())

	if total < 0 {
		return "Event has passed"
	}

	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// Text produces the display line for the countdown surface.
func Text(coll aggregate.Collection, now time.Time, f Filter) string {
	ev, ok := Next(coll, now, f)
	if !ok {
		return "No upcoming events"
	}
	return fmt.Sprintf("Next: %s in %s", ev.Summary, Format(Until(ev, now)))
}

// ForDate returns the filtered events starting on the given calendar date in
// that date's location.
func ForDate(coll aggregate.Collection, now time.Time, f Filter, date time.Time) []model.Event {
	y, m, d := date.Date()
	out := make([]model.Event, 0)
	for _, ev := range Filtered(coll, now, f) {
		ey, em, ed := ev.Start.In(date.Location()).Date()
		if ey == y && em == m && ed == d {
			out = append(out, ev)
		}
	}
	return out
}

// ForRange returns the filtered events starting within [start, end].
func ForRange(coll aggregate.Collection, now time.Time, f Filter, start, end time.Time) []model.Event {
	out := make([]model.Event, 0)
	for _, ev := range Filtered(coll, now, f) {
		if ev.Start.Before(start) || ev.Start.After(end) {
			continue
		}
		out = append(out, ev)
	}
	return out
}
