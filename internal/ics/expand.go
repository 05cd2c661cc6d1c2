package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd define the inclusive time window (the horizon)
	// for occurrences. Expansion beyond RangeEnd is deferred, not computed.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult wraps the list of expanded events and optionally
// information about truncation.
type ExpandResult struct {
	Events []model.Event
	// TruncatedUIDs records UIDs that hit the MaxOccurrencesPerEvent cap.
	TruncatedUIDs []string
}

// occKind tags one slot of a recurring series during resolution.
type occKind int

const (
	occBase occKind = iota
	occOverridden
	occCancelled
)

// occurrence is one resolved slot of a series, keyed by its original start.
type occurrence struct {
	kind          occKind
	originalStart time.Time
	start, end    time.Time
	ev            ParsedEvent
}

// ExpandOccurrences takes the ParsedEvents of one source and expands them
// into canonical events within the given time window. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence (DAILY/WEEKLY/MONTHLY/YEARLY, etc.)
//   - EXDATE cancellations
//   - RECURRENCE-ID overrides
//   - All-day semantics
//
// Each generated slot is resolved exactly once: base occurrence, overridden
// occurrence (RECURRENCE-ID match on the original start), or cancelled
// occurrence (EXDATE match). Cancelled slots produce no event.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID.
	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)

	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}

	out := make([]model.Event, 0)

	for uid, baseEvents := range baseByUID {
		ov := overridesByUID[uid]
		truncated := false

		for _, ev := range baseEvents {
			occs, hitCap := expandEvent(ev, ov, cfg)
			if hitCap {
				truncated = true
			}
			for _, occ := range occs {
				if occ.kind == occCancelled {
					continue
				}
				out = append(out, makeEvent(occ, ev.RawRRule != ""))
			}
		}

		if truncated {
			result.TruncatedUIDs = append(result.TruncatedUIDs, uid)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	// Overrides whose base series is not in the feed (some exporters ship
	// detached RECURRENCE-ID events) still stand on their own.
	for uid, ovs := range overridesByUID {
		if _, ok := baseByUID[uid]; ok {
			continue
		}
		for _, ov := range ovs {
			if !timeRangesOverlap(ov.Start, ov.End, cfg.RangeStart, cfg.RangeEnd) {
				continue
			}
			appLog.Warn("expand: override without base series, keeping as standalone occurrence", "uid", uid)
			out = append(out, makeEvent(occurrence{
				kind:          occOverridden,
				originalStart: *ov.Recurrence,
				start:         ov.Start,
				end:           ov.End,
				ev:            ov,
			}, false))
		}
	}

	result.Events = out
	return result, nil
}

// Normalize is the per-source pipeline step: parse a raw feed and expand it
// into canonical events within the horizon window. A broken feed yields a
// ParseError; broken individual records are skipped inside ParseICS.
func Normalize(src Source, body []byte, popts ParseOptions, ecfg ExpandConfig) ([]model.Event, *ParseError) {
	parsed, perr := ParseICS(src, body, popts)
	if perr != nil {
		return nil, perr
	}
	res, err := ExpandOccurrences(parsed, ecfg)
	if err != nil {
		return nil, &ParseError{SourceID: src.ID, Message: err.Error()}
	}
	return res.Events, nil
}

// expandEvent expands a single ParsedEvent (base event) with its possible
// overrides within the given configuration, returning resolved occurrences
// and whether the cap was hit.
func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]occurrence, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []occurrence {
	// Quick range check: if event does not intersect [RangeStart, RangeEnd], skip.
	if !timeRangesOverlap(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}

	occ := occurrence{
		kind:          occBase,
		originalStart: ev.Start,
		start:         ev.Start,
		end:           ev.End,
		ev:            ev,
	}
	resolveSlot(&occ, overrides)
	return []occurrence{occ}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]occurrence, bool) {
	hitCap := false

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("expand: skipping event with bad RRULE", "uid", ev.UID, "rrule", ev.RawRRule, "err", err.Error())
		return nil, false
	}

	// Anchor the rule at the event's DTSTART.
	r.DTStart(ev.Start)

	// Occurrence generation happens in the event's own zone; the window is
	// converted into it so wall-clock rules land on the right instants.
	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())

	occTimes := r.Between(rangeStart, rangeEnd, true)

	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]occurrence, 0, len(occTimes))
	dur := ev.End.Sub(ev.Start)

	for _, occStart := range occTimes {
		var occEnd time.Time
		if ev.AllDay {
			// All-day: [date 00:00, next day 00:00) in the event's zone.
			date := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
			occStart = date
			occEnd = date.Add(24 * time.Hour)
		} else {
			// Preserve original duration.
			occEnd = occStart.Add(dur)
		}

		occ := occurrence{
			kind:          occBase,
			originalStart: occStart,
			start:         occStart,
			end:           occEnd,
			ev:            ev,
		}

		// Single resolution pass for this slot: EXDATE cancellation first,
		// then RECURRENCE-ID override.
		cancelled := false
		for _, ex := range ev.ExDates {
			if sameInstantOrDay(ex, occStart, ev.AllDay) {
				occ.kind = occCancelled
				cancelled = true
				break
			}
		}
		if !cancelled {
			resolveSlot(&occ, overrides)
		}

		out = append(out, occ)
	}

	return out, hitCap
}

// resolveSlot applies an override event whose RECURRENCE-ID matches the
// slot's original start, turning a base occurrence into an overridden one.
func resolveSlot(occ *occurrence, overrides []ParsedEvent) {
	for _, ov := range overrides {
		if ov.Recurrence == nil {
			continue
		}
		if ov.Recurrence.Equal(occ.originalStart) {
			occ.kind = occOverridden
			occ.start = ov.Start
			occ.end = ov.End
			occ.ev = ov
			return
		}
	}
}

// sameInstantOrDay matches an EXDATE against an occurrence start. All-day
// series match on the calendar date; timed series match on the instant.
func sameInstantOrDay(ex, start time.Time, allDay bool) bool {
	if allDay {
		ey, em, ed := ex.In(start.Location()).Date()
		sy, sm, sd := start.Date()
		return ey == sy && em == sm && ed == sd
	}
	return ex.Equal(start)
}

// makeEvent converts a resolved occurrence into the canonical event type.
// Occurrences of a recurring series carry their original start as
// RecurrenceID so several occurrences can share a UID.
func makeEvent(occ occurrence, recurring bool) model.Event {
	ev := model.Event{
		SourceID:     occ.ev.Source.ID,
		UID:          occ.ev.UID,
		Summary:      occ.ev.Summary,
		Description:  occ.ev.Description,
		Location:     occ.ev.Location,
		AllDay:       occ.ev.AllDay,
		Start:        occ.start,
		End:          occ.end,
		LastModified: occ.ev.LastModified,
	}
	if recurring || occ.kind == occOverridden {
		ev.RecurrenceID = occ.originalStart
	}
	return ev
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
