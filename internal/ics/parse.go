package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calwatch/internal/log"
)

// ParseError is the feed-level failure: the calendar grammar itself could not
// be read. Per-record problems never produce a ParseError; those records are
// skipped and logged while the rest of the feed parses normally.
type ParseError struct {
	SourceID string
	Message  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.SourceID, e.Message)
}

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	LastModified time.Time

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
}

// ParseOptions controls timezone handling during parsing.
type ParseOptions struct {
	// DefaultLocation is used for local date/time values with no TZID and
	// for all-day date boundaries. Feeds declaring X-WR-TIMEZONE override
	// it. nil means UTC.
	DefaultLocation *time.Location

	// ResolveAmbiguous picks the instant for wall-clock times that occur
	// twice during a DST backward transition. nil means EarliestInstant.
	ResolveAmbiguous func(time.Time) time.Time
}

// EarliestInstant is the default DST policy: a wall-clock time that exists at
// two instants during a backward transition resolves to the earlier one.
func EarliestInstant(t time.Time) time.Time {
	earlier := t.Add(-time.Hour)
	if sameWallClock(earlier, t) {
		return earlier
	}
	return t
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by || am != bm || ad != bd {
		return false
	}
	ah, ami, as := a.Clock()
	bh, bmi, bs := b.Clock()
	return ah == bh && ami == bmi && as == bs
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - It relies on the underlying library's VTIMEZONE/TZID handling to
//     construct proper time.Time values (with Location set).
//   - It detects all-day events by inspecting the DTSTART value format.
//   - It records RRULE/EXDATE/RECURRENCE-ID but does not expand recurrences;
//     expansion is done in internal/ics/expand.go.
//   - A VEVENT missing its DTSTART or UID is skipped and logged; a single
//     bad record never aborts the rest of the feed.
func ParseICS(src Source, body []byte, opts ParseOptions) ([]ParsedEvent, *ParseError) {
	if len(body) == 0 {
		return nil, &ParseError{SourceID: src.ID, Message: "empty ICS body"}
	}
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.UTC
	}
	if opts.ResolveAmbiguous == nil {
		opts.ResolveAmbiguous = EarliestInstant
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, &ParseError{SourceID: src.ID, Message: err.Error()}
	}

	// X-WR-TIMEZONE declares the feed default zone; it takes precedence over
	// the caller-supplied default for this feed's floating times.
	for _, p := range cal.CalendarProperties {
		if p.IANAToken != "X-WR-TIMEZONE" || p.Value == "" {
			continue
		}
		if loc, lerr := time.LoadLocation(p.Value); lerr == nil {
			opts.DefaultLocation = loc
		} else {
			appLog.Warn("ics unknown X-WR-TIMEZONE, keeping default", "id", src.ID, "tzid", p.Value)
		}
		break
	}

	events := make([]ParsedEvent, 0)

	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp, opts)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Warn("ics vevent skipped", "id", src.ID, "url", redactURL(src.URL), "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent, opts ParseOptions) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	// UID
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	// SEQUENCE (optional, used for overrides/versioning)
	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	// Summary / Description / Location
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	// DTSTART is mandatory; a component without a start time cannot be
	// placed on any timeline and is skipped.
	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil || dtStartProp.Value == "" {
		return out, errors.New("missing DTSTART")
	}

	// Detect all-day: VALUE=DATE or no 'T' in the value.
	allDay := false
	val := dtStartProp.Value
	if params := dtStartProp.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			allDay = true
		}
	}
	if !strings.Contains(val, "T") {
		allDay = true
	}
	out.AllDay = allDay

	start, err := parsePropTime(dtStartProp, opts)
	if err != nil {
		return out, fmt.Errorf("bad DTSTART %q: %w", val, err)
	}
	out.Start = start

	if dtEndProp := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEndProp != nil {
		end, eerr := parsePropTime(dtEndProp, opts)
		if eerr != nil {
			return out, fmt.Errorf("bad DTEND %q: %w", dtEndProp.Value, eerr)
		}
		out.End = end
	}

	// Enforce start <= end. A missing or inverted DTEND degrades to a
	// zero-length event (one day for all-day events).
	if out.End.IsZero() || out.End.Before(out.Start) {
		if out.AllDay {
			out.End = out.Start.Add(24 * time.Hour)
		} else {
			out.End = out.Start
		}
	}

	// LAST-MODIFIED (optional); merge tie-breaker downstream.
	if p := ve.GetProperty("LAST-MODIFIED"); p != nil {
		if t, terr := parseICSTime(p.Value, opts); terr == nil {
			out.LastModified = t
		}
	}

	// RRULE (raw string only; expansion is in expand.go).
	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE (can appear multiple times, each possibly comma-separated).
	exProps := ve.GetProperties(ical.ComponentPropertyExdate)
	for _, p := range exProps {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, terr := parseICSTime(part, opts); terr == nil {
				out.ExDates = append(out.ExDates, t)
			} else {
				appLog.Warn("ics unparseable EXDATE ignored", "id", src.ID, "uid", out.UID, "value", part)
			}
		}
	}

	// RECURRENCE-ID (overridden instance)
	if ridProp := ve.GetProperty("RECURRENCE-ID"); ridProp != nil {
		if t, terr := parseICSTime(ridProp.Value, opts); terr == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parsePropTime parses a DTSTART/DTEND property honoring its TZID parameter;
// without one it falls back to parseICSTime's default-zone handling.
func parsePropTime(p *ical.IANAProperty, opts ParseOptions) (time.Time, error) {
	if params := p.ICalParameters; params != nil {
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			loc, err := time.LoadLocation(tzs[0])
			if err == nil {
				o := opts
				o.DefaultLocation = loc
				return parseICSTime(p.Value, o)
			}
			// Unknown TZID: fall through to the feed default.
		}
	}
	return parseICSTime(p.Value, opts)
}

// parseICSTime parses a basic ICS date/date-time string into an absolute
// instant. Values without an explicit zone use opts.DefaultLocation and pass
// through the DST ambiguity policy.
func parseICSTime(v string, opts ParseOptions) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := opts.DefaultLocation
	if loc == nil {
		loc = time.UTC
	}
	resolve := opts.ResolveAmbiguous
	if resolve == nil {
		resolve = EarliestInstant
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		const layout = "20060102T150405Z"
		return time.Parse(layout, v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		const layout = "20060102T150405"
		t, err := time.ParseInLocation(layout, v, loc)
		if err != nil {
			return time.Time{}, err
		}
		return resolve(t), nil
	}

	// Date-only (all-day), e.g., 20250101
	const layoutDate = "20060102"
	return time.ParseInLocation(layoutDate, v, loc)
}
