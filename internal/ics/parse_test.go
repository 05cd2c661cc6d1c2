package ics

import (
	"strings"
	"testing"
	"time"
)

func icsFeed(events ...string) []byte {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\r\n")
	b.WriteString("VERSION:2.0\r\n")
	b.WriteString("PRODID:-//calwatch tests//EN\r\n")
	for _, ev := range events {
		b.WriteString("BEGIN:VEVENT\r\n")
		b.WriteString(ev)
		b.WriteString("END:VEVENT\r\n")
	}
	b.WriteString("END:VCALENDAR\r\n")
	return []byte(b.String())
}

func vevent(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

var testSrc = Source{ID: "test", URL: "https://example.com/cal.ics"}

func TestParseICSBasicEvent(t *testing.T) {
	body := icsFeed(vevent(
		"UID:ev-1",
		"SUMMARY:Team standup",
		"LOCATION:Room 4",
		"DESCRIPTION:Daily sync",
		"DTSTART:20250310T090000Z",
		"DTEND:20250310T091500Z",
		"LAST-MODIFIED:20250301T120000Z",
	))

	events, perr := ParseICS(testSrc, body, ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	ev := events[0]
	if ev.UID != "ev-1" {
		t.Errorf("UID = %q, want ev-1", ev.UID)
	}
	if ev.Summary != "Team standup" || ev.Location != "Room 4" || ev.Description != "Daily sync" {
		t.Errorf("text fields wrong: %+v", ev)
	}
	wantStart := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if !ev.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", ev.Start, wantStart)
	}
	if !ev.End.Equal(wantStart.Add(15 * time.Minute)) {
		t.Errorf("End = %v, want %v", ev.End, wantStart.Add(15*time.Minute))
	}
	if ev.AllDay {
		t.Error("AllDay = true for a timed event")
	}
	if ev.LastModified.IsZero() {
		t.Error("LastModified not parsed")
	}
	if ev.Source.ID != "test" {
		t.Errorf("Source.ID = %q, want test", ev.Source.ID)
	}
}

func TestParseICSSkipsBrokenRecords(t *testing.T) {
	// One record without DTSTART among nine valid ones: the nine survive.
	events := make([]string, 0, 10)
	events = append(events, vevent(
		"UID:broken",
		"SUMMARY:No start time",
	))
	for i := 0; i < 9; i++ {
		events = append(events, vevent(
			"UID:ok-"+string(rune('a'+i)),
			"SUMMARY:Valid",
			"DTSTART:20250310T0"+string(rune('0'+i))+"0000Z",
		))
	}

	parsed, perr := ParseICS(testSrc, icsFeed(events...), ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	if len(parsed) != 9 {
		t.Fatalf("got %d events, want 9 (broken record skipped, not fatal)", len(parsed))
	}
	for _, ev := range parsed {
		if ev.UID == "broken" {
			t.Error("record without DTSTART was not skipped")
		}
	}
}

func TestParseICSMissingUIDSkipped(t *testing.T) {
	body := icsFeed(
		vevent("SUMMARY:anonymous", "DTSTART:20250310T090000Z"),
		vevent("UID:kept", "DTSTART:20250311T090000Z"),
	)
	parsed, perr := ParseICS(testSrc, body, ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	if len(parsed) != 1 || parsed[0].UID != "kept" {
		t.Fatalf("got %+v, want only uid=kept", parsed)
	}
}

func TestParseICSMalformedDateSkipped(t *testing.T) {
	body := icsFeed(
		vevent("UID:bad", "DTSTART:not-a-date"),
		vevent("UID:good", "DTSTART:20250311T090000Z"),
	)
	parsed, perr := ParseICS(testSrc, body, ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	if len(parsed) != 1 || parsed[0].UID != "good" {
		t.Fatalf("got %d events, want only the valid one", len(parsed))
	}
}

func TestParseICSAllDay(t *testing.T) {
	body := icsFeed(vevent(
		"UID:holiday",
		"SUMMARY:Holiday",
		"DTSTART;VALUE=DATE:20250501",
		"DTEND;VALUE=DATE:20250502",
	))
	parsed, perr := ParseICS(testSrc, body, ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	if len(parsed) != 1 {
		t.Fatalf("got %d events, want 1", len(parsed))
	}
	ev := parsed[0]
	if !ev.AllDay {
		t.Error("AllDay = false for VALUE=DATE event")
	}
	if ev.Start.Hour() != 0 || ev.Start.Day() != 1 {
		t.Errorf("Start = %v, want midnight May 1", ev.Start)
	}
	if !ev.End.After(ev.Start) {
		t.Errorf("End %v not after Start %v", ev.End, ev.Start)
	}
}

func TestParseICSMissingEndDegradesToStart(t *testing.T) {
	body := icsFeed(vevent("UID:nodur", "DTSTART:20250310T090000Z"))
	parsed, perr := ParseICS(testSrc, body, ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	ev := parsed[0]
	if !ev.End.Equal(ev.Start) {
		t.Errorf("End = %v, want == Start %v", ev.End, ev.Start)
	}
}

func TestParseICSDefaultLocation(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	// Floating local time resolves in the caller-supplied default zone.
	body := icsFeed(vevent("UID:floating", "DTSTART:20250710T120000"))
	parsed, perr := ParseICS(testSrc, body, ParseOptions{DefaultLocation: berlin})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	want := time.Date(2025, 7, 10, 12, 0, 0, 0, berlin)
	if !parsed[0].Start.Equal(want) {
		t.Errorf("Start = %v, want %v", parsed[0].Start, want)
	}
}

func TestParseICSRecurrenceProperties(t *testing.T) {
	body := icsFeed(
		vevent(
			"UID:series",
			"SUMMARY:Weekly",
			"DTSTART:20250303T100000Z",
			"DTEND:20250303T110000Z",
			"RRULE:FREQ=WEEKLY",
			"EXDATE:20250317T100000Z",
		),
		vevent(
			"UID:series",
			"SUMMARY:Weekly (moved)",
			"DTSTART:20250310T140000Z",
			"DTEND:20250310T150000Z",
			"RECURRENCE-ID:20250310T100000Z",
		),
	)

	parsed, perr := ParseICS(testSrc, body, ParseOptions{})
	if perr != nil {
		t.Fatalf("ParseICS error: %v", perr)
	}
	if len(parsed) != 2 {
		t.Fatalf("got %d events, want 2", len(parsed))
	}

	var base, override *ParsedEvent
	for i := range parsed {
		if parsed[i].IsOverride {
			override = &parsed[i]
		} else {
			base = &parsed[i]
		}
	}
	if base == nil || override == nil {
		t.Fatalf("missing base or override: %+v", parsed)
	}
	if base.RawRRule != "FREQ=WEEKLY" {
		t.Errorf("RawRRule = %q", base.RawRRule)
	}
	if len(base.ExDates) != 1 {
		t.Fatalf("ExDates = %v, want one entry", base.ExDates)
	}
	wantEx := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)
	if !base.ExDates[0].Equal(wantEx) {
		t.Errorf("ExDate = %v, want %v", base.ExDates[0], wantEx)
	}
	wantRID := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	if override.Recurrence == nil || !override.Recurrence.Equal(wantRID) {
		t.Errorf("Recurrence = %v, want %v", override.Recurrence, wantRID)
	}
}

func TestParseICSEmptyBody(t *testing.T) {
	if _, perr := ParseICS(testSrc, nil, ParseOptions{}); perr == nil {
		t.Fatal("expected ParseError for empty body")
	}
}

func TestEarliestInstant(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	t.Run("ambiguous fall-back time resolves to earlier instant", func(t *testing.T) {
		// 2025-10-26 02:30 occurs twice in Berlin (CEST then CET).
		candidate := time.Date(2025, 10, 26, 2, 30, 0, 0, berlin)
		resolved := EarliestInstant(candidate)
		if resolved.After(candidate) {
			t.Errorf("resolved %v is after candidate %v", resolved, candidate)
		}
		// Whatever time.Date picked, the policy result must render the same
		// wall clock and be the earlier of the two instants.
		if resolved.Hour() != 2 || resolved.Minute() != 30 {
			t.Errorf("resolved wall clock = %v, want 02:30", resolved)
		}
	})

	t.Run("unambiguous time is untouched", func(t *testing.T) {
		plain := time.Date(2025, 7, 1, 12, 0, 0, 0, berlin)
		if got := EarliestInstant(plain); !got.Equal(plain) {
			t.Errorf("EarliestInstant(%v) = %v, want unchanged", plain, got)
		}
	})
}
