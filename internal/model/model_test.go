package model

import (
	"testing"
	"time"
)

func TestIdentityDistinguishesOccurrences(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	a := Event{SourceID: "work", UID: "series", RecurrenceID: start}
	b := Event{SourceID: "work", UID: "series", RecurrenceID: start.Add(7 * 24 * time.Hour)}
	c := Event{SourceID: "work", UID: "series", RecurrenceID: start}

	if a.Identity() == b.Identity() {
		t.Error("different occurrences share an identity")
	}
	if a.Identity() != c.Identity() {
		t.Error("equal occurrences have different identities")
	}
}

func TestIdentityAcrossSources(t *testing.T) {
	a := Event{SourceID: "work", UID: "x"}
	b := Event{SourceID: "home", UID: "x"}
	if a.Identity() == b.Identity() {
		t.Error("same UID in different sources must not collide")
	}
}

func TestIdentityNormalizesZone(t *testing.T) {
	utc := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	a := Event{SourceID: "work", UID: "series", RecurrenceID: utc}
	b := Event{SourceID: "work", UID: "series", RecurrenceID: utc.In(berlin)}
	if a.Identity() != b.Identity() {
		t.Error("identity depends on the zone an instant is expressed in")
	}
}

func TestNormalizedSummary(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Company All-Hands", "company all-hands"},
		{"  company   ALL-HANDS  ", "company all-hands"},
		{"", ""},
	}
	for _, tt := range tests {
		ev := Event{Summary: tt.in}
		if got := ev.NormalizedSummary(); got != tt.want {
			t.Errorf("NormalizedSummary(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
