package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"calwatch/internal/aggregate"
	"calwatch/internal/config"
	"calwatch/internal/ics"
)

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

const workFeed = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//pipeline tests//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup\r\n" +
	"SUMMARY:Standup\r\n" +
	"DTSTART:20250311T090000Z\r\n" +
	"DTEND:20250311T091500Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func testConfig(sources map[string]config.SourceConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.HorizonDays = 30
	cfg.Sources = sources
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) (*Pipeline, *aggregate.Store) {
	t.Helper()
	store := aggregate.NewStore()
	p := New(cfg, ics.NewFetcher(t.TempDir()), store)
	p.now = func() time.Time { return now }
	return p, store
}

func TestRefreshPublishesCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(workFeed))
	}))
	defer srv.Close()

	cfg := testConfig(map[string]config.SourceConfig{
		"work": {URL: srv.URL, Enabled: true, Name: "Work"},
	})
	p, store := newTestPipeline(t, cfg)

	p.Refresh(context.Background())

	coll := store.Current()
	if len(coll) != 1 {
		t.Fatalf("published %d events, want 1", len(coll))
	}
	if coll[0].SourceID != "work" || coll[0].UID != "standup" {
		t.Errorf("event = %+v", coll[0])
	}

	statuses := p.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	st := statuses[0]
	if st.State != StateOK || st.EventCount != 1 || st.Name != "Work" {
		t.Errorf("status = %+v", st)
	}
}

func TestRefreshIsolatesFailedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(workFeed))
	}))
	defer srv.Close()

	cfg := testConfig(map[string]config.SourceConfig{
		"work": {URL: srv.URL, Enabled: true, Name: "Work"},
		"dead": {URL: "/nonexistent/feed.ics", Enabled: true, Name: "Dead"},
	})
	p, store := newTestPipeline(t, cfg)

	p.Refresh(context.Background())

	// Source A failing must not keep source B's events out.
	coll := store.Current()
	if len(coll) != 1 || coll[0].SourceID != "work" {
		t.Fatalf("collection = %v, want work's event despite dead source", coll)
	}

	states := map[string]SourceState{}
	for _, st := range p.Statuses() {
		states[st.ID] = st.State
	}
	if states["work"] != StateOK {
		t.Errorf("work state = %q", states["work"])
	}
	if states["dead"] != StateError {
		t.Errorf("dead state = %q, want error", states["dead"])
	}
}

func TestRefreshSkipsDisabledSources(t *testing.T) {
	cfg := testConfig(map[string]config.SourceConfig{
		"off": {URL: "/ignored.ics", Enabled: false},
	})
	p, store := newTestPipeline(t, cfg)

	p.Refresh(context.Background())

	if len(store.Current()) != 0 {
		t.Error("disabled source contributed events")
	}
	if len(p.Statuses()) != 0 {
		t.Errorf("disabled source has a status: %v", p.Statuses())
	}
}

func TestRefreshRepeatedIsStable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(workFeed))
	}))
	defer srv.Close()

	cfg := testConfig(map[string]config.SourceConfig{
		"work": {URL: srv.URL, Enabled: true},
	})
	p, store := newTestPipeline(t, cfg)

	p.Refresh(context.Background())
	first := store.Current()
	p.Refresh(context.Background())
	second := store.Current()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated refresh produced different collections:\n%v\n%v", first, second)
	}
}

func TestRefreshParseFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a calendar"))
	}))
	defer srv.Close()

	cfg := testConfig(map[string]config.SourceConfig{
		"junk": {URL: srv.URL, Enabled: true},
	})
	p, _ := newTestPipeline(t, cfg)

	p.Refresh(context.Background())

	statuses := p.Statuses()
	if len(statuses) != 1 || statuses[0].State != StateError {
		t.Fatalf("statuses = %+v, want junk in error state", statuses)
	}
}
