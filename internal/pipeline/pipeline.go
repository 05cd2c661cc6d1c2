package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calwatch/internal/aggregate"
	"calwatch/internal/config"
	"calwatch/internal/ics"
	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// SourceState is the per-source health shown to the display collaborator.
type SourceState string

const (
	StateOK    SourceState = "ok"
	StateStale SourceState = "stale" // serving a cached body after a failed fetch
	StateError SourceState = "error"
)

// SourceStatus is the refresh outcome for one source.
type SourceStatus struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	State       SourceState `json:"state"`
	Message     string      `json:"message,omitempty"`
	LastSuccess time.Time   `json:"last_success,omitempty"`
	EventCount  int         `json:"event_count"`
}

// Pipeline runs the fetch, normalize and aggregate cycle and publishes the
// result. One cycle per tick; a cycle still in flight makes the next tick a
// no-op rather than piling up.
type Pipeline struct {
	cfg     *config.Config
	fetcher *ics.Fetcher
	store   *aggregate.Store

	refreshMu sync.Mutex // overlap guard for Refresh

	mu       sync.Mutex // guards statuses
	statuses map[string]SourceStatus

	now func() time.Time
}

func New(cfg *config.Config, fetcher *ics.Fetcher, store *aggregate.Store) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		fetcher:  fetcher,
		store:    store,
		statuses: make(map[string]SourceStatus),
		now:      time.Now,
	}
}

// Start schedules periodic refreshes per the configured cron expression and
// kicks off an immediate first refresh. The cron runner stops when ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.cfg.RefreshCron, func() { p.Refresh(ctx) }); err != nil {
		return err
	}
	c.Start()

	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	// First refresh right away so the collection is populated before the
	// first cron tick.
	go p.Refresh(ctx)

	appLog.Info("refresh pipeline started", "cron", p.cfg.RefreshCron, "sources", len(p.cfg.Sources))
	return nil
}

// Refresh runs one full cycle: fetch all enabled sources concurrently,
// normalize each independently, aggregate, and publish. A source that fails
// to fetch or parse is recorded in its status and simply contributes no
// events; the published collection is always usable, possibly partial.
func (p *Pipeline) Refresh(ctx context.Context) {
	if !p.refreshMu.TryLock() {
		appLog.Info("refresh skipped, previous cycle still running")
		return
	}
	defer p.refreshMu.Unlock()

	now := p.now()
	loc := p.cfg.Location()

	sources := p.enabledSources()
	results, fetchErrs := p.fetcher.FetchAll(ctx, sources)

	statuses := make(map[string]SourceStatus, len(sources))
	for _, ferr := range fetchErrs {
		statuses[ferr.SourceID] = SourceStatus{
			ID:      ferr.SourceID,
			Name:    p.cfg.Sources[ferr.SourceID].Name,
			State:   StateError,
			Message: ferr.Error(),
		}
	}

	// Horizon window: from the start of today (so ongoing events are kept)
	// to HorizonDays in the future. Expansion past the window is deferred.
	y, m, d := now.In(loc).Date()
	windowStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	windowEnd := now.Add(time.Duration(p.cfg.HorizonDays) * 24 * time.Hour)

	popts := ics.ParseOptions{DefaultLocation: loc}
	ecfg := ics.ExpandConfig{RangeStart: windowStart, RangeEnd: windowEnd}

	perSource := make(map[string][]model.Event, len(results))
	for _, res := range results {
		events, perr := ics.Normalize(res.Source, res.Body, popts, ecfg)
		if perr != nil {
			statuses[res.Source.ID] = SourceStatus{
				ID:      res.Source.ID,
				Name:    p.cfg.Sources[res.Source.ID].Name,
				State:   StateError,
				Message: perr.Error(),
			}
			continue
		}
		perSource[res.Source.ID] = events

		st := SourceStatus{
			ID:          res.Source.ID,
			Name:        p.cfg.Sources[res.Source.ID].Name,
			State:       StateOK,
			LastSuccess: now,
			EventCount:  len(events),
		}
		if res.Stale {
			st.State = StateStale
			st.Message = "serving cached copy, last fetch failed"
			st.LastSuccess = time.Time{}
		}
		statuses[res.Source.ID] = st
	}

	coll := aggregate.Aggregate(perSource, nil)
	p.store.Publish(coll)

	p.mu.Lock()
	// Carry last_success forward for sources that failed this cycle.
	for id, st := range statuses {
		if st.LastSuccess.IsZero() {
			if prev, ok := p.statuses[id]; ok {
				st.LastSuccess = prev.LastSuccess
				if st.EventCount == 0 {
					st.EventCount = prev.EventCount
				}
				statuses[id] = st
			}
		}
	}
	p.statuses = statuses
	p.mu.Unlock()

	appLog.Info("refresh completed",
		"sources", len(sources),
		"failed", len(fetchErrs),
		"events", len(coll),
		"window_end", windowEnd.Format(time.RFC3339),
	)
}

// Statuses returns the per-source outcomes of the latest refresh, sorted by
// source ID.
func (p *Pipeline) Statuses() []SourceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SourceStatus, 0, len(p.statuses))
	for _, st := range p.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Pipeline) enabledSources() []ics.Source {
	ids := make([]string, 0, len(p.cfg.Sources))
	for id, src := range p.cfg.Sources {
		if src.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]ics.Source, 0, len(ids))
	for _, id := range ids {
		out = append(out, ics.Source{ID: id, URL: p.cfg.Sources[id].URL})
	}
	return out
}
