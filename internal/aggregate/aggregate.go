package aggregate

import (
	"sort"

	appLog "calwatch/internal/log"
	"calwatch/internal/model"
)

// Collection is the canonical aggregated event set: de-duplicated, sorted by
// start time with ties broken by (source, uid, recurrence). It is rebuilt
// wholesale on every aggregation pass; readers never see it mutate.
type Collection []model.Event

// Matcher decides whether two events from different sources describe the
// same real-world event. Matches are flagged, never collapsed.
type Matcher func(a, b model.Event) bool

// ExactMatch is the default cross-source duplicate matcher: identical start,
// identical end, identical normalized summary.
func ExactMatch(a, b model.Event) bool {
	return a.Start.Equal(b.Start) &&
		a.End.Equal(b.End) &&
		a.NormalizedSummary() == b.NormalizedSummary()
}

// Aggregate merges per-source normalized event sequences into one canonical
// collection. The function is pure: no hidden state, and identical inputs
// always produce an identical collection.
//
// Steps:
//  1. concatenate all sources (in sorted source-key order, so map iteration
//     order cannot leak into the result)
//  2. drop exact duplicates on (source, uid, recurrence); the copy with the
//     later LAST-MODIFIED wins
//  3. flag cross-source duplicates per the matcher, keeping both copies
//  4. sort by start, tie-break (source, uid, recurrence)
//
// A nil matcher means ExactMatch.
func Aggregate(perSource map[string][]model.Event, match Matcher) Collection {
	if match == nil {
		match = ExactMatch
	}

	sourceIDs := make([]string, 0, len(perSource))
	for id := range perSource {
		sourceIDs = append(sourceIDs, id)
	}
	sort.Strings(sourceIDs)

	// De-duplicate on identity while concatenating.
	byIdentity := make(map[model.Identity]int)
	merged := make([]model.Event, 0)
	dropped := 0

	for _, id := range sourceIDs {
		for _, ev := range perSource[id] {
			key := ev.Identity()
			if i, seen := byIdentity[key]; seen {
				dropped++
				// Later LAST-MODIFIED wins; ties keep the earlier entry.
				if ev.LastModified.After(merged[i].LastModified) {
					merged[i] = ev
				}
				continue
			}
			byIdentity[key] = len(merged)
			merged = append(merged, ev)
		}
	}

	flagCrossSource(merged, match)

	sort.SliceStable(merged, func(i, j int) bool {
		return less(merged[i], merged[j])
	})

	if dropped > 0 {
		appLog.Debug("aggregate dropped exact duplicates", "count", dropped)
	}

	return Collection(merged)
}

// flagCrossSource marks every event that matches an event from a different
// source. Both copies stay in the collection with provenance intact;
// collapsing would silently discard source-specific notification rules.
func flagCrossSource(events []model.Event, match Matcher) {
	// Bucket by start instant first so the pairwise matcher only runs inside
	// small groups instead of across the whole collection.
	byStart := make(map[int64][]int)
	for i, ev := range events {
		k := ev.Start.UnixNano()
		byStart[k] = append(byStart[k], i)
	}

	for _, group := range byStart {
		if len(group) < 2 {
			continue
		}
		for gi := 0; gi < len(group); gi++ {
			for gj := gi + 1; gj < len(group); gj++ {
				a, b := group[gi], group[gj]
				if events[a].SourceID == events[b].SourceID {
					continue
				}
				if match(events[a], events[b]) {
					events[a].CrossSourceDup = true
					events[b].CrossSourceDup = true
				}
			}
		}
	}
}

func less(a, b model.Event) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	if a.SourceID != b.SourceID {
		return a.SourceID < b.SourceID
	}
	if a.UID != b.UID {
		return a.UID < b.UID
	}
	return a.RecurrenceID.Before(b.RecurrenceID)
}
