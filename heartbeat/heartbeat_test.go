package heartbeat

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tm
}

func TestTrackDoneRange_CoalescesAdjacentRanges(t *testing.T) {
	d := New()
	t0 := mustParse(t, "2024-01-01T00:00:00Z")
	t1 := mustParse(t, "2024-01-01T00:20:00Z")
	t2 := mustParse(t, "2024-01-01T00:40:00Z")

	d.TrackDoneRange(DateRange{Start: t0, End: t1}, nil)
	d.TrackDoneRange(DateRange{Start: t1, End: t2}, nil)

	if len(d.DoneRanges) != 1 {
		t.Fatalf("expected ranges to coalesce into 1, got %d: %+v", len(d.DoneRanges), d.DoneRanges)
	}
	if !d.DoneRanges[0].Start.Equal(t0) || !d.DoneRanges[0].End.Equal(t2) {
		t.Fatalf("unexpected merged range: %+v", d.DoneRanges[0])
	}
}

func TestTrackDoneRange_MonotoneGrowth(t *testing.T) {
	d := New()
	t0 := mustParse(t, "2024-01-01T00:00:00Z")
	t1 := mustParse(t, "2024-01-01T00:10:00Z")
	t2 := mustParse(t, "2024-01-01T00:20:00Z")
	t3 := mustParse(t, "2024-01-01T00:30:00Z")

	d.TrackDoneRange(DateRange{Start: t2, End: t3}, nil)
	after1 := append([]DateRange{}, d.DoneRanges...)

	d.TrackDoneRange(DateRange{Start: t0, End: t1}, nil)
	after2 := d.DoneRanges

	// The union after step 2 must be a superset of the union after step 1:
	// every range present after step 1 is still covered after step 2.
	for _, r := range after1 {
		if !d.Contains(r.Start) || !d.Contains(r.End) {
			t.Fatalf("range %+v from step 1 not covered after step 2: %+v", r, after2)
		}
	}
}

func TestTrackDoneRange_ClampsOpenLeftEdgeToIntervalStart(t *testing.T) {
	d := New()
	start := mustParse(t, "2024-01-01T00:00:00Z")
	end := mustParse(t, "2024-01-01T01:00:00Z")

	d.TrackDoneRange(DateRange{End: end}, &start)

	if len(d.DoneRanges) != 1 {
		t.Fatalf("expected one done range, got %d", len(d.DoneRanges))
	}
	if !d.DoneRanges[0].Start.Equal(start) {
		t.Fatalf("expected clamp to %v, got %v", start, d.DoneRanges[0].Start)
	}
}

func TestDetails_JSONRoundTrip(t *testing.T) {
	d := New()
	t0 := mustParse(t, "2024-01-01T00:00:00Z")
	t1 := mustParse(t, "2024-01-01T01:00:00Z")
	d.TrackDoneRange(DateRange{Start: t0, End: t1}, nil)
	d.RecordsCompleted = 10000

	data, err := d.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	restored, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if restored.RecordsCompleted != 10000 {
		t.Fatalf("expected records_completed to round-trip, got %d", restored.RecordsCompleted)
	}
	if len(restored.DoneRanges) != 1 || !restored.DoneRanges[0].Start.Equal(t0) {
		t.Fatalf("unexpected restored done ranges: %+v", restored.DoneRanges)
	}
}

func TestFromJSON_EmptyReturnsFreshDetails(t *testing.T) {
	d, err := FromJSON(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.DoneRanges) != 0 || d.RecordsCompleted != 0 {
		t.Fatalf("expected zero-value details, got %+v", d)
	}
}
