// Package heartbeat tracks export progress as a monotone-growing set of
// done ranges and reports it to the workflow orchestrator at a fixed
// cadence, so a re-driven activity attempt can resume without replaying
// already-committed rows.
package heartbeat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/posthog/batchexport-postgres/logging"
)

// DateRange is a closed interval [Start, End] of an export window that
// has been durably committed.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r DateRange) overlapsOrAdjoins(o DateRange) bool {
	return !r.Start.After(o.End) && !o.Start.After(r.End)
}

// Details is the persisted heartbeat payload for one activity attempt:
// the set of done ranges and the running row count.
type Details struct {
	DoneRanges       []DateRange `json:"done_ranges"`
	RecordsCompleted uint64      `json:"records_completed"`
}

// New returns an empty Details, used when no prior heartbeat exists.
func New() *Details {
	return &Details{}
}

// FromJSON parses a previously persisted heartbeat payload, as returned
// by the orchestrator's should_resume_from_activity_heartbeat-equivalent
// call.
func FromJSON(data []byte) (*Details, error) {
	if len(data) == 0 {
		return New(), nil
	}
	var d Details
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ToJSON serializes Details for persistence by the orchestrator.
func (d *Details) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

// TrackDoneRange merges r into the done-range set, coalescing overlapping
// or adjacent ranges, and clamps r.Start to dataIntervalStart when r has
// an open (zero) left edge — the earliest-backfill case. With a nil
// dataIntervalStart the open left edge is kept.
func (d *Details) TrackDoneRange(r DateRange, dataIntervalStart *time.Time) {
	if r.Start.IsZero() && dataIntervalStart != nil {
		r.Start = *dataIntervalStart
	}
	d.DoneRanges = union(append(append([]DateRange{}, d.DoneRanges...), r))
}

// union merges overlapping/adjacent ranges and returns them sorted by
// start time. The result is always a superset of any prior call's result
// restricted to the ranges passed in — done-range tracking only grows.
func union(ranges []DateRange) []DateRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]DateRange{}, ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	merged := []DateRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.overlapsOrAdjoins(*last) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Contains reports whether t falls within any done range.
func (d *Details) Contains(t time.Time) bool {
	for _, r := range d.DoneRanges {
		if !t.Before(r.Start) && !t.After(r.End) {
			return true
		}
	}
	return false
}

// Sender is the orchestrator collaborator an activity reports progress
// to and resumes prior progress from. The orchestrator implementation
// itself is out of scope; only this contract is modeled here.
type Sender interface {
	Heartbeat(ctx context.Context, details *Details) error
	ResumeFromHeartbeat(ctx context.Context) (*Details, error)
}

// Heartbeater periodically hands the current Details to a Sender at a
// fixed cadence until stopped.
type Heartbeater struct {
	sender   Sender
	interval time.Duration
	logger   *logging.ComponentLogger

	mu      sync.Mutex
	details *Details

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeater creates a Heartbeater that reports to sender every interval.
func NewHeartbeater(sender Sender, interval time.Duration, logger *logging.ComponentLogger) *Heartbeater {
	return &Heartbeater{
		sender:   sender,
		interval: interval,
		logger:   logger,
		details:  New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Resume fetches prior heartbeat details (if any) so done_ranges and
// records_completed survive across activity attempts.
func (h *Heartbeater) Resume(ctx context.Context) error {
	prior, err := h.sender.ResumeFromHeartbeat(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prior != nil {
		h.details = prior
	}
	return nil
}

// Details returns the current heartbeat snapshot. Callers must not
// mutate the returned pointer's fields directly; use Update.
func (h *Heartbeater) Details() *Details {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.details
}

// Update applies fn to the current details under the heartbeater's lock,
// used by the consumer after each flush to advance records_completed and
// track a newly completed range.
func (h *Heartbeater) Update(fn func(d *Details)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.details)
}

// Start begins the periodic reporting loop in its own goroutine.
func (h *Heartbeater) Start(ctx context.Context) {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				if err := h.sender.Heartbeat(ctx, h.Details()); err != nil {
					h.logger.Warn().Err(err).Msg("heartbeat send failed")
				}
			}
		}
	}()
}

// Stop halts the reporting loop and waits for it to exit.
func (h *Heartbeater) Stop() {
	close(h.stop)
	<-h.done
}
