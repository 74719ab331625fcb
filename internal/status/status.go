// Package status derives progress percentages and an ETA from the queue
// counters and the identity store.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxradar/fxradar/internal/identity"
	"github.com/fxradar/fxradar/internal/queue"
	"github.com/fxradar/fxradar/internal/radar"
)

// DefaultAssumedPerMinute seeds the ETA before any throughput has been
// observed.
const DefaultAssumedPerMinute = 120.0

// Report is the derived progress view served on /v1/stats.
type Report struct {
	Counters         radar.QueueCounters `json:"counters"`
	Resolved         int64               `json:"resolved"`
	AddressedPercent float64             `json:"addressed_percent"`
	ScannedPercent   float64             `json:"scanned_percent"`
	PerMinute        float64             `json:"per_minute"`
	ETASeconds       int64               `json:"eta_seconds"`
}

// Compute derives a Report. Pure: zero denominators yield 0%, never NaN.
func Compute(c radar.QueueCounters, resolved int64, perMinute float64) Report {
	r := Report{Counters: c, Resolved: resolved, PerMinute: perMinute}
	if c.Known > 0 {
		r.AddressedPercent = percent(resolved, c.Known)
	}
	if resolved > 0 {
		r.ScannedPercent = percent(c.Scanned, resolved)
	}
	if perMinute > 0 {
		pending := c.PendingAddress + c.PendingScan + c.Processing
		r.ETASeconds = int64(float64(pending) / perMinute * 60)
	}
	return r
}

func percent(part, whole int64) float64 {
	p := float64(part) / float64(whole) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Tracker estimates scan throughput from successive counter observations,
// smoothed so one slow interval does not whipsaw the ETA.
type Tracker struct {
	mu          sync.Mutex
	lastScanned int64
	lastAt      time.Time
	perMinute   float64
	assumed     float64
}

// NewTracker builds a Tracker with the given fallback throughput.
func NewTracker(assumedPerMinute float64) *Tracker {
	if assumedPerMinute <= 0 {
		assumedPerMinute = DefaultAssumedPerMinute
	}
	return &Tracker{assumed: assumedPerMinute}
}

// Observe folds one scanned-counter reading into the estimate.
func (t *Tracker) Observe(scanned int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastAt.IsZero() {
		t.lastScanned, t.lastAt = scanned, now
		return
	}
	minutes := now.Sub(t.lastAt).Minutes()
	if minutes <= 0 {
		return
	}
	observed := float64(scanned-t.lastScanned) / minutes
	if observed < 0 {
		observed = 0
	}
	if t.perMinute == 0 {
		t.perMinute = observed
	} else {
		t.perMinute = 0.5*t.perMinute + 0.5*observed
	}
	t.lastScanned, t.lastAt = scanned, now
}

// PerMinute returns the smoothed estimate, or the assumed fallback before
// any real throughput has been seen.
func (t *Tracker) PerMinute() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perMinute <= 0 {
		return t.assumed
	}
	return t.perMinute
}

// Reporter assembles Reports from live queue and identity state.
type Reporter struct {
	queue    *queue.Queue
	identity *identity.Store
	tracker  *Tracker
	clock    radar.Clock
}

// NewReporter wires a Reporter.
func NewReporter(q *queue.Queue, ident *identity.Store, tracker *Tracker, clock radar.Clock) *Reporter {
	if tracker == nil {
		tracker = NewTracker(0)
	}
	return &Reporter{queue: q, identity: ident, tracker: tracker, clock: clock}
}

// Report reads current counters and derives the progress view.
func (r *Reporter) Report(ctx context.Context) (Report, error) {
	counters, err := r.queue.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read queue stats: %w", err)
	}
	resolved, err := r.identity.ResolvedCount(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("count mappings: %w", err)
	}
	r.tracker.Observe(counters.Scanned, r.clock.Now())
	return Compute(counters, resolved, r.tracker.PerMinute()), nil
}
