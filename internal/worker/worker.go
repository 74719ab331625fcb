// Package worker implements the claim, work, submit loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/identity"
	"github.com/fxradar/fxradar/internal/queue"
	"github.com/fxradar/fxradar/internal/radar"
	"github.com/fxradar/fxradar/internal/telemetry"
)

// Loop defaults.
const (
	DefaultBatchSize            = 30
	DefaultIdleDelay            = 2 * time.Second
	DefaultAddressPriorityRatio = 0.9
)

// Resolver turns address tasks into results and owns the inter-batch pause.
type Resolver interface {
	ResolveBatch(ctx context.Context, tasks []radar.Task) ([]radar.ScanResult, error)
	Pause(ctx context.Context) error
}

// Prober turns scan tasks into results.
type Prober interface {
	ProbeAll(ctx context.Context, tasks []radar.Task) []radar.ScanResult
}

// Config controls Worker behavior.
type Config struct {
	// BatchSize caps one claim.
	BatchSize int
	// IdleDelay is the sleep between claims when no work came back.
	IdleDelay time.Duration
	// AddressPriorityRatio is the resolved/known fraction below which the
	// worker keeps preferring address work over scans.
	AddressPriorityRatio float64
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = DefaultIdleDelay
	}
	if c.AddressPriorityRatio <= 0 || c.AddressPriorityRatio > 1 {
		c.AddressPriorityRatio = DefaultAddressPriorityRatio
	}
}

// Worker runs one claim loop against the shared queue. Multiple workers, in
// this process or others, coordinate only through the queue's atomic claims.
type Worker struct {
	id       string
	queue    *queue.Queue
	identity *identity.Store
	resolver Resolver
	prober   Prober
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	q *queue.Queue,
	ident *identity.Store,
	resolver Resolver,
	prober Prober,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    q,
		identity: ident,
		resolver: resolver,
		prober:   prober,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", id)),
	}
}

// Run blocks, claiming and working batches until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("work cycle failed", zap.Error(err))
			w.sleep(ctx, w.cfg.IdleDelay)
			continue
		}
		if !worked {
			w.sleep(ctx, w.cfg.IdleDelay)
		}
	}
}

// RunOnce claims one batch and works it to completion. Returns false when
// the queue had nothing to hand out.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	tasks, err := w.queue.ClaimBatch(ctx, w.id, w.preferredKind(ctx), w.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}

	kind := tasks[0].Kind
	telemetry.ObserveClaims(kind, len(tasks))

	var results []radar.ScanResult
	switch kind {
	case radar.TaskAddress:
		results, err = w.resolver.ResolveBatch(ctx, tasks)
		if err != nil {
			// The batch never completed; the leases will bring the tasks back.
			return false, err
		}
	case radar.TaskScan:
		results = w.prober.ProbeAll(ctx, tasks)
	}

	summary, err := w.queue.SubmitResults(ctx, results)
	if err != nil {
		return false, err
	}
	telemetry.ObserveSubmission(summary.Accepted, summary.Requeued, summary.Dropped)
	w.logger.Debug("worked batch",
		zap.String("kind", string(kind)),
		zap.Int("tasks", len(tasks)),
		zap.Int("accepted", summary.Accepted),
		zap.Int("requeued", summary.Requeued),
		zap.Int("dropped", summary.Dropped),
	)

	// Address lookups are the rate-limited path; honor the adaptive delay
	// before going back for more.
	if kind == radar.TaskAddress {
		if err := w.resolver.Pause(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return true, err
		}
	}
	return true, nil
}

// preferredKind keeps workers on address resolution until most known ids
// have one, then shifts them to scanning. Errors fall back to address work.
func (w *Worker) preferredKind(ctx context.Context) radar.TaskKind {
	counters, err := w.queue.Stats(ctx)
	if err != nil || counters.Known == 0 {
		return radar.TaskAddress
	}
	resolved, err := w.identity.ResolvedCount(ctx)
	if err != nil {
		return radar.TaskAddress
	}
	if float64(resolved)/float64(counters.Known) < w.cfg.AddressPriorityRatio {
		return radar.TaskAddress
	}
	return radar.TaskScan
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
