// Package queue implements the shared task queue: two pending queues keyed
// by task kind, a lease-stamped processing set, and incrementally maintained
// counters. All coordination between worker processes happens through the
// atomic primitives of the backing store; there is no other shared state.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fxradar/fxradar/internal/identity"
	"github.com/fxradar/fxradar/internal/kv"
	"github.com/fxradar/fxradar/internal/radar"
)

// DefaultLease is how long a claimed task stays exclusive before it is
// eligible for reclamation.
const DefaultLease = 90 * time.Second

// ResultSink folds completed scan payloads into the aggregate index.
type ResultSink interface {
	Fold(ctx context.Context, results []radar.ScanResult) error
}

// Config controls queue behavior.
type Config struct {
	// LeaseDuration bounds a worker's exclusive claim.
	LeaseDuration time.Duration
	// MaxAttempts parks an id in the unavailable set after this many
	// consecutive failures. Zero means retry forever.
	MaxAttempts int
}

// Queue is the task state machine shared by every worker process.
type Queue struct {
	kv       kv.Provider
	identity *identity.Store
	sink     ResultSink
	clock    radar.Clock
	logger   *zap.Logger
	cfg      Config
}

// EnqueueSummary reports what an enqueue pass did.
type EnqueueSummary struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// SubmitSummary reports what a submit pass did.
type SubmitSummary struct {
	Accepted int `json:"accepted"`
	Requeued int `json:"requeued"`
	Dropped  int `json:"dropped"`
}

// New constructs a Queue.
func New(
	provider kv.Provider,
	ident *identity.Store,
	sink ResultSink,
	clock radar.Clock,
	cfg Config,
	logger *zap.Logger,
) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		kv:       provider,
		identity: ident,
		sink:     sink,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
	}
}

// EnqueueAddresses queues every id lacking a fresh address mapping for
// resolution. Idempotent: rerunning with the same input adds nothing new.
func (q *Queue) EnqueueAddresses(ctx context.Context, ids []string) (EnqueueSummary, error) {
	summary := EnqueueSummary{}
	now := q.clock.Now()
	for _, id := range ids {
		if id == "" {
			summary.Skipped++
			continue
		}
		if _, err := q.kv.SAdd(ctx, kv.KeyKnown, id); err != nil {
			return summary, fmt.Errorf("register known id: %w", err)
		}
		fresh, err := q.identity.Fresh(ctx, id, now)
		if err != nil {
			return summary, fmt.Errorf("freshness check: %w", err)
		}
		if fresh || q.inProcessing(ctx, id) {
			summary.Skipped++
			continue
		}
		added, err := q.kv.SAdd(ctx, kv.KeyPendingAddress, id)
		if err != nil {
			return summary, fmt.Errorf("enqueue address task: %w", err)
		}
		if added == 0 {
			summary.Skipped++
			continue
		}
		summary.Added++
	}
	return summary, nil
}

// EnqueueScans queues every id holding a fresh address mapping and no active
// scan task. Returns how many ids were queued.
func (q *Queue) EnqueueScans(ctx context.Context) (int, error) {
	now := q.clock.Now()
	times, err := q.kv.HGetAll(ctx, kv.KeyAddressTimes)
	if err != nil {
		return 0, fmt.Errorf("list mappings: %w", err)
	}
	queued := 0
	for id, raw := range times {
		unix, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || now.Sub(time.Unix(unix, 0)) >= q.identity.Freshness() {
			continue
		}
		// A mapping may outlive its id when a forget pass races a resolve;
		// only ids still known upstream get scan work.
		known, err := q.kv.SIsMember(ctx, kv.KeyKnown, id)
		if err != nil {
			return queued, fmt.Errorf("check known id: %w", err)
		}
		if !known {
			continue
		}
		if q.inProcessing(ctx, id) {
			continue
		}
		added, err := q.kv.SAdd(ctx, kv.KeyPendingScan, id)
		if err != nil {
			return queued, fmt.Errorf("enqueue scan task: %w", err)
		}
		queued += int(added)
	}
	return queued, nil
}

// Forget erases every queue-side trace of ids that no longer exist upstream:
// set memberships, any live claim, attempts, status with its counter, and the
// address mapping. Clearing the claim makes an in-flight worker's submit a
// late submission, dropped like any other reclaimed lease.
func (q *Queue) Forget(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		sets := []string{kv.KeyKnown, kv.KeyPendingAddress, kv.KeyPendingScan, kv.KeyUnavailable}
		for _, key := range sets {
			if _, err := q.kv.SRem(ctx, key, id); err != nil {
				return fmt.Errorf("forget set member: %w", err)
			}
		}
		if _, err := q.kv.HDel(ctx, kv.KeyProcessing, id); err != nil {
			return fmt.Errorf("forget claim: %w", err)
		}
		if _, err := q.kv.HDel(ctx, kv.KeyAttempts, id); err != nil {
			return fmt.Errorf("forget attempts: %w", err)
		}
		if err := q.clearStatus(ctx, id); err != nil {
			return err
		}
		if err := q.identity.Forget(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// clearStatus removes id's status entry and keeps the online/offline
// counters equal to the surviving ids in each state.
func (q *Queue) clearStatus(ctx context.Context, id string) error {
	raw, err := q.kv.HGet(ctx, kv.KeyStatus, id)
	if errors.Is(err, kv.ErrMissing) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if _, err := q.kv.HDel(ctx, kv.KeyStatus, id); err != nil {
		return fmt.Errorf("clear status: %w", err)
	}
	var key string
	switch radar.ServerStatus(raw) {
	case radar.StatusOnline:
		key = kv.KeyCountOnline
	case radar.StatusOffline:
		key = kv.KeyCountOffline
	default:
		return nil
	}
	if _, err := q.kv.IncrBy(ctx, key, -1); err != nil {
		return fmt.Errorf("adjust status counter: %w", err)
	}
	return nil
}

// ClaimBatch atomically moves up to maxItems ids from the preferred pending
// queue into the processing set, stamped with the lease expiry. Falls back
// to the other kind when the preferred queue is empty. An empty batch is a
// normal outcome, not an error. Stale leases are reclaimed opportunistically
// before claiming.
func (q *Queue) ClaimBatch(
	ctx context.Context,
	workerID string,
	preferred radar.TaskKind,
	maxItems int,
) ([]radar.Task, error) {
	if !preferred.Valid() {
		return nil, fmt.Errorf("claim batch: unknown task kind %q", preferred)
	}
	if maxItems <= 0 {
		return nil, nil
	}
	if reclaimed, err := q.ReclaimStale(ctx); err != nil {
		q.logger.Warn("stale reclaim before claim failed", zap.Error(err))
	} else if reclaimed > 0 {
		q.logger.Info("reclaimed stale tasks", zap.Int("count", reclaimed))
	}

	kind := preferred
	ids, err := q.claim(ctx, kind, workerID, maxItems)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		kind = otherKind(preferred)
		if ids, err = q.claim(ctx, kind, workerID, maxItems); err != nil {
			return nil, err
		}
	}

	lease := q.clock.Now().Add(q.cfg.LeaseDuration)
	tasks := make([]radar.Task, 0, len(ids))
	for _, id := range ids {
		task := radar.Task{
			ServerID:   id,
			Kind:       kind,
			WorkerID:   workerID,
			LeaseUntil: lease,
			Attempt:    q.attempts(ctx, id),
		}
		if kind == radar.TaskScan {
			mapping, lookupErr := q.identity.Lookup(ctx, id)
			if lookupErr == nil {
				task.Address = mapping.Address
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SubmitResults removes each result's id from the processing set and either
// records the outcome or requeues the task. Results for ids not currently in
// processing are dropped: they are late submissions from reclaimed leases.
func (q *Queue) SubmitResults(ctx context.Context, results []radar.ScanResult) (SubmitSummary, error) {
	summary := SubmitSummary{}
	now := q.clock.Now()
	var folds []radar.ScanResult

	for _, res := range results {
		if res.ServerID == "" || !res.Kind.Valid() {
			summary.Dropped++
			continue
		}
		removed, err := q.kv.HDel(ctx, kv.KeyProcessing, res.ServerID)
		if err != nil {
			return summary, fmt.Errorf("release claim: %w", err)
		}
		if removed == 0 {
			summary.Dropped++
			continue
		}
		if res.OK() {
			if err := q.acceptResult(ctx, res, now, &folds); err != nil {
				return summary, err
			}
			summary.Accepted++
			continue
		}
		requeued, err := q.requeueOrPark(ctx, res)
		if err != nil {
			return summary, err
		}
		if requeued {
			summary.Requeued++
		} else {
			summary.Dropped++
		}
	}

	if len(folds) > 0 && q.sink != nil {
		if err := q.sink.Fold(ctx, folds); err != nil {
			return summary, fmt.Errorf("fold scan results: %w", err)
		}
	}
	return summary, nil
}

// ReclaimStale returns every processing entry with an expired lease to its
// pending queue. Exactly once: the HDel winner performs the requeue, so a
// concurrent reclaim pass cannot duplicate a task.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	entries, err := q.kv.HGetAll(ctx, kv.KeyProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing: %w", err)
	}
	now := q.clock.Now()
	reclaimed := 0
	for id, stamp := range entries {
		kind, _, leaseUntil, parseErr := parseStamp(stamp)
		if parseErr != nil {
			q.logger.Warn("dropping unparseable lease stamp",
				zap.String("server_id", id), zap.String("stamp", stamp))
			kind = radar.TaskAddress
			leaseUntil = time.Time{}
		}
		if now.Before(leaseUntil) {
			continue
		}
		removed, err := q.kv.HDel(ctx, kv.KeyProcessing, id)
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim release: %w", err)
		}
		if removed == 0 {
			continue
		}
		if _, err := q.kv.SAdd(ctx, pendingKey(kind), id); err != nil {
			return reclaimed, fmt.Errorf("reclaim requeue: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Stats reads the aggregate counters. Every value is an O(1) read; no id set
// is ever enumerated here.
func (q *Queue) Stats(ctx context.Context) (radar.QueueCounters, error) {
	var counters radar.QueueCounters
	reads := []struct {
		dst  *int64
		read func() (int64, error)
	}{
		{&counters.Known, func() (int64, error) { return q.kv.SCard(ctx, kv.KeyKnown) }},
		{&counters.PendingAddress, func() (int64, error) { return q.kv.SCard(ctx, kv.KeyPendingAddress) }},
		{&counters.PendingScan, func() (int64, error) { return q.kv.SCard(ctx, kv.KeyPendingScan) }},
		{&counters.Processing, func() (int64, error) { return q.kv.HLen(ctx, kv.KeyProcessing) }},
		{&counters.Scanned, func() (int64, error) { return q.kv.GetInt(ctx, kv.KeyCountScanned) }},
		{&counters.Online, func() (int64, error) { return q.kv.GetInt(ctx, kv.KeyCountOnline) }},
		{&counters.Offline, func() (int64, error) { return q.kv.GetInt(ctx, kv.KeyCountOffline) }},
		{&counters.Unavailable, func() (int64, error) { return q.kv.SCard(ctx, kv.KeyUnavailable) }},
	}
	for _, r := range reads {
		val, err := r.read()
		if err != nil {
			return radar.QueueCounters{}, fmt.Errorf("read counters: %w", err)
		}
		*r.dst = val
	}
	return counters, nil
}

func (q *Queue) claim(ctx context.Context, kind radar.TaskKind, workerID string, n int) ([]string, error) {
	stamp := formatStamp(kind, workerID, q.clock.Now().Add(q.cfg.LeaseDuration))
	ids, err := q.kv.Claim(ctx, pendingKey(kind), kv.KeyProcessing, int64(n), stamp)
	if err != nil {
		return nil, fmt.Errorf("claim %s batch: %w", kind, err)
	}
	return ids, nil
}

func (q *Queue) acceptResult(
	ctx context.Context,
	res radar.ScanResult,
	now time.Time,
	folds *[]radar.ScanResult,
) error {
	if _, err := q.kv.HDel(ctx, kv.KeyAttempts, res.ServerID); err != nil {
		return fmt.Errorf("clear attempts: %w", err)
	}
	if _, err := q.kv.SRem(ctx, kv.KeyUnavailable, res.ServerID); err != nil {
		return fmt.Errorf("unpark id: %w", err)
	}
	switch res.Kind {
	case radar.TaskAddress:
		if err := q.identity.Record(ctx, res.ServerID, res.Address, now); err != nil {
			return err
		}
	case radar.TaskScan:
		if err := q.recordStatus(ctx, res); err != nil {
			return err
		}
		if _, err := q.kv.IncrBy(ctx, kv.KeyCountScanned, 1); err != nil {
			return fmt.Errorf("count scan: %w", err)
		}
		*folds = append(*folds, res)
	}
	return nil
}

// recordStatus transitions the per-id status and keeps the online/offline
// counters in step. The id is exclusively ours between claim and submit, so
// the read-then-write on its own status field cannot race another worker.
func (q *Queue) recordStatus(ctx context.Context, res radar.ScanResult) error {
	next := radar.StatusOffline
	if res.Online {
		next = radar.StatusOnline
	}
	prevRaw, err := q.kv.HGet(ctx, kv.KeyStatus, res.ServerID)
	if err != nil && !errors.Is(err, kv.ErrMissing) {
		return fmt.Errorf("read status: %w", err)
	}
	prev := radar.ServerStatus(prevRaw)
	if prev == next {
		return nil
	}
	if err := q.kv.HSet(ctx, kv.KeyStatus, map[string]string{res.ServerID: string(next)}); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	for status, delta := range map[radar.ServerStatus]int64{prev: -1, next: 1} {
		var key string
		switch status {
		case radar.StatusOnline:
			key = kv.KeyCountOnline
		case radar.StatusOffline:
			key = kv.KeyCountOffline
		default:
			continue
		}
		if _, err := q.kv.IncrBy(ctx, key, delta); err != nil {
			return fmt.Errorf("adjust status counter: %w", err)
		}
	}
	return nil
}

func (q *Queue) requeueOrPark(ctx context.Context, res radar.ScanResult) (bool, error) {
	attempts, err := q.bumpAttempts(ctx, res.ServerID)
	if err != nil {
		return false, err
	}
	if q.cfg.MaxAttempts > 0 && attempts >= q.cfg.MaxAttempts {
		if _, err := q.kv.SAdd(ctx, kv.KeyUnavailable, res.ServerID); err != nil {
			return false, fmt.Errorf("park unavailable id: %w", err)
		}
		q.logger.Info("parked id after repeated failures",
			zap.String("server_id", res.ServerID), zap.Int("attempts", attempts))
		return false, nil
	}
	if _, err := q.kv.SAdd(ctx, pendingKey(res.Kind), res.ServerID); err != nil {
		return false, fmt.Errorf("requeue failed task: %w", err)
	}
	return true, nil
}

// bumpAttempts increments the per-id failure count. Safe despite the read:
// the claiming worker holds the id exclusively until submit.
func (q *Queue) bumpAttempts(ctx context.Context, id string) (int, error) {
	attempts := q.attempts(ctx, id) + 1
	err := q.kv.HSet(ctx, kv.KeyAttempts, map[string]string{id: strconv.Itoa(attempts)})
	if err != nil {
		return 0, fmt.Errorf("bump attempts: %w", err)
	}
	return attempts, nil
}

func (q *Queue) attempts(ctx context.Context, id string) int {
	raw, err := q.kv.HGet(ctx, kv.KeyAttempts, id)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (q *Queue) inProcessing(ctx context.Context, id string) bool {
	_, err := q.kv.HGet(ctx, kv.KeyProcessing, id)
	return err == nil
}

func pendingKey(kind radar.TaskKind) string {
	if kind == radar.TaskScan {
		return kv.KeyPendingScan
	}
	return kv.KeyPendingAddress
}

func otherKind(kind radar.TaskKind) radar.TaskKind {
	if kind == radar.TaskAddress {
		return radar.TaskScan
	}
	return radar.TaskAddress
}

func formatStamp(kind radar.TaskKind, workerID string, leaseUntil time.Time) string {
	return fmt.Sprintf("%s|%s|%d", kind, workerID, leaseUntil.Unix())
}

func parseStamp(stamp string) (radar.TaskKind, string, time.Time, error) {
	parts := strings.SplitN(stamp, "|", 3)
	if len(parts) != 3 {
		return "", "", time.Time{}, fmt.Errorf("malformed stamp %q", stamp)
	}
	kind := radar.TaskKind(parts[0])
	if !kind.Valid() {
		return "", "", time.Time{}, fmt.Errorf("unknown kind in stamp %q", stamp)
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("bad lease in stamp %q", stamp)
	}
	return kind, parts[1], time.Unix(unix, 0), nil
}
