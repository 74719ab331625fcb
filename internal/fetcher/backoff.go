package fetcher

import (
	"sync"
	"time"

	"github.com/fxradar/fxradar/internal/radar"
)

// Backoff defaults. The upstream lookup endpoint rate limits aggressively, so
// the floor stays high and growth is immediate on any 429.
const (
	DefaultFloor   = 5 * time.Second
	DefaultCeiling = 60 * time.Second

	growFactor       = 2.0
	decayFactor      = 0.8
	successThreshold = 0.5
)

// BackoffConfig bounds the adaptive inter-batch delay.
type BackoffConfig struct {
	Floor   time.Duration
	Ceiling time.Duration
}

// Backoff is the adaptive delay controller between lookup batches. The delay
// doubles when a batch saw any rate limiting or under half its lookups
// succeeded, and decays by 20% otherwise. It never leaves [Floor, Ceiling].
type Backoff struct {
	mu    sync.Mutex
	cfg   BackoffConfig
	delay time.Duration
}

// NewBackoff builds a controller starting at the floor delay.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = DefaultCeiling
	}
	return &Backoff{cfg: cfg, delay: cfg.Floor}
}

// Delay returns the current inter-batch delay.
func (b *Backoff) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Observe folds one batch of lookup outcomes into the delay and returns the
// new value. An empty batch leaves the delay unchanged.
func (b *Backoff) Observe(outcomes []radar.Outcome) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(outcomes) == 0 {
		return b.delay
	}

	successes := 0
	rateLimited := false
	for _, o := range outcomes {
		switch o {
		case radar.OutcomeSuccess:
			successes++
		case radar.OutcomeRateLimited:
			rateLimited = true
		}
	}

	ratio := float64(successes) / float64(len(outcomes))
	if rateLimited || ratio < successThreshold {
		b.delay = min(time.Duration(float64(b.delay)*growFactor), b.cfg.Ceiling)
	} else {
		b.delay = max(time.Duration(float64(b.delay)*decayFactor), b.cfg.Floor)
	}
	return b.delay
}
