package backoff

import (
	"math/rand/v2"
	"time"
)

// Config controls the reconnect delay schedule.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Factor     float64
	JitterFrac float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultConfig returns the schedule used for remote backend reconnects.
func DefaultConfig() Config {
	return Config{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Factor:     2.0,
		JitterFrac: 0.3,
	}
}

// Backoff produces successive jittered, exponentially growing delays.
// It is not safe for concurrent use.
type Backoff struct {
	cfg  Config
	next time.Duration
}

// New returns a Backoff positioned at cfg.Initial. Zero fields fall back to
// DefaultConfig.
func New(cfg Config) *Backoff {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.JitterFrac < 0 {
		cfg.JitterFrac = 0
	}
	return &Backoff{cfg: cfg, next: cfg.Initial}
}

// Next returns the delay to wait before the next attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	d := applyJitter(b.next, b.cfg.JitterFrac)

	b.next = time.Duration(float64(b.next) * b.cfg.Factor)
	if b.next > b.cfg.Max {
		b.next = b.cfg.Max
	}
	return d
}

// Reset rewinds the schedule after a successful attempt.
func (b *Backoff) Reset() {
	b.next = b.cfg.Initial
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
