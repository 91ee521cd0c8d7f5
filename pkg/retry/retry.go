// Package retry re-runs idempotent storage operations that fail with
// transient errors.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.mongodb.org/mongo-driver/mongo"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64 // 0.0-1.0, fraction of the delay randomised in both directions

	// OnRetry, when set, is called before each wait with the failed
	// attempt number (starting at 1), its error and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns the settings used for database writes and startup
// pings: 3 retries from 100ms, doubling, capped at 5s, with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// backoff yields successive delays for one retry loop.
type backoff struct {
	cfg  *Config
	next time.Duration
}

func (b *backoff) delay() time.Duration {
	d := b.next
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.cfg.MaxDelay > 0 && b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	if b.cfg.JitterFactor <= 0 || d <= 0 {
		return d
	}
	jitter := float64(d) * b.cfg.JitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(d) + jitter)
}

// Do executes fn until it succeeds, retrying on any error.
// Returns the last error once retries are exhausted, or ctx.Err() if the
// context ends during a wait.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	return run(ctx, cfg, fn, func(error) bool { return true })
}

// DoIfRetryable executes fn like Do but returns immediately on errors that
// IsRetryable rejects (constraint violations, domain errors, bad queries).
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	return run(ctx, cfg, fn, IsRetryable)
}

func run(ctx context.Context, cfg *Config, fn func() error, retryable func(error) bool) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	b := &backoff{cfg: cfg, next: cfg.InitialDelay}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt > cfg.MaxRetries || !retryable(err) {
			return err
		}

		wait := b.delay()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// RetryableError is implemented by errors that declare their own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

// retryablePatterns are substrings of transient database and network errors
// not otherwise classified by the drivers.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"too many connections",
	"server selection error",
	"the database system is starting up",
	"the database system is shutting down",
	"deadlock",
	"could not serialize access",
	"writeconflict",
}

// IsRetryable reports whether err is transient. An error declaring
// RetryableError decides for itself; otherwise driver classification
// (MongoDB network, timeout and TransientTransactionError, pgconn
// SafeToRetry) is consulted before falling back to message patterns.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError") {
		return true
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
