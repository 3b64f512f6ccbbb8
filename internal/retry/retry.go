package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// Policy is a bounded exponential backoff for transient exchange errors
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	logger zerolog.Logger
}

// NewPolicy creates a retry policy, filling in defaults for zero values
func NewPolicy(maxAttempts int, initial, max time.Duration) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2,
		logger:          log.With().Str("component", "retry").Logger(),
	}
}

func (p *Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func (p *Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		p.logger.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Transient error, retrying")
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err != nil && ctx.Err() != nil && models.IsRetryable(err) {
		return ctx.Err()
	}
	return err
}

// Schedule returns the waits between attempts
func (p *Policy) Schedule() []time.Duration {
	b := p.backOff(context.Background())
	var waits []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return waits
		}
		waits = append(waits, d)
	}
}
