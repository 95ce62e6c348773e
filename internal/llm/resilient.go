package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Resilient wraps a ChatModel with rate limiting, exponential-backoff retry
// and a circuit breaker. Streaming calls retry only the stream initiation;
// once deltas are flowing, a failure surfaces on the stream itself.
type Resilient struct {
	model   ChatModel
	limiter *rate.Limiter
	breaker *CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger
}

// ResilientOption configures a Resilient wrapper.
type ResilientOption func(*Resilient)

// WithRateLimit sets a token-bucket rate limit for model calls.
func WithRateLimit(rps float64, burst int) ResilientOption {
	return func(r *Resilient) {
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry overrides the retry configuration.
func WithRetry(cfg RetryConfig) ResilientOption {
	return func(r *Resilient) { r.retry = cfg }
}

// WithCircuitBreaker overrides the circuit breaker configuration.
func WithCircuitBreaker(cfg CircuitBreakerConfig) ResilientOption {
	return func(r *Resilient) { r.breaker = NewCircuitBreaker(cfg) }
}

// NewResilient wraps model with retry, rate limiting and a circuit breaker.
func NewResilient(model ChatModel, logger *slog.Logger, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		model:   model,
		breaker: NewCircuitBreaker(CircuitBreakerConfig{}),
		retry:   DefaultRetryConfig(),
		logger:  logger.With("component", "llm"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Chat executes a synchronous completion with the full resilience stack.
func (r *Resilient) Chat(ctx context.Context, system string, history []Message, cfg GenConfig) (string, error) {
	var out string
	err := r.execute(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = r.model.Chat(ctx, system, history, cfg)
		if callErr == nil && out == "" {
			return ErrEmptyResponse
		}
		return callErr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ChatStream starts a streaming completion. Only stream initiation is retried.
func (r *Resilient) ChatStream(ctx context.Context, system string, history []Message, cfg GenConfig) (<-chan StreamChunk, error) {
	var stream <-chan StreamChunk
	err := r.execute(ctx, func(ctx context.Context) error {
		var callErr error
		stream, callErr = r.model.ChatStream(ctx, system, history, cfg)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// execute runs fn with rate limiting on each attempt, circuit breaker
// accounting and exponential backoff between retryable failures.
func (r *Resilient) execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	delay := r.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if err := r.breaker.Allow(); err != nil {
			return err
		}

		// Rate limit each attempt, not just the first.
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}

		err := fn(ctx)
		if err == nil {
			r.breaker.Success()
			r.logger.Debug("model call succeeded",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return nil
		}

		lastErr = err
		r.breaker.Failure()

		if !retryableError(err) {
			return fmt.Errorf("model call: %w", err)
		}

		if attempt == r.retry.MaxRetries {
			break
		}

		r.logger.Debug("retrying after error",
			"attempt", attempt+1,
			"delay", delay,
			"elapsed", time.Since(start),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, r.retry.MaxInterval)
		}
	}

	return fmt.Errorf("model call after %d retries (elapsed: %v): %w",
		r.retry.MaxRetries, time.Since(start), lastErr)
}
