package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jkaninda/kazi/internal/domain"
)

// RetryConfig tunes Retrying. Zero values select defaults.
type RetryConfig struct {
	MaxTries        uint          // attempts including the first (default 4)
	InitialInterval time.Duration // first backoff (default 500ms)
	MaxInterval     time.Duration // backoff cap (default 10s)
	MaxElapsed      time.Duration // give up after (default 2m)
	CallTimeout     time.Duration // per-attempt timeout (default 120s)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxTries == 0 {
		c.MaxTries = 4
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = 2 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	return c
}

// Observer receives one notification per completion call (metrics hook).
type Observer interface {
	CompletionFinished(provider, model string, usage Usage, duration time.Duration, err error)
}

// Retrying wraps a Completer with per-call timeouts and exponential backoff
// on transient errors. Exhausted retries surface domain.ErrCompletionUnavailable.
type Retrying struct {
	next     Completer
	cfg      RetryConfig
	observer Observer
	logger   *slog.Logger
}

var _ Completer = (*Retrying)(nil)

// WithRetry wraps next.
func WithRetry(next Completer, cfg RetryConfig, logger *slog.Logger) *Retrying {
	return &Retrying{next: next, cfg: cfg.withDefaults(), logger: logger}
}

// WithObserver sets a metrics observer.
func (r *Retrying) WithObserver(o Observer) *Retrying {
	r.observer = o
	return r
}

// Capabilities returns the wrapped completer's capabilities.
func (r *Retrying) Capabilities() Capabilities { return r.next.Capabilities() }

// Complete calls the wrapped completer with retries.
func (r *Retrying) Complete(ctx context.Context, req *Request) (*Response, error) {
	return r.retry(ctx, "complete", func(actx context.Context) (*Response, error) {
		return r.next.Complete(actx, req)
	})
}

// CompleteStructured calls the wrapped completer with retries.
func (r *Retrying) CompleteStructured(ctx context.Context, req *Request, schema Schema, out any) (*Response, error) {
	return r.retry(ctx, "complete_structured", func(actx context.Context) (*Response, error) {
		return r.next.CompleteStructured(actx, req, schema, out)
	})
}

// Stream retries only while nothing has been forwarded to out; a failure
// after the first delta is returned as is.
func (r *Retrying) Stream(ctx context.Context, req *Request, out chan<- StreamEvent) (*Response, error) {
	var emitted atomic.Bool
	return r.retry(ctx, "stream", func(actx context.Context) (*Response, error) {
		inner := make(chan StreamEvent)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range inner {
				if Send(ctx, out, ev) == nil {
					emitted.Store(true)
				}
			}
		}()
		resp, err := r.next.Stream(actx, req, inner)
		close(inner)
		<-done
		if err != nil && emitted.Load() {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	})
}

func (r *Retrying) retry(ctx context.Context, op string, call func(context.Context) (*Response, error)) (*Response, error) {
	caps := r.next.Capabilities()
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := 0
	var lastErr error
	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		resp, err := call(actx)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 && apiErr.RetryAfter <= r.cfg.MaxInterval {
			return nil, backoff.RetryAfter(int(apiErr.RetryAfter / time.Second))
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.WarnContext(ctx, "completion failed, retrying",
				slog.String("provider", caps.Provider),
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		}),
	)

	var usage Usage
	if resp != nil {
		usage = resp.Usage
		resp.Latency = time.Since(start)
	}
	if r.observer != nil {
		r.observer.CompletionFinished(caps.Provider, caps.Model, usage, time.Since(start), err)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if lastErr != nil {
			err = lastErr
		}
		if IsRetryable(err) {
			return nil, fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrCompletionUnavailable, caps.Provider, attempt, err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %v", domain.ErrCompletionUnavailable, err)
		}
		return nil, err
	}
	return resp, nil
}
