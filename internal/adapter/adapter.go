// Package adapter defines a uniform interface for invoking one LLM
// back-end, with retry-with-cap on transient errors and fast failure on
// permanent ones.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrorKind classifies an Invoke failure so the orchestrator can decide
// whether to retry or isolate the participant for the round.
type ErrorKind string

const (
	ErrTimeout        ErrorKind = "timeout"
	ErrTransport      ErrorKind = "transport_error"
	ErrAuth           ErrorKind = "auth_error"
	ErrInvalidModel   ErrorKind = "invalid_model"
	ErrRateLimited    ErrorKind = "rate_limited"
)

// InvokeError wraps an adapter failure with its classification. Callers
// use errors.As to recover Kind.
type InvokeError struct {
	Kind ErrorKind
	Err  error
}

func (e *InvokeError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// retryable reports whether the error kind should be retried with
// backoff: any transient transport error is internally retried;
// permanent errors fail fast.
func retryable(kind ErrorKind) bool {
	switch kind {
	case ErrTimeout, ErrTransport, ErrRateLimited:
		return true
	default:
		return false
	}
}

// Adapter abstracts invocation of one LLM back-end.
type Adapter interface {
	// Name identifies this adapter for Participant.AdapterName matching.
	Name() string
	// Invoke returns modelID's full response text for promptText, honoring
	// ctx's deadline/cancellation promptly. Output is returned raw — no
	// adapter-introduced structural wrapping.
	Invoke(ctx context.Context, modelID, promptText string) (string, error)
	// ValidatePromptLength reports whether promptText fits the adapter's
	// limit. A zero limit means no limit is enforced.
	ValidatePromptLength(promptText string) (ok bool, limit int)
}

// RetryPolicy configures the exponential-backoff-with-cap wrapper applied
// around every Invoke call.
type RetryPolicy struct {
	MaxElapsed      time.Duration // total time budget across all retries
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxElapsed == 0 {
		p.MaxElapsed = 60 * time.Second
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = 8 * time.Second
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 5
	}
	return p
}

// WithRetry wraps an Adapter so that Invoke retries transient failures
// (timeout, transport_error, rate_limited) with exponential backoff up to
// policy's cap, and fails fast on permanent ones (auth_error,
// invalid_model).
func WithRetry(inner Adapter, policy RetryPolicy) Adapter {
	return &retryingAdapter{inner: inner, policy: policy.withDefaults()}
}

type retryingAdapter struct {
	inner  Adapter
	policy RetryPolicy
}

func (r *retryingAdapter) Name() string { return r.inner.Name() }

func (r *retryingAdapter) ValidatePromptLength(promptText string) (bool, int) {
	return r.inner.ValidatePromptLength(promptText)
}

func (r *retryingAdapter) Invoke(ctx context.Context, modelID, promptText string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.InitialInterval
	bo.MaxInterval = r.policy.MaxInterval
	bo.MaxElapsedTime = r.policy.MaxElapsed
	bounded := backoff.WithMaxRetries(bo, r.policy.MaxRetries)
	withCtx := backoff.WithContext(bounded, ctx)

	var out string
	operation := func() error {
		var err error
		out, err = r.inner.Invoke(ctx, modelID, promptText)
		if err == nil {
			return nil
		}
		var ie *InvokeError
		if errors.As(err, &ie) && !retryable(ie.Kind) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, withCtx); err != nil {
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			return "", permErr.Err
		}
		return "", err
	}
	return out, nil
}

// Factory builds Adapters by name. Each name appearing as a
// Participant.AdapterName must resolve through a Factory or the
// orchestrator treats the participant as invalid_model.
type Factory struct {
	adapters map[string]Adapter
}

// NewFactory builds a Factory over a fixed set of adapters, keyed by
// their own Name().
func NewFactory(adapters ...Adapter) *Factory {
	f := &Factory{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		f.adapters[a.Name()] = a
	}
	return f
}

// Get resolves an adapter by name, or reports invalid_model.
func (f *Factory) Get(name string) (Adapter, error) {
	a, ok := f.adapters[name]
	if !ok {
		return nil, &InvokeError{Kind: ErrInvalidModel, Err: fmt.Errorf("no adapter registered for %q", name)}
	}
	return a, nil
}
