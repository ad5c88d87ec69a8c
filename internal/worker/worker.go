// Package worker defines the invocation contract between the workflow
// trigger and the downstream processing worker, plus the HTTP client that
// fulfills it in production.
package worker

import (
	"context"
	"errors"

	"github.com/dropwire/dropwire/internal/dropwire"
)

var (
	// ErrUnavailable marks a transient infrastructure fault. The caller
	// should retry with backoff.
	ErrUnavailable = errors.New("worker unavailable")
	// ErrRejected marks a payload the worker refused. Retrying without
	// correcting the payload is pointless; route it to the dead letter.
	ErrRejected = errors.New("worker rejected payload")
)

// Item is the per-record shape the downstream system consumes: the stored
// file path and the owning user.
type Item struct {
	Key   string `json:"file_path"`
	Owner string `json:"user_id"`
}

// Payload is one worker invocation's input: the extracted items alongside the
// raw change events they came from. ExecutionID identifies the workflow
// execution and lets idempotent workers deduplicate redeliveries.
type Payload struct {
	ExecutionID string                 `json:"execution_id"`
	Items       []Item                 `json:"items"`
	Events      []dropwire.ChangeEvent `json:"events"`
}

// Invoker performs exactly one unit of downstream work per call.
type Invoker interface {
	Invoke(ctx context.Context, p *Payload) error
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, p *Payload) error

func (f InvokerFunc) Invoke(ctx context.Context, p *Payload) error {
	return f(ctx, p)
}
