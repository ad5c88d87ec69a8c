// Package trigger is the workflow orchestrator. Each accepted dispatch
// becomes one WorkflowExecution and exactly one worker invocation; retry of
// failed dispatches belongs to the relay, never to the trigger.
package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
	"github.com/dropwire/dropwire/internal/worker"
)

//go:generate mockgen -destination=trigger_mock.go -package=trigger -source=trigger.go

type journal interface {
	Insert(ctx context.Context, e *Execution) error
	MarkRunning(ctx context.Context, id string) error
	Finish(ctx context.Context, id string, status Status, endedAt time.Time, detail string) error
}

type Manager struct {
	invoker worker.Invoker
	journal journal
}

type Config struct {
	// Worker is the downstream invocation handle. It is set once at
	// construction and never rewritten afterwards.
	Worker worker.Invoker
	// Journal records execution lifecycles.
	Journal journal
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Worker == nil {
		errGrp = append(errGrp, errors.New("worker invoker cannot be nil"))
	}
	if c.Journal == nil {
		errGrp = append(errGrp, errors.New("journal cannot be nil"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		invoker: cfg.Worker,
		journal: cfg.Journal,
	}, nil
}

// Dispatch runs the single-step workflow for one batch of change events. It
// journals a new PENDING execution, promotes it to RUNNING, invokes the
// worker exactly once, and maps the outcome to SUCCEEDED or FAILED. The
// worker error, if any, is returned
// unwrapped enough for the caller to classify it (worker.ErrUnavailable is
// retryable, worker.ErrRejected is not).
//
// Redelivered batches are not deduplicated here: each Dispatch call gets its
// own independent execution record, which is what makes overlapping
// redelivery after a relay crash safe to audit.
func (m *Manager) Dispatch(ctx context.Context, events []dropwire.ChangeEvent) (*Execution, error) {
	if len(events) == 0 {
		return nil, errors.New("dispatch requires at least one event")
	}

	exec := &Execution{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		InputPayload: events,
		StartedAt:    time.Now(),
	}
	if err := m.journal.Insert(ctx, exec); err != nil {
		return nil, err
	}
	if err := m.journal.MarkRunning(ctx, exec.ID); err != nil {
		return nil, err
	}
	exec.Status = StatusRunning

	log.Debug().
		Str("execution", exec.ID).
		Int("events", len(events)).
		Msg("workflow execution started")

	err := m.invoker.Invoke(ctx, buildPayload(exec.ID, events))

	exec.EndedAt = time.Now()
	if err != nil {
		exec.Status = StatusFailed
		exec.Detail = err.Error()
	} else {
		exec.Status = StatusSucceeded
	}

	if jErr := m.journal.Finish(ctx, exec.ID, exec.Status, exec.EndedAt, exec.Detail); jErr != nil {
		log.Error().Err(jErr).Str("execution", exec.ID).Msg("failed to journal execution outcome")
	}

	if err != nil {
		log.Warn().Err(err).Str("execution", exec.ID).Msg("workflow execution failed")
		return exec, err
	}
	return exec, nil
}

// buildPayload extracts the downstream item for each insert event. Events
// without a usable new image are skipped with a warning instead of failing
// the batch; the raw events ride along regardless so the worker can apply its
// own judgment.
func buildPayload(executionID string, events []dropwire.ChangeEvent) *worker.Payload {
	p := &worker.Payload{
		ExecutionID: executionID,
		Events:      events,
	}
	for _, ev := range events {
		if ev.Type != dropwire.EventInsert {
			continue
		}
		if ev.NewImage == nil || ev.NewImage.Key == "" {
			log.Warn().
				Str("partitionKey", ev.PartitionKey).
				Uint64("sequence", ev.SequenceNumber).
				Msg("skipping insert event with no new image")
			continue
		}
		p.Items = append(p.Items, worker.Item{
			Key:   ev.NewImage.Key,
			Owner: ev.NewImage.Attribute(dropwire.AttrOwner),
		})
	}
	return p
}
