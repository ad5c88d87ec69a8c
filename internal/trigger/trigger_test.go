package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dropwire/dropwire/internal/dropwire"
	"github.com/dropwire/dropwire/internal/worker"
)

type captureInvoker struct {
	payloads []*worker.Payload
	err      error
}

func (c *captureInvoker) Invoke(_ context.Context, p *worker.Payload) error {
	c.payloads = append(c.payloads, p)
	return c.err
}

func insertEvent(key, owner string, seq uint64) dropwire.ChangeEvent {
	return dropwire.ChangeEvent{
		Type:           dropwire.EventInsert,
		PartitionKey:   key,
		SequenceNumber: seq,
		NewImage: &dropwire.MetadataRecord{
			Key:        key,
			Attributes: map[string]string{dropwire.AttrOwner: owner},
		},
	}
}

func newTestTrigger(t *testing.T, inv worker.Invoker) (*Manager, *Journal) {
	t.Helper()
	j, err := NewJournal(&JournalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Stop() })

	m, err := New(&Config{Worker: inv, Journal: j})
	require.NoError(t, err)
	return m, j
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		m, err := New(&Config{})
		require.Error(t, err)
		require.Nil(t, m)
	})

	t.Run("valid config", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestTrigger(t, &captureInvoker{})
		require.NotNil(t, m)
	})
}

func TestManager_Dispatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("empty batch is rejected", func(t *testing.T) {
		t.Parallel()
		m, _ := newTestTrigger(t, &captureInvoker{})
		exec, err := m.Dispatch(ctx, nil)
		require.Error(t, err)
		require.Nil(t, exec)
	})

	t.Run("success invokes the worker exactly once", func(t *testing.T) {
		t.Parallel()
		inv := &captureInvoker{}
		m, j := newTestTrigger(t, inv)

		exec, err := m.Dispatch(ctx, []dropwire.ChangeEvent{insertEvent("a/1.txt", "u1", 1)})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, exec.Status)
		assert.NotEmpty(t, exec.ID)
		assert.False(t, exec.EndedAt.IsZero())

		require.Len(t, inv.payloads, 1)
		p := inv.payloads[0]
		assert.Equal(t, exec.ID, p.ExecutionID)
		require.Len(t, p.Items, 1)
		assert.Equal(t, "a/1.txt", p.Items[0].Key)
		assert.Equal(t, "u1", p.Items[0].Owner)

		stored, err := j.GetByID(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, stored.Status)
		require.Len(t, stored.InputPayload, 1)
	})

	t.Run("worker failure maps to a failed terminal state", func(t *testing.T) {
		t.Parallel()
		inv := &captureInvoker{err: worker.ErrUnavailable}
		m, j := newTestTrigger(t, inv)

		exec, err := m.Dispatch(ctx, []dropwire.ChangeEvent{insertEvent("a/1.txt", "u1", 1)})
		require.ErrorIs(t, err, worker.ErrUnavailable)
		require.NotNil(t, exec)
		assert.Equal(t, StatusFailed, exec.Status)
		assert.NotEmpty(t, exec.Detail)

		stored, err := j.GetByID(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)

		// Exactly one invocation; the trigger never retries internally.
		assert.Len(t, inv.payloads, 1)
	})

	t.Run("overlapping redelivery produces independent executions", func(t *testing.T) {
		t.Parallel()
		inv := &captureInvoker{}
		m, j := newTestTrigger(t, inv)

		batch := []dropwire.ChangeEvent{insertEvent("a/1.txt", "u1", 1)}
		first, err := m.Dispatch(ctx, batch)
		require.NoError(t, err)
		second, err := m.Dispatch(ctx, batch)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		count, err := j.CountByStatus(ctx, StatusSucceeded)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("executions pass through pending before running", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		j := NewMockjournal(ctrl)
		inv := &captureInvoker{}
		m, err := New(&Config{Worker: inv, Journal: j})
		require.NoError(t, err)

		gomock.InOrder(
			j.EXPECT().Insert(gomock.Any(), gomock.Any()).
				DoAndReturn(func(_ context.Context, e *Execution) error {
					assert.Equal(t, StatusPending, e.Status)
					return nil
				}),
			j.EXPECT().MarkRunning(gomock.Any(), gomock.Any()).Return(nil),
			j.EXPECT().Finish(gomock.Any(), gomock.Any(), StatusSucceeded, gomock.Any(), "").Return(nil),
		)

		exec, err := m.Dispatch(ctx, []dropwire.ChangeEvent{insertEvent("a/1.txt", "u1", 1)})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, exec.Status)
		assert.Len(t, inv.payloads, 1)
	})

	t.Run("journal insert failure aborts before the worker runs", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		j := NewMockjournal(ctrl)
		inv := &captureInvoker{}
		m, err := New(&Config{Worker: inv, Journal: j})
		require.NoError(t, err)

		j.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

		exec, err := m.Dispatch(ctx, []dropwire.ChangeEvent{insertEvent("a/1.txt", "u1", 1)})
		require.Error(t, err)
		require.Nil(t, exec)
		assert.Empty(t, inv.payloads)
	})

	t.Run("promotion failure aborts before the worker runs", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		j := NewMockjournal(ctrl)
		inv := &captureInvoker{}
		m, err := New(&Config{Worker: inv, Journal: j})
		require.NoError(t, err)

		j.EXPECT().Insert(gomock.Any(), gomock.Any()).Return(nil)
		j.EXPECT().MarkRunning(gomock.Any(), gomock.Any()).Return(errors.New("db locked"))

		exec, err := m.Dispatch(ctx, []dropwire.ChangeEvent{insertEvent("a/1.txt", "u1", 1)})
		require.Error(t, err)
		require.Nil(t, exec)
		assert.Empty(t, inv.payloads)
	})

	t.Run("events without a new image are skipped from items", func(t *testing.T) {
		t.Parallel()
		inv := &captureInvoker{}
		m, _ := newTestTrigger(t, inv)

		events := []dropwire.ChangeEvent{
			{Type: dropwire.EventInsert, PartitionKey: "broken", SequenceNumber: 1},
			insertEvent("a/2.txt", "u2", 2),
		}
		_, err := m.Dispatch(ctx, events)
		require.NoError(t, err)

		require.Len(t, inv.payloads, 1)
		require.Len(t, inv.payloads[0].Items, 1)
		assert.Equal(t, "a/2.txt", inv.payloads[0].Items[0].Key)
		// The raw events still ride along in full.
		assert.Len(t, inv.payloads[0].Events, 2)
	})
}

func TestJournal_MarkRunning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, err := NewJournal(&JournalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Stop() })

	t.Run("unknown execution", func(t *testing.T) {
		require.ErrorIs(t, j.MarkRunning(ctx, "missing"), ErrExecutionNotFound)
	})

	t.Run("promotes pending exactly once", func(t *testing.T) {
		exec := &Execution{ID: "e2", Status: StatusPending, StartedAt: time.Now()}
		require.NoError(t, j.Insert(ctx, exec))

		require.NoError(t, j.MarkRunning(ctx, "e2"))
		stored, err := j.GetByID(ctx, "e2")
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, stored.Status)

		// Already running; a second promotion has nothing to promote.
		require.Error(t, j.MarkRunning(ctx, "e2"))

		pending, err := j.CountByStatus(ctx, StatusPending)
		require.NoError(t, err)
		assert.Zero(t, pending)
	})
}

func TestJournal_Finish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	j, err := NewJournal(&JournalConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Stop() })

	t.Run("unknown execution", func(t *testing.T) {
		err := j.Finish(ctx, "missing", StatusSucceeded, time.Now(), "")
		require.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("terminal executions are immutable", func(t *testing.T) {
		exec := &Execution{ID: "e1", Status: StatusRunning, StartedAt: time.Now()}
		require.NoError(t, j.Insert(ctx, exec))
		require.NoError(t, j.Finish(ctx, "e1", StatusSucceeded, time.Now(), ""))

		err := j.Finish(ctx, "e1", StatusFailed, time.Now(), "late failure")
		require.Error(t, err)

		stored, err := j.GetByID(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, stored.Status)
	})
}
