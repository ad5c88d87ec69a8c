package relay

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/changelog"
	"github.com/dropwire/dropwire/internal/deadletter"
	"github.com/dropwire/dropwire/internal/dropwire"
	"github.com/dropwire/dropwire/internal/worker"
)

// pollShard is the per-shard loop: seed a cursor, read, filter, dispatch,
// checkpoint, repeat. It returns nil when the shard is drained or the context
// is canceled, and an error only for faults that should stop the relay
// (a broken cursor store, an unknown shard).
func (m *Manager) pollShard(ctx context.Context, shardID string) error {
	it, err := m.seedIterator(ctx, shardID)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		events, next, err := m.log.GetRecords(it, m.batchSize)
		if errors.Is(err, changelog.ErrExpiredIterator) {
			// The retained range moved past us; events in the gap are gone.
			// Reseeding from TRIM_HORIZON is the documented recovery and the
			// loss is surfaced, never silent.
			m.metrics.expiredIterators.Inc()
			log.Warn().Str("shard", shardID).Msg("iterator expired; reseeding from trim horizon")
			if it, err = m.log.GetShardIterator(shardID, changelog.PositionTrimHorizon, 0); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if next == nil {
			// Shard closed and fully drained: hand its keys over to the
			// children created by the reshard.
			children := m.log.ChildShards(shardID)
			log.Info().Str("shard", shardID).Strs("children", children).Msg("shard drained")
			for _, child := range children {
				m.launch(child)
			}
			return nil
		}

		if len(events) == 0 {
			if !m.sleep(ctx) {
				return nil
			}
			it = next
			continue
		}

		batch := m.filter(events)
		lastSeq := events[len(events)-1].SequenceNumber

		if len(batch) > 0 {
			advanced, err := m.dispatchBatch(ctx, shardID, batch)
			if err != nil {
				return err
			}
			if !advanced {
				// Stall: same iterator, same batch, next round.
				if !m.sleep(ctx) {
					return nil
				}
				continue
			}
		}

		// The cursor moves for discarded events too; a filtered-out MODIFY is
		// never redelivered. Saves run even during shutdown so an acknowledged
		// batch is not replayed on the next start.
		if err := m.cursors.Save(context.WithoutCancel(ctx), shardID, lastSeq); err != nil {
			return err
		}
		it = next
	}
}

// seedIterator resumes from the shard's checkpoint when one exists, otherwise
// from the configured start position.
func (m *Manager) seedIterator(ctx context.Context, shardID string) (*changelog.Iterator, error) {
	seq, found, err := m.cursors.Get(ctx, shardID)
	if err != nil {
		return nil, err
	}

	if found {
		it, err := m.log.GetShardIterator(shardID, changelog.PositionAfterSequence, seq)
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, changelog.ErrExpiredIterator) {
			return nil, err
		}
		m.metrics.expiredIterators.Inc()
		log.Warn().Str("shard", shardID).Uint64("checkpoint", seq).
			Msg("checkpointed position expired; reseeding from trim horizon")
		return m.log.GetShardIterator(shardID, changelog.PositionTrimHorizon, 0)
	}

	return m.log.GetShardIterator(shardID, m.startPos, 0)
}

func (m *Manager) filter(events []dropwire.ChangeEvent) []dropwire.ChangeEvent {
	var batch []dropwire.ChangeEvent
	for _, ev := range events {
		m.metrics.eventsRead.WithLabelValues(string(ev.Type)).Inc()
		if _, ok := m.eventTypes[ev.Type]; ok {
			batch = append(batch, ev)
		}
	}
	return batch
}

// dispatchBatch drives one batch to a terminal outcome. advanced reports
// whether the cursor may move past the batch: true after success or a
// dead-lettered giveup, false when stalling or shutting down mid-batch.
func (m *Manager) dispatchBatch(ctx context.Context, shardID string, batch []dropwire.ChangeEvent) (advanced bool, err error) {
	// In-flight dispatches run to completion even during shutdown; only the
	// retry schedule watches the loop context.
	dispatchCtx := context.WithoutCancel(ctx)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.initialBackoff
	expBackoff.MaxInterval = m.maxBackoff
	expBackoff.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		_, dErr := m.dispatcher.Dispatch(dispatchCtx, batch)
		if dErr == nil {
			return nil
		}
		if errors.Is(dErr, worker.ErrRejected) {
			return backoff.Permanent(dErr)
		}
		m.metrics.retries.Inc()
		log.Warn().Err(dErr).Str("shard", shardID).Int("attempt", attempts).
			Msg("dispatch failed; backing off")
		return dErr
	}

	retryErr := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(m.maxAttempts-1)), ctx))
	if retryErr == nil {
		m.metrics.dispatches.WithLabelValues("success").Inc()
		return true, nil
	}

	m.metrics.dispatches.WithLabelValues("failure").Inc()

	if errors.Is(retryErr, worker.ErrRejected) {
		// Malformed payloads never heal by retrying; they always dead-letter,
		// whatever the exhaustion policy says about transient faults.
		return m.routeToDeadLetter(shardID, batch, retryErr)
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the retry schedule. Leave the cursor alone so
		// the batch is redelivered next start.
		return false, nil
	}

	switch m.policy {
	case PolicyDeadLetter:
		return m.routeToDeadLetter(shardID, batch, retryErr)
	default: // PolicyStall
		log.Error().Err(retryErr).Str("shard", shardID).
			Msg("retry budget exhausted; stalling shard cursor")
		return false, nil
	}
}

func (m *Manager) routeToDeadLetter(shardID string, batch []dropwire.ChangeEvent, cause error) (bool, error) {
	if m.deadLetter == nil {
		log.Error().Err(cause).Str("shard", shardID).
			Msg("no dead-letter journal configured; stalling shard cursor")
		return false, nil
	}

	entry := &deadletter.Entry{
		ShardID:   shardID,
		Events:    batch,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	}
	if err := m.deadLetter.Apply(entry); err != nil {
		// Advancing without the journal entry would drop the batch silently.
		// Hold the cursor instead.
		log.Error().Err(err).Str("shard", shardID).Msg("failed to journal dead letter; stalling")
		return false, nil
	}

	m.metrics.deadLetters.Inc()
	log.Error().Err(cause).Str("shard", shardID).Int("events", len(batch)).
		Msg("batch dead-lettered")
	return true, nil
}

// sleep waits one poll interval. It returns false when the context was
// canceled while waiting.
func (m *Manager) sleep(ctx context.Context) bool {
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
