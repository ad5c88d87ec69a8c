package changelog

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

// shard is one independently ordered sub-stream of the log. Sequence numbers
// start at 1 and are assigned under the shard lock, so reads always observe a
// gapless, ordered suffix of the stream.
type shard struct {
	id       string
	parentID string
	jrn      *journal

	mu     sync.RWMutex
	events []dropwire.ChangeEvent
	// nextSeq is the sequence number the next append will receive.
	nextSeq uint64
	// trimmedBefore is the lowest sequence number still retained. Everything
	// below it has been purged and is unreadable.
	trimmedBefore uint64
	closed        bool
	children      []string
}

func newShard(id, parentID string, jrn *journal) *shard {
	return &shard{
		id:            id,
		parentID:      parentID,
		jrn:           jrn,
		nextSeq:       1,
		trimmedBefore: 1,
	}
}

func (s *shard) append(event dropwire.ChangeEvent) (dropwire.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return dropwire.ChangeEvent{}, fmt.Errorf("%w: %s", ErrShardClosed, s.id)
	}

	event.ShardID = s.id
	event.SequenceNumber = s.nextSeq
	// Journaled under the shard lock so journal order matches sequence order
	// and a sequence number is never handed out for an event that could
	// vanish on restart.
	if err := s.jrn.apply(&journalEntry{Kind: entryEvent, Event: &event}); err != nil {
		return dropwire.ChangeEvent{}, err
	}
	s.nextSeq++
	s.events = append(s.events, event)
	return event, nil
}

// restore re-appends a journaled event during replay.
func (s *shard) restore(event dropwire.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if event.SequenceNumber >= s.nextSeq {
		s.nextSeq = event.SequenceNumber + 1
	}
}

// restoreSplit reapplies a journaled split during replay.
func (s *shard) restoreSplit(children []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.children = append(s.children, children...)
}

// restoreTrim reapplies a journaled trim point during replay.
func (s *shard) restoreTrim(before uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if before <= s.trimmedBefore {
		return
	}
	s.trimmedBefore = before
	idx := 0
	for idx < len(s.events) && s.events[idx].SequenceNumber < before {
		idx++
	}
	s.events = append([]dropwire.ChangeEvent(nil), s.events[idx:]...)
	if before > s.nextSeq {
		s.nextSeq = before
	}
}

// read returns up to limit events with sequence >= fromSeq. drained is true
// when the shard is closed and fromSeq is past its final event.
func (s *shard) read(fromSeq uint64, limit int) (events []dropwire.ChangeEvent, drained bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromSeq < s.trimmedBefore {
		return nil, false, fmt.Errorf("%w: shard %s sequence %d", ErrExpiredIterator, s.id, fromSeq)
	}

	for _, ev := range s.events {
		if ev.SequenceNumber < fromSeq {
			continue
		}
		events = append(events, ev)
		if len(events) == limit {
			break
		}
	}

	if len(events) == 0 && s.closed && fromSeq >= s.nextSeq {
		return nil, true, nil
	}
	return events, false, nil
}

// trimBefore purges events appended before the cutoff and returns how many
// were dropped.
func (s *shard) trimBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := 0
	for idx < len(s.events) && s.events[idx].AppendedAt.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return 0
	}

	s.trimmedBefore = s.events[idx-1].SequenceNumber + 1
	s.events = append([]dropwire.ChangeEvent(nil), s.events[idx:]...)
	if err := s.jrn.apply(&journalEntry{Kind: entryTrim, ShardID: s.id, Before: s.trimmedBefore}); err != nil {
		// Worst case a restart resurrects purged events and the next sweep
		// trims them again.
		log.Warn().Err(err).Str("shard", s.id).Msg("failed to journal trim point")
	}
	return idx
}

func (s *shard) headSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq
}

func (s *shard) trimPoint() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trimmedBefore
}

func (s *shard) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: %s", ErrShardClosed, s.id)
	}
	s.closed = true
	return nil
}

func (s *shard) setChildren(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, ids...)
}

func (s *shard) childIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.children...)
}

func (s *shard) info() ShardInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ShardInfo{ID: s.id, ParentID: s.parentID, Closed: s.closed}
}
