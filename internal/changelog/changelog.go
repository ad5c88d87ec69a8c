// Package changelog implements the sharded, append-only change log behind the
// metadata store.
//
// The log is split into shards. A partition key is always routed to the same
// shard for the shard's lifetime, so per-shard sequence numbers give strict
// per-partition ordering. No ordering holds across shards. Consumers read
// through iterators obtained from GetShardIterator; retention is time-bounded
// and reads behind the trim point fail with ErrExpiredIterator.
package changelog

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

// Position is a starting position for a fresh shard iterator.
type Position string

const (
	// PositionLatest reads only events appended after the iterator is created.
	PositionLatest Position = "LATEST"
	// PositionTrimHorizon reads all retained events from the oldest onward.
	PositionTrimHorizon Position = "TRIM_HORIZON"
	// PositionAfterSequence resumes immediately after a known sequence number.
	PositionAfterSequence Position = "AFTER_SEQUENCE_NUMBER"
)

var (
	// ErrExpiredIterator is returned when the requested sequence range has
	// been purged by retention. The events are gone; consumers must reseed
	// from TRIM_HORIZON and accept the documented loss.
	ErrExpiredIterator = errors.New("iterator expired: sequence purged by retention")
	// ErrShardNotFound is returned for an unknown shard id.
	ErrShardNotFound = errors.New("shard not found")
	// ErrShardClosed is returned when appending to or splitting a closed shard.
	ErrShardClosed = errors.New("shard is closed")
)

// ShardInfo is the externally visible state of one shard.
type ShardInfo struct {
	ID       string
	ParentID string
	Closed   bool
}

// Iterator is an opaque read position within one shard.
type Iterator struct {
	shardID string
	nextSeq uint64
}

// ShardID reports which shard the iterator reads from.
func (it *Iterator) ShardID() string {
	return it.shardID
}

type Log struct {
	mu     sync.RWMutex
	shards map[string]*shard
	// routes are the open shards that receive new appends, in creation order.
	routes    []*shard
	retention time.Duration
	nextID    int
	jrn       *journal

	obsMu     sync.RWMutex
	observers []func(dropwire.ChangeEvent)
}

type Config struct {
	// ShardCount is the number of shards a brand-new log starts with. An
	// existing journal carries its own topology and takes precedence.
	ShardCount int
	// Retention bounds how long an appended event stays readable.
	Retention time.Duration
	// Path is the directory holding the log's journal.
	Path string
}

func (c *Config) validate() error {
	var errGrp []error
	if c.ShardCount < 1 || c.ShardCount > 50 {
		errGrp = append(errGrp, fmt.Errorf("shard count must be between 1 and 50"))
	}
	if c.Retention <= 0 {
		errGrp = append(errGrp, errors.New("retention must be greater than 0"))
	}
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("path cannot be empty"))
	}
	return errors.Join(errGrp...)
}

// New opens the change log at cfg.Path. An existing journal is replayed so
// shard ids, sequence numbers, and trim points continue exactly where the
// previous process left them; a fresh directory starts cfg.ShardCount open
// shards.
func New(cfg *Config) (*Log, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	jrn, err := openJournal(cfg.Path)
	if err != nil {
		return nil, err
	}

	l := &Log{
		shards:    make(map[string]*shard),
		retention: cfg.Retention,
		jrn:       jrn,
	}
	if err := l.replay(); err != nil {
		_ = jrn.close()
		return nil, err
	}

	if len(l.shards) == 0 {
		for i := 0; i < cfg.ShardCount; i++ {
			if _, err := l.addShardLocked(""); err != nil {
				_ = jrn.close()
				return nil, err
			}
		}
	}
	return l, nil
}

// replay rebuilds shard topology, retained events, and trim points from the
// journal. Shard entries come back in creation order, so the routing table
// and therefore key routing survive a restart unchanged.
func (l *Log) replay() error {
	events := 0
	err := l.jrn.load(func(e *journalEntry) {
		switch e.Kind {
		case entryShard:
			s := newShard(e.ShardID, e.ParentID, l.jrn)
			l.shards[s.id] = s
			l.routes = append(l.routes, s)
			l.nextID++
		case entryEvent:
			if e.Event == nil {
				return
			}
			s, ok := l.shards[e.Event.ShardID]
			if !ok {
				log.Warn().Str("shard", e.Event.ShardID).Msg("skipping journaled event for unknown shard")
				return
			}
			s.restore(*e.Event)
			events++
		case entrySplit:
			s, ok := l.shards[e.ShardID]
			if !ok {
				return
			}
			s.restoreSplit(e.Children)
			l.dropRouteLocked(e.ShardID)
		case entryTrim:
			if s, ok := l.shards[e.ShardID]; ok {
				s.restoreTrim(e.Before)
			}
		default:
			log.Warn().Str("kind", e.Kind).Msg("skipping unknown changelog journal entry")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to replay changelog journal: %w", err)
	}

	if len(l.shards) > 0 {
		log.Info().Int("shards", len(l.shards)).Int("events", events).
			Msg("change log restored from journal")
	}
	return nil
}

func (l *Log) Start() error {
	return nil
}

// Stop closes the journal. Appends after Stop fail.
func (l *Log) Stop() error {
	return l.jrn.close()
}

func (l *Log) Name() string {
	return "Change Log"
}

// addShardLocked creates a new open shard, journals it, and adds it to the
// routing table. Callers must hold l.mu.
func (l *Log) addShardLocked(parentID string) (*shard, error) {
	s := newShard(fmt.Sprintf("shard-%04d", l.nextID), parentID, l.jrn)
	if err := l.jrn.apply(&journalEntry{Kind: entryShard, ShardID: s.id, ParentID: parentID}); err != nil {
		return nil, fmt.Errorf("failed to journal shard %s: %w", s.id, err)
	}
	l.nextID++
	l.shards[s.id] = s
	l.routes = append(l.routes, s)
	return s, nil
}

// dropRouteLocked removes the shard from the routing table. Callers must hold
// l.mu.
func (l *Log) dropRouteLocked(shardID string) {
	routes := make([]*shard, 0, len(l.routes))
	for _, s := range l.routes {
		if s.id != shardID {
			routes = append(routes, s)
		}
	}
	l.routes = routes
}

// routeIndex determines which open shard a partition key belongs to, using
// FNV-1a to spread keys evenly across the routing table.
func (l *Log) routeIndex(partitionKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey))
	return int(h.Sum32() % uint32(len(l.routes)))
}

// Append durably records one change event for partitionKey and returns it
// with its assigned shard and sequence number. Append returns only after the
// event is visible to readers of the owning shard.
func (l *Log) Append(t dropwire.EventType, partitionKey string, oldImage, newImage *dropwire.MetadataRecord) (dropwire.ChangeEvent, error) {
	if partitionKey == "" {
		return dropwire.ChangeEvent{}, errors.New("partition key is required")
	}

	l.mu.RLock()
	target := l.routes[l.routeIndex(partitionKey)]
	l.mu.RUnlock()

	event := dropwire.ChangeEvent{
		Type:         t,
		PartitionKey: partitionKey,
		OldImage:     oldImage.Clone(),
		NewImage:     newImage.Clone(),
		AppendedAt:   time.Now(),
	}

	appended, err := target.append(event)
	if err != nil {
		return dropwire.ChangeEvent{}, err
	}

	l.obsMu.RLock()
	observers := l.observers
	l.obsMu.RUnlock()
	for _, fn := range observers {
		fn(appended)
	}

	return appended, nil
}

// Notify registers fn to be called for every appended event. Observers must
// not block; they run on the appending goroutine.
func (l *Log) Notify(fn func(dropwire.ChangeEvent)) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, fn)
}

// Shards lists every shard, open and closed, sorted by id.
func (l *Log) Shards() []ShardInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()

	infos := make([]ShardInfo, 0, len(l.shards))
	for _, s := range l.shards {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ChildShards returns the ids of shards created when parentID was split.
func (l *Log) ChildShards(parentID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.shards[parentID]
	if !ok {
		return nil
	}
	return s.childIDs()
}

// SplitShard closes the named shard and replaces it in the routing table with
// two child shards. Events already in the parent stay readable until drained
// or expired; new appends for its keys land on the children.
func (l *Log) SplitShard(shardID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent, ok := l.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}
	if err := parent.close(); err != nil {
		return nil, err
	}
	l.dropRouteLocked(shardID)

	left, err := l.addShardLocked(shardID)
	if err != nil {
		return nil, err
	}
	right, err := l.addShardLocked(shardID)
	if err != nil {
		return nil, err
	}
	parent.setChildren(left.id, right.id)

	if err := l.jrn.apply(&journalEntry{
		Kind:     entrySplit,
		ShardID:  shardID,
		Children: []string{left.id, right.id},
	}); err != nil {
		return nil, fmt.Errorf("failed to journal split of %s: %w", shardID, err)
	}

	return []string{left.id, right.id}, nil
}

// GetShardIterator returns a fresh iterator for shardID at the requested
// position. afterSeq is only consulted for PositionAfterSequence.
func (l *Log) GetShardIterator(shardID string, pos Position, afterSeq uint64) (*Iterator, error) {
	l.mu.RLock()
	s, ok := l.shards[shardID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}

	switch pos {
	case PositionLatest:
		return &Iterator{shardID: shardID, nextSeq: s.headSeq()}, nil
	case PositionTrimHorizon:
		return &Iterator{shardID: shardID, nextSeq: s.trimPoint()}, nil
	case PositionAfterSequence:
		next := afterSeq + 1
		if next < s.trimPoint() {
			return nil, fmt.Errorf("%w: shard %s sequence %d", ErrExpiredIterator, shardID, afterSeq)
		}
		return &Iterator{shardID: shardID, nextSeq: next}, nil
	default:
		return nil, fmt.Errorf("unknown iterator position: %q", pos)
	}
}

// GetRecords reads up to limit events from the iterator position, in sequence
// order. The returned iterator continues after the last event read; a nil
// iterator with a nil error means the shard is closed and fully drained.
func (l *Log) GetRecords(it *Iterator, limit int) ([]dropwire.ChangeEvent, *Iterator, error) {
	if it == nil {
		return nil, nil, errors.New("iterator is nil")
	}
	if limit < 1 {
		return nil, nil, fmt.Errorf("limit must be at least 1, got %d", limit)
	}

	l.mu.RLock()
	s, ok := l.shards[it.shardID]
	l.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrShardNotFound, it.shardID)
	}

	events, drained, err := s.read(it.nextSeq, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		if drained {
			return nil, nil, nil
		}
		return nil, it, nil
	}

	next := &Iterator{
		shardID: it.shardID,
		nextSeq: events[len(events)-1].SequenceNumber + 1,
	}
	return events, next, nil
}

// PurgeExpired drops every event older than the retention window and advances
// shard trim points past them. It returns the number of purged events.
func (l *Log) PurgeExpired(now time.Time) int {
	cutoff := now.Add(-l.retention)

	l.mu.RLock()
	shards := make([]*shard, 0, len(l.shards))
	for _, s := range l.shards {
		shards = append(shards, s)
	}
	l.mu.RUnlock()

	purged := 0
	for _, s := range shards {
		purged += s.trimBefore(cutoff)
	}
	return purged
}

// Retention reports the configured retention window.
func (l *Log) Retention() time.Duration {
	return l.retention
}
