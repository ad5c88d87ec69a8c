// Package relay tails the change log and turns retained insert events into
// workflow dispatches. One polling loop runs per shard; loops share nothing
// but the cursor store, which is keyed per shard, so no cross-shard
// coordination exists anywhere in the pipeline.
//
// Delivery is at-least-once: a crash between a successful dispatch and the
// cursor save redelivers the same batch on restart. Downstream consumers are
// required to tolerate duplicates.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dropwire/dropwire/internal/changelog"
	"github.com/dropwire/dropwire/internal/deadletter"
	"github.com/dropwire/dropwire/internal/dropwire"
)

// ExhaustionPolicy decides what happens to a batch once the retry budget is
// spent on transient failures.
type ExhaustionPolicy string

const (
	// PolicyDeadLetter journals the batch and advances the cursor. The relay
	// keeps flowing; the batch is lost to the live pipeline but preserved for
	// manual replay.
	PolicyDeadLetter ExhaustionPolicy = "deadletter"
	// PolicyStall holds the shard's cursor and keeps retrying. Nothing is
	// lost, but the shard makes no progress until the fault clears.
	PolicyStall ExhaustionPolicy = "stall"
)

const (
	defaultBatchSize      = 1
	defaultPollInterval   = 200 * time.Millisecond
	defaultMaxAttempts    = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

type changeLog interface {
	Shards() []changelog.ShardInfo
	ChildShards(parentID string) []string
	GetShardIterator(shardID string, pos changelog.Position, afterSeq uint64) (*changelog.Iterator, error)
	GetRecords(it *changelog.Iterator, limit int) ([]dropwire.ChangeEvent, *changelog.Iterator, error)
}

type cursorStore interface {
	Get(ctx context.Context, shardID string) (uint64, bool, error)
	Save(ctx context.Context, shardID string, seq uint64) error
}

type deadLetterer interface {
	Apply(e *deadletter.Entry) error
}

type Manager struct {
	log        changeLog
	cursors    cursorStore
	dispatcher dispatcher
	deadLetter deadLetterer

	startPos       changelog.Position
	batchSize      int
	pollInterval   time.Duration
	eventTypes     map[dropwire.EventType]struct{}
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	policy         ExhaustionPolicy
	metrics        *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	polling map[string]bool
}

type Config struct {
	Log        changeLog
	Cursors    cursorStore
	Dispatcher dispatcher
	DeadLetter deadLetterer

	// StartPosition seeds shards that have never been checkpointed.
	StartPosition changelog.Position
	// BatchSize caps events per read. The default of 1 trades throughput for
	// a one-to-one link between an upload and a workflow run.
	BatchSize int
	// PollInterval is how long an idle shard sleeps between reads.
	PollInterval time.Duration
	// EventTypes filters which events are dispatched; everything else is
	// read, discarded, and checkpointed past. Defaults to INSERT only.
	EventTypes []dropwire.EventType
	// MaxAttempts bounds dispatch tries per batch before OnExhausted applies.
	MaxAttempts int
	// InitialBackoff and MaxBackoff shape the exponential retry schedule.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// OnExhausted picks between losing the batch (deadletter) and stalling
	// the shard. There is no silent default worth having here.
	OnExhausted ExhaustionPolicy
	// Metrics overrides the shared collectors, mainly for tests.
	Metrics *Metrics
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Log == nil {
		errGrp = append(errGrp, errors.New("change log cannot be nil"))
	}
	if c.Cursors == nil {
		errGrp = append(errGrp, errors.New("cursor store cannot be nil"))
	}
	if c.Dispatcher == nil {
		errGrp = append(errGrp, errors.New("dispatcher cannot be nil"))
	}
	if c.OnExhausted == PolicyDeadLetter && c.DeadLetter == nil {
		errGrp = append(errGrp, errors.New("dead-letter journal is required for the deadletter policy"))
	}
	switch c.StartPosition {
	case changelog.PositionLatest, changelog.PositionTrimHorizon:
	default:
		errGrp = append(errGrp, fmt.Errorf("start position must be %s or %s",
			changelog.PositionLatest, changelog.PositionTrimHorizon))
	}
	switch c.OnExhausted {
	case PolicyDeadLetter, PolicyStall:
	default:
		errGrp = append(errGrp, fmt.Errorf("exhaustion policy must be %q or %q",
			PolicyDeadLetter, PolicyStall))
	}
	if c.BatchSize < 0 {
		errGrp = append(errGrp, errors.New("batch size cannot be negative"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		log:            cfg.Log,
		cursors:        cfg.Cursors,
		dispatcher:     cfg.Dispatcher,
		deadLetter:     cfg.DeadLetter,
		startPos:       cfg.StartPosition,
		batchSize:      cfg.BatchSize,
		pollInterval:   cfg.PollInterval,
		eventTypes:     make(map[dropwire.EventType]struct{}),
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		policy:         cfg.OnExhausted,
		metrics:        cfg.Metrics,
		polling:        make(map[string]bool),
	}

	if m.batchSize == 0 {
		m.batchSize = defaultBatchSize
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = defaultMaxAttempts
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = defaultInitialBackoff
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = defaultMaxBackoff
	}
	if m.metrics == nil {
		m.metrics = defaultMetrics()
	}

	types := cfg.EventTypes
	if len(types) == 0 {
		types = []dropwire.EventType{dropwire.EventInsert}
	}
	for _, t := range types {
		m.eventTypes[t] = struct{}{}
	}

	return m, nil
}

// Start launches one polling loop per shard that has no live parent and
// returns. A shard whose parent still exists is launched from the parent's
// drain path instead, so same-key events never dispatch out of order across a
// split boundary; an already-drained parent hands over immediately.
func (m *Manager) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.group, m.ctx = errgroup.WithContext(m.ctx)

	infos := m.log.Shards()
	known := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		known[info.ID] = struct{}{}
	}
	for _, info := range infos {
		if _, ok := known[info.ParentID]; ok {
			continue
		}
		m.launch(info.ID)
	}
	return nil
}

// Stop cancels every poller and waits for in-flight dispatches to finish and
// checkpoint.
func (m *Manager) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	err := m.group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (m *Manager) Name() string {
	return "Change Relay"
}

// launch starts a poller for the shard unless one already ran. Safe to call
// from pollers discovering child shards.
func (m *Manager) launch(shardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.polling[shardID] {
		return
	}
	m.polling[shardID] = true
	m.metrics.activeShards.Inc()

	m.group.Go(func() error {
		defer m.metrics.activeShards.Dec()
		log.Info().Str("shard", shardID).Msg("relay poller started")
		err := m.pollShard(m.ctx, shardID)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("shard", shardID).Msg("relay poller failed")
			return err
		}
		log.Info().Str("shard", shardID).Msg("relay poller exited")
		return nil
	})
}
