// Package metastore is the keyed metadata record store. Every successful
// write appends a change event to the change log before it returns, which is
// the durability point the rest of the pipeline builds on.
package metastore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

var (
	// ErrDuplicateKey is returned when a record already exists for the key.
	// Keys are immutable once created.
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrNotFound is returned when no record exists for the key.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable wraps infrastructure faults on the write path. Callers
	// may retry.
	ErrUnavailable = errors.New("metadata store unavailable")
)

type changeLog interface {
	Append(t dropwire.EventType, partitionKey string, oldImage, newImage *dropwire.MetadataRecord) (dropwire.ChangeEvent, error)
}

type Manager struct {
	mu      sync.RWMutex
	records map[string]*dropwire.MetadataRecord
	wal     *walFile
	log     changeLog
}

type Config struct {
	// Path is the directory holding the store's write-ahead log.
	Path string
	// Changelog receives one event per applied mutation.
	Changelog changeLog
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("path cannot be empty"))
	}
	if c.Changelog == nil {
		errGrp = append(errGrp, errors.New("changelog cannot be nil"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	wal, err := newWAL(cfg.Path)
	if err != nil {
		return nil, err
	}

	return &Manager{
		records: make(map[string]*dropwire.MetadataRecord),
		wal:     wal,
		log:     cfg.Changelog,
	}, nil
}

// Start replays the write-ahead log into the in-memory record map. Replayed
// mutations do not re-emit change events; delivery of anything in flight at
// crash time is the relay's at-least-once problem, not the store's.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	err := m.wal.load(func(e *walEntry) {
		if e.Record == nil || e.Record.Key == "" {
			return
		}
		if e.Type == dropwire.EventRemove {
			delete(m.records, e.Record.Key)
			return
		}
		m.records[e.Record.Key] = e.Record
		count++
	})
	if err != nil {
		return fmt.Errorf("failed to replay WAL: %w", err)
	}

	if count > 0 {
		log.Info().Int("records", count).Msg("metadata store restored from WAL")
	}
	return nil
}

func (m *Manager) Stop() error {
	return m.wal.close()
}

func (m *Manager) Name() string {
	return "Metadata Store"
}

// Put creates a new record. It returns ErrDuplicateKey when the key exists
// and only returns success once the WAL entry and the INSERT change event are
// both appended.
func (m *Manager) Put(key string, attributes map[string]string) (*dropwire.MetadataRecord, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	now := time.Now()
	rec := &dropwire.MetadataRecord{
		Key:        key,
		Attributes: copyAttributes(attributes),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := m.wal.apply(&walEntry{Type: dropwire.EventInsert, Record: rec, Timestamp: now}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := m.log.Append(dropwire.EventInsert, key, nil, rec); err != nil {
		return nil, fmt.Errorf("failed to append change event: %w", err)
	}

	m.records[key] = rec
	return rec.Clone(), nil
}

// Update merges attributes into an existing record and emits a MODIFY event
// carrying both images.
func (m *Manager) Update(key string, attributes map[string]string) (*dropwire.MetadataRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	old := current.Clone()
	updated := current.Clone()
	for k, v := range attributes {
		updated.Attributes[k] = v
	}
	updated.UpdatedAt = time.Now()

	if err := m.wal.apply(&walEntry{Type: dropwire.EventModify, Record: updated, Timestamp: updated.UpdatedAt}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := m.log.Append(dropwire.EventModify, key, old, updated); err != nil {
		return nil, fmt.Errorf("failed to append change event: %w", err)
	}

	m.records[key] = updated
	return updated.Clone(), nil
}

// Delete removes the record for key and emits a REMOVE event carrying the
// final image.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	old := current.Clone()
	if err := m.wal.apply(&walEntry{Type: dropwire.EventRemove, Record: old, Timestamp: time.Now()}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := m.log.Append(dropwire.EventRemove, key, old, nil); err != nil {
		return fmt.Errorf("failed to append change event: %w", err)
	}

	delete(m.records, key)
	return nil
}

// Get returns a copy of the record for key.
func (m *Manager) Get(key string) (*dropwire.MetadataRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec.Clone(), nil
}

// Len reports the number of stored records.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
