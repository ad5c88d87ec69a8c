package metastore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

const (
	walDirName  = "wal"
	walFileName = "metadata.log"
)

// walEntry is one durably logged store mutation.
type walEntry struct {
	Type      dropwire.EventType       `json:"type"`
	Record    *dropwire.MetadataRecord `json:"record"`
	Timestamp time.Time                `json:"timestamp"`
}

// walFile appends store mutations to a JSON-lines log so a restarted process
// can rebuild the record map.
type walFile struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func newWAL(dir string) (*walFile, error) {
	path := filepath.Join(dir, walDirName, walFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &walFile{file: file, path: path}, nil
}

// apply writes the entry followed by a newline and syncs. The write must be
// on disk before the store acknowledges the mutation.
func (w *walFile) apply(e *walEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err = w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err = w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// load replays every entry in order. Unparseable lines are skipped with a
// warning rather than failing the whole replay.
func (w *walFile) load(apply func(*walEntry)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open WAL for replay: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry walEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt WAL entry")
			continue
		}
		apply(&entry)
	}
	return scanner.Err()
}

func (w *walFile) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
