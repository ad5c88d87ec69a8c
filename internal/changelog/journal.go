package changelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

const (
	journalDirName  = "changelog"
	journalFileName = "changelog.log"
)

const (
	entryShard = "shard"
	entryEvent = "event"
	entrySplit = "split"
	entryTrim  = "trim"
)

// journalEntry is one durably logged change to the log: a shard created, an
// event appended, a shard split, or a retention trim.
type journalEntry struct {
	Kind     string                `json:"kind"`
	ShardID  string                `json:"shard_id,omitempty"`
	ParentID string                `json:"parent_id,omitempty"`
	Children []string              `json:"children,omitempty"`
	Before   uint64                `json:"before,omitempty"`
	Event    *dropwire.ChangeEvent `json:"event,omitempty"`
}

// journal appends log mutations to a JSON-lines file so a restarted process
// rebuilds the same shard topology, sequence numbers, and trim points. Relay
// checkpoints outlive the process; the sequence space they point into has to
// as well.
type journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func openJournal(dir string) (*journal, error) {
	path := filepath.Join(dir, journalDirName, journalFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create changelog directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open changelog journal: %w", err)
	}

	return &journal{file: file, path: path}, nil
}

// apply writes the entry followed by a newline and syncs. A mutation is only
// acknowledged once its entry is on disk.
func (j *journal) apply(e *journalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err = j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to changelog journal: %w", err)
	}
	if err = j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync changelog journal: %w", err)
	}
	return nil
}

// load replays every entry in order. Unparseable lines are skipped with a
// warning rather than failing the whole replay.
func (j *journal) load(apply func(*journalEntry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open changelog journal for replay: %w", err)
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

		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt changelog journal entry")
			continue
		}
		apply(&entry)
	}
	return scanner.Err()
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
