// Package deadletter journals batches the relay gave up on so an operator
// can inspect and replay them by hand. Entries are JSON lines, one per
// abandoned batch.
package deadletter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dropwire/dropwire/internal/dropwire"
)

const (
	dirName  = "deadletter"
	fileName = "deadletter.log"
)

// Entry is one abandoned batch and why it was abandoned.
type Entry struct {
	ShardID   string                 `json:"shardId"`
	Events    []dropwire.ChangeEvent `json:"events"`
	Reason    string                 `json:"reason"`
	Timestamp time.Time              `json:"timestamp"`
}

type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

type Config struct {
	// Path is the directory the dead-letter log lives in.
	Path string
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("path cannot be empty"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Journal, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.Path, dirName, fileName)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter log: %w", err)
	}

	return &Journal{file: file, path: path}, nil
}

func (j *Journal) Start() error {
	return nil
}

func (j *Journal) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *Journal) Name() string {
	return "Dead Letter Journal"
}

// Apply appends one entry and syncs it to disk. A dead-lettered batch is the
// pipeline's last record of those events; losing it to a crash is not
// acceptable.
func (j *Journal) Apply(e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	if _, err = j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write dead-letter entry: %w", err)
	}
	if err = j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead-letter log: %w", err)
	}
	return nil
}

// Entries reads the whole journal back, skipping corrupt lines.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open dead-letter log: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt dead-letter entry")
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
