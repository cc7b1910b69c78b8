// Package staging persists the in-progress dataset locally so an edit session
// survives restarts and the monitor can hand finished records to the editor.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/raphaelgruber/scrapedeck/internal/models"
)

// EditedRecordsKey holds the staged dataset.
const EditedRecordsKey = "edited_products"

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("staging: key not found")

// Store is a badger-backed key-value store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open opens (or creates) the store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("staging directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open staging store: %w", err)
	}
	logger.Debug("staging store open", "dir", dir)
	return &Store{db: db, logger: logger}, nil
}

// OpenInMemory opens a store that keeps nothing on disk.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory staging store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func normalizeKey(key string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(key)))
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(normalizeKey(key), value)
	})
}

// Get returns the value under key or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(normalizeKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return out, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(normalizeKey(key))
	})
}

// Snapshot is the staged dataset blob.
type Snapshot struct {
	TaskID  string          `json:"task_id"`
	SavedAt time.Time       `json:"saved_at"`
	Records []models.Record `json:"records"`
}

// SaveRecords writes the staged dataset.
func (s *Store) SaveRecords(taskID string, records []models.Record) error {
	data, err := json.Marshal(Snapshot{
		TaskID:  taskID,
		SavedAt: time.Now().UTC(),
		Records: records,
	})
	if err != nil {
		return fmt.Errorf("marshal staged records: %w", err)
	}
	if err := s.Put(EditedRecordsKey, data); err != nil {
		return fmt.Errorf("save staged records: %w", err)
	}
	s.logger.Debug("staged records saved", "task_id", taskID, "count", len(records))
	return nil
}

// LoadRecords reads the staged dataset or returns ErrNotFound.
func (s *Store) LoadRecords() (*Snapshot, error) {
	data, err := s.Get(EditedRecordsKey)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode staged records: %w", err)
	}
	return &snap, nil
}

// ClearRecords removes the staged dataset.
func (s *Store) ClearRecords() error {
	return s.Delete(EditedRecordsKey)
}
