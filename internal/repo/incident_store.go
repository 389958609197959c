package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// IncidentStoreConfig holds settings for the embedded run store.
type IncidentStoreConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string
	// InMemory skips disk persistence. Test use.
	InMemory bool
	// Retention bounds how long stored runs live. Zero keeps them forever.
	Retention time.Duration
}

// IncidentStore keeps finalized runs in an embedded badger database.
// Implements engine.Sink.
type IncidentStore struct {
	db        *badger.DB
	retention time.Duration
	logger    *slog.Logger
}

// OpenIncidentStore opens (and creates if needed) the run store.
func OpenIncidentStore(cfg IncidentStoreConfig, logger *slog.Logger) (*IncidentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("incident store path not configured")
		}
		if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(badgerSlog{logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open incident store: %w", err)
	}
	return &IncidentStore{db: db, retention: cfg.Retention, logger: logger}, nil
}

// StoreRun persists one terminal run record.
func (s *IncidentStore) StoreRun(ctx context.Context, run models.IncidentRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("incident store not initialised")
	}
	if run.ID == "" {
		return fmt.Errorf("run has no ID")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	key := runKey(run.Subject, run.StartedAt, run.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, data)
		if s.retention > 0 {
			entry = entry.WithTTL(s.retention)
		}
		return txn.SetEntry(entry)
	})
}

// ListRecent returns up to limit runs for the subject, newest first.
func (s *IncidentStore) ListRecent(ctx context.Context, subject string, limit int) ([]models.IncidentRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("incident store not initialised")
	}
	if limit <= 0 {
		limit = 20
	}

	prefix := []byte("run/" + subject + "/")
	var runs []models.IncidentRun
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the last key in the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(runs) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var run models.IncidentRun
				if err := json.Unmarshal(val, &run); err != nil {
					return err
				}
				runs = append(runs, run)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Subjects returns every subject with at least one stored run.
func (s *IncidentStore) Subjects(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("incident store not initialised")
	}

	seen := make(map[string]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("run/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			parts := strings.SplitN(string(it.Item().Key()), "/", 3)
			if len(parts) == 3 {
				seen[parts[1]] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan subjects: %w", err)
	}

	subjects := make([]string, 0, len(seen))
	for subject := range seen {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects, nil
}

// Close flushes and closes the database.
func (s *IncidentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// runKey orders records chronologically within a subject.
func runKey(subject string, started time.Time, id string) []byte {
	return []byte(fmt.Sprintf("run/%s/%020d/%s", subject, started.UnixNano(), id))
}

// badgerSlog adapts slog to badger's logger interface.
type badgerSlog struct {
	logger *slog.Logger
}

func (l badgerSlog) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(strings.TrimSpace(format), args...))
}

func (l badgerSlog) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(strings.TrimSpace(format), args...))
}

func (l badgerSlog) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(strings.TrimSpace(format), args...))
}

func (l badgerSlog) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(strings.TrimSpace(format), args...))
}
