// Package store tracks runs: live runs in memory, terminal runs
// archived to an embedded badger database so the reporting API can
// serve history across restarts.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	badger "github.com/dgraph-io/badger/v3"
	json "github.com/goccy/go-json"

	"github.com/lei/flowci/internal/cierr"
	"github.com/lei/flowci/internal/models"
	"github.com/lei/flowci/pkg/logger"
)

const runPrefix = "run/"

// Store holds live runs and the terminal-run archive
type Store struct {
	mu   sync.RWMutex
	live map[string]*models.Run
	mem  map[string]*models.Run // archive fallback when no db is configured
	db   *badger.DB
	log  *logger.Logger
}

// Open creates a store. An empty path keeps the archive in memory only.
func Open(path string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Store{
		live: make(map[string]*models.Run),
		mem:  make(map[string]*models.Run),
		log:  log,
	}
	if path == "" {
		return s, nil
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open run archive: %w", err)
	}
	s.db = db
	log.Info("run archive opened", "path", path)
	return s, nil
}

// Close closes the archive database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutLive registers a run as live and observable
func (s *Store) PutLive(run *models.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[run.RunID] = run
}

// Archive snapshots a terminal run into the archive and drops it from
// the live index
func (s *Store) Archive(run *models.Run) error {
	snap := run.Snapshot()

	s.mu.Lock()
	delete(s.live, snap.RunID)
	if s.db == nil {
		s.mem[snap.RunID] = snap
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runPrefix+snap.RunID), data)
	})
	if err != nil {
		return fmt.Errorf("archive run %s: %w", snap.RunID, err)
	}
	return nil
}

// Get returns a snapshot of a live run, or the archived record
func (s *Store) Get(runID string) (*models.Run, error) {
	s.mu.RLock()
	if run, ok := s.live[runID]; ok {
		s.mu.RUnlock()
		return run.Snapshot(), nil
	}
	if run, ok := s.mem[runID]; ok {
		s.mu.RUnlock()
		return run, nil
	}
	s.mu.RUnlock()

	if s.db == nil {
		return nil, cierr.ErrRunNotFound
	}

	var record *models.Run
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runPrefix + runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var run models.Run
			if err := json.Unmarshal(val, &run); err != nil {
				return err
			}
			record = &run
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, cierr.ErrRunNotFound
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return record, nil
}

// List returns snapshots of all known runs, newest first
func (s *Store) List() ([]*models.Run, error) {
	s.mu.RLock()
	runs := make([]*models.Run, 0, len(s.live)+len(s.mem))
	for _, run := range s.live {
		runs = append(runs, run.Snapshot())
	}
	for _, run := range s.mem {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	if s.db != nil {
		err := s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()
			prefix := []byte(runPrefix)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					var run models.Run
					if err := json.Unmarshal(val, &run); err != nil {
						return err
					}
					runs = append(runs, &run)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list archived runs: %w", err)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}
