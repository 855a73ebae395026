// Package journal records failed targets in a BadgerDB database so an
// operator can see what a batch could not acquire without reading logs.
//
// The journal is informational only: completion is decided by artifact
// presence, and a later successful run removes the entry.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
)

var keyPrefix = []byte("failure/")

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal: closed")

// Entry describes the most recent failure of a target.
type Entry struct {
	Target   string    `json:"target"`
	Reason   string    `json:"reason"`
	Error    string    `json:"error,omitempty"`
	Failures int       `json:"failures"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
}

// Journal is a progress.Observer persisting job failures.
type Journal struct {
	mu     sync.RWMutex
	db     *badger.DB
	log    logrus.FieldLogger
	closed bool
}

// Open opens the journal at path. An empty path opens an in-memory journal.
func Open(path string, log logrus.FieldLogger) (*Journal, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts.ValueLogFileSize = 16 << 20
	opts.MemTableSize = 4 << 20
	opts.NumMemtables = 2
	opts.ValueThreshold = 64 << 10
	opts.CompactL0OnClose = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{db: db, log: log}, nil
}

// Observe implements progress.Observer. Failed jobs are recorded; succeeded
// and skipped jobs clear their entry. Cancelled jobs leave it untouched.
func (j *Journal) Observe(ev progress.Event) {
	if ev.Kind != progress.JobDone {
		return
	}

	var err error
	switch ev.Status {
	case "failed":
		err = j.Record(ev.Target, ev.Reason, ev.Err, time.Now())
	case "success", "skipped":
		err = j.Clear(ev.Target)
	default:
		return
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		j.log.WithField("target", ev.Target).WithError(err).Warn("Failed to update failure journal")
	}
}

// Record stores a failure of target, incrementing its failure count.
func (j *Journal) Record(target, reason string, cause error, at time.Time) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	key := append(append([]byte{}, keyPrefix...), target...)
	return j.db.Update(func(txn *badger.Txn) error {
		e := Entry{Target: target, First: at}
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		e.Failures++
		e.Reason = reason
		e.Error = ""
		if cause != nil {
			e.Error = cause.Error()
		}
		e.Last = at

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// Clear removes the entry of target, if any.
func (j *Journal) Clear(target string) error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return ErrClosed
	}

	key := append(append([]byte{}, keyPrefix...), target...)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Get returns the entry of target and whether it exists.
func (j *Journal) Get(target string) (Entry, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return Entry{}, false, ErrClosed
	}

	var e Entry
	key := append(append([]byte{}, keyPrefix...), target...)
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// List returns all entries ordered by target id.
func (j *Journal) List() ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}

	var entries []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Close closes the database. It is safe to call more than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
