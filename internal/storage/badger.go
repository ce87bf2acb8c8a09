package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/moniwatch/moniwatch/internal/models"
)

var _ Store = (*BadgerStore)(nil)

// Key prefixes for the different record types.
const (
	prefixJobs   = "jobs/"
	prefixLogs   = "logs/"
	prefixPushes = "pushes/"
	prefixConfig = "config/"
	keyJobSeq    = "seq/jobs"
)

// BadgerStore provides persistent storage using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	stopCh chan struct{}
}

// NewBadgerStore opens (or creates) the database under dataDir.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Join(dataDir, "moniwatch.db"))
	opts.Logger = nil
	opts.SyncWrites = true
	opts.ValueLogFileSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyJobSeq), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job sequence: %w", err)
	}

	s := &BadgerStore{db: db, seq: seq, stopCh: make(chan struct{})}
	go s.runGC()
	return s, nil
}

// Close releases the sequence and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stopCh)
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func jobKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixJobs, id))
}

func getJSON(txn *badger.Txn, key []byte, v interface{}, notFound error) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan decodes every value under prefix and hands it to fn.
func scan[T any](txn *badger.Txn, prefix string, fn func(*T)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return err
		}
		fn(&v)
	}
	return nil
}

// CreateJob stores a new job, drawing an ID from the sequence when needed.
func (s *BadgerStore) CreateJob(_ context.Context, job *models.Job) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if job.ID == 0 {
			for {
				n, err := s.seq.Next()
				if err != nil {
					return err
				}
				ok, err := exists(txn, jobKey(int64(n)+1))
				if err != nil {
					return err
				}
				if !ok {
					job.ID = int64(n) + 1
					break
				}
			}
		}

		ok, err := exists(txn, jobKey(job.ID))
		if err != nil {
			return err
		}
		if ok {
			return models.ErrJobExists
		}
		return putJSON(txn, jobKey(job.ID), job)
	})
}

// UpdateJob replaces an existing job.
func (s *BadgerStore) UpdateJob(_ context.Context, job *models.Job) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var current models.Job
		if err := getJSON(txn, jobKey(job.ID), &current, models.ErrJobNotFound); err != nil {
			return err
		}
		keepTimestamps(job, &current)
		return putJSON(txn, jobKey(job.ID), job)
	})
}

// GetJob retrieves a job by ID.
func (s *BadgerStore) GetJob(_ context.Context, id int64) (*models.Job, error) {
	var job models.Job
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(id), &job, models.ErrJobNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob deletes a job by ID.
func (s *BadgerStore) DeleteJob(_ context.Context, id int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, jobKey(id))
		if err != nil {
			return err
		}
		if !ok {
			return models.ErrJobNotFound
		}
		return txn.Delete(jobKey(id))
	})
}

// ListJobs returns matching jobs ordered by ID.
func (s *BadgerStore) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixJobs, func(job *models.Job) {
			if filter.Matches(job) {
				jobs = append(jobs, job)
			}
		})
	})
	return jobs, err
}

func (s *BadgerStore) patchJob(id int64, fn func(*models.Job)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var job models.Job
		if err := getJSON(txn, jobKey(id), &job, models.ErrJobNotFound); err != nil {
			return err
		}
		fn(&job)
		return putJSON(txn, jobKey(id), &job)
	})
}

// SetLastAlert updates the last-alert timestamp.
func (s *BadgerStore) SetLastAlert(_ context.Context, id int64, at time.Time) error {
	return s.patchJob(id, func(j *models.Job) { j.Alert.LastAlert = &at })
}

// SetLastExport updates the last-export timestamp.
func (s *BadgerStore) SetLastExport(_ context.Context, id int64, at time.Time) error {
	return s.patchJob(id, func(j *models.Job) { j.LastExport = &at })
}

// AppendLog stores an execution log.
func (s *BadgerStore) AppendLog(_ context.Context, log *models.ExecutionLog) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, []byte(prefixLogs+log.ID), log)
	})
}

// GetLog retrieves an execution log by ID.
func (s *BadgerStore) GetLog(_ context.Context, id string) (*models.ExecutionLog, error) {
	var log models.ExecutionLog
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixLogs+id), &log, models.ErrLogNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListLogs returns matching logs newest first.
func (s *BadgerStore) ListLogs(_ context.Context, filter models.LogFilter) ([]*models.ExecutionLog, error) {
	logs := make([]*models.ExecutionLog, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixLogs, func(log *models.ExecutionLog) {
			if filter.Matches(log) {
				logs = append(logs, log)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	sortLogs(logs)
	return applyLimit(logs, filter.Limit), nil
}

func (s *BadgerStore) deleteKeys(prefix string, ids []string) (int, error) {
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			key := []byte(prefix + id)
			ok, err := exists(txn, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// DeleteLogs removes logs by ID.
func (s *BadgerStore) DeleteLogs(_ context.Context, ids []string) (int, error) {
	return s.deleteKeys(prefixLogs, ids)
}

// CleanLogs removes all logs, or all logs of one kind.
func (s *BadgerStore) CleanLogs(ctx context.Context, kind models.JobKind) (int, error) {
	logs, err := s.ListLogs(ctx, models.LogFilter{Kind: kind})
	if err != nil {
		return 0, err
	}
	ids := make([]string, 0, len(logs))
	for _, l := range logs {
		ids = append(ids, l.ID)
	}
	return s.deleteKeys(prefixLogs, ids)
}

// RecordPush stores a webhook audit record.
func (s *BadgerStore) RecordPush(_ context.Context, rec *models.PushRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, []byte(prefixPushes+rec.ID), rec)
	})
}

// GetPush retrieves a push record by ID.
func (s *BadgerStore) GetPush(_ context.Context, id string) (*models.PushRecord, error) {
	var rec models.PushRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixPushes+id), &rec, models.ErrPushNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListPushes returns matching push records newest first.
func (s *BadgerStore) ListPushes(_ context.Context, filter models.PushFilter) ([]*models.PushRecord, error) {
	recs := make([]*models.PushRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixPushes, func(rec *models.PushRecord) {
			if filter.Matches(rec) {
				recs = append(recs, rec)
			}
		})
	})
	if err != nil {
		return nil, err
	}
	sortPushes(recs)
	return applyLimit(recs, filter.Limit), nil
}

// DeletePushes removes push records by ID.
func (s *BadgerStore) DeletePushes(_ context.Context, ids []string) (int, error) {
	return s.deleteKeys(prefixPushes, ids)
}

// GetConfig returns a configuration value.
func (s *BadgerStore) GetConfig(_ context.Context, key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixConfig + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return models.ErrConfigNotFound
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		value = string(raw)
		return err
	})
	return value, err
}

// SetConfig stores a configuration value.
func (s *BadgerStore) SetConfig(_ context.Context, key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixConfig+key), []byte(value))
	})
}

// DeleteConfig removes a configuration value.
func (s *BadgerStore) DeleteConfig(_ context.Context, key string) error {
	n, err := s.deleteKeys(prefixConfig, []string{key})
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrConfigNotFound
	}
	return nil
}
