package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/vea-project/runtime/pkg/types"
	"github.com/vea-project/runtime/pkg/verrors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketApplications = []byte("applications")
	bucketExecutions   = []byte("executions")      // executionId -> Execution
	bucketAppCurrent   = []byte("app_current_exec") // appId -> executionId
	bucketLogs         = []byte("logs")             // nested: appId -> seq -> LogRecord
	bucketDependencies = []byte("dependencies")     // nested: appId -> "ecosystem/name" -> Dependency
)

// DefaultRetentionBytes bounds per-app log storage when no cap is configured.
const DefaultRetentionBytes = 8 * 1024 * 1024

// BoltStore implements Store using an embedded single-file BoltDB database
// with write-ahead journaling, per spec.md C1.
type BoltStore struct {
	db              *bolt.DB
	retentionPerApp int64
}

// NewBoltStore opens (or creates) the catalog database under dataDir.
func NewBoltStore(dataDir string, retentionPerAppBytes int64) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "catalog.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, verrors.Unavailable("", "failed to open catalog database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketApplications, bucketExecutions, bucketAppCurrent, bucketLogs, bucketDependencies} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, verrors.Internal("", "failed to initialize catalog schema", err)
	}

	if retentionPerAppBytes <= 0 {
		retentionPerAppBytes = DefaultRetentionBytes
	}

	return &BoltStore{db: db, retentionPerApp: retentionPerAppBytes}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateApplication fails AlreadyExists if appId is already present.
func (s *BoltStore) CreateApplication(app *types.Application) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		if b.Get([]byte(app.ID)) != nil {
			return verrors.AlreadyExists(app.ID, "application already exists")
		}
		data, err := json.Marshal(app)
		if err != nil {
			return verrors.Internal(app.ID, "failed to marshal application", err)
		}
		return b.Put([]byte(app.ID), data)
	})
}

// UpdateApplication loads the current record, applies mutate, and writes it
// back within a single transaction; fails NotFound if absent.
func (s *BoltStore) UpdateApplication(appID string, mutate func(*types.Application) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApplications)
		data := b.Get([]byte(appID))
		if data == nil {
			return verrors.NotFound(appID, "application not found")
		}
		var app types.Application
		if err := json.Unmarshal(data, &app); err != nil {
			return verrors.Internal(appID, "failed to unmarshal application", err)
		}
		if err := mutate(&app); err != nil {
			return err
		}
		out, err := json.Marshal(&app)
		if err != nil {
			return verrors.Internal(appID, "failed to marshal application", err)
		}
		return b.Put([]byte(appID), out)
	})
}

func (s *BoltStore) GetApplication(appID string) (*types.Application, error) {
	var app types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketApplications).Get([]byte(appID))
		if data == nil {
			return verrors.NotFound(appID, "application not found")
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) ListApplications(filter types.AppFilter) ([]*types.Application, error) {
	var apps []*types.Application
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketApplications).ForEach(func(k, v []byte) error {
			var app types.Application
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			if filter.Status != "" && app.Status != filter.Status {
				return nil
			}
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

// DeleteApplication cascades to the app's current Execution (the one its
// current-execution pointer names), its Logs, and its Dependencies. Older
// Execution rows of the same app are not deleted.
func (s *BoltStore) DeleteApplication(appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketApplications)
		if apps.Get([]byte(appID)) == nil {
			return verrors.NotFound(appID, "application not found")
		}
		if err := apps.Delete([]byte(appID)); err != nil {
			return err
		}

		if err := deleteExecutionsForAppTx(tx, appID); err != nil {
			return err
		}

		if logsRoot := tx.Bucket(bucketLogs); logsRoot != nil {
			if err := logsRoot.DeleteBucket([]byte(appID)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		if depsRoot := tx.Bucket(bucketDependencies); depsRoot != nil {
			if err := depsRoot.DeleteBucket([]byte(appID)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
		}
		return nil
	})
}

func deleteExecutionsForAppTx(tx *bolt.Tx, appID string) error {
	current := tx.Bucket(bucketAppCurrent)
	executions := tx.Bucket(bucketExecutions)

	if execID := current.Get([]byte(appID)); execID != nil {
		if err := executions.Delete(execID); err != nil {
			return err
		}
	}
	return current.Delete([]byte(appID))
}

// DeleteExecutionsForApp removes the app's current-execution pointer and its
// Execution row (used by Uninstall; historical executionId->appId
// resolution for other apps is unaffected).
func (s *BoltStore) DeleteExecutionsForApp(appID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteExecutionsForAppTx(tx, appID)
	})
}

// UpsertExecution writes the Execution row and updates the app's current-
// execution pointer. Invariant: at most one non-terminal Execution per
// Application is enforced by the Execution Engine, not the store.
func (s *BoltStore) UpsertExecution(exec *types.Execution) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(exec)
		if err != nil {
			return verrors.Internal(exec.AppID, "failed to marshal execution", err)
		}
		if err := tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketAppCurrent).Put([]byte(exec.AppID), []byte(exec.ID))
	})
}

func (s *BoltStore) GetExecutionByAppID(appID string) (*types.Execution, error) {
	var execID []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		execID = tx.Bucket(bucketAppCurrent).Get([]byte(appID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if execID == nil {
		return nil, verrors.NotFound(appID, "no execution recorded for application")
	}
	return s.GetExecutionByExecutionID(string(execID))
}

func (s *BoltStore) GetExecutionByExecutionID(executionID string) (*types.Execution, error) {
	var exec types.Execution
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(executionID))
		if data == nil {
			return verrors.NotFound("", "execution not found: "+executionID)
		}
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// AppendLog writes synchronously; the catalog never drops a log write
// (spec.md §4.5 — only subscriber delivery may drop under backpressure).
func (s *BoltStore) AppendLog(rec *types.LogRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketLogs)
		appBucket, err := root.CreateBucketIfNotExists([]byte(rec.AppID))
		if err != nil {
			return err
		}
		seq, _ := appBucket.NextSequence()
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(rec)
		if err != nil {
			return verrors.Internal(rec.AppID, "failed to marshal log record", err)
		}
		if err := appBucket.Put(key, data); err != nil {
			return err
		}
		return enforceRetentionTx(appBucket, s.retentionPerApp)
	})
}

// enforceRetentionTx drops the oldest records once the bucket's encoded
// size exceeds the configured per-app cap (spec.md §9 open question:
// retention was unenforced in the original source; this store enforces it).
func enforceRetentionTx(b *bolt.Bucket, capBytes int64) error {
	if capBytes <= 0 {
		return nil
	}
	var total int64
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		total += int64(len(k) + len(v))
	}
	if total <= capBytes {
		return nil
	}
	c = b.Cursor()
	for k, v := c.First(); k != nil && total > capBytes; k, v = c.Next() {
		total -= int64(len(k) + len(v))
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) ReadLogs(appID string, filter types.LogFilter) ([]*types.LogRecord, error) {
	var records []*types.LogRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketLogs)
		appBucket := root.Bucket([]byte(appID))
		if appBucket == nil {
			return nil
		}
		return appBucket.ForEach(func(k, v []byte) error {
			var rec types.LogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if filter.Stream != "" && rec.Stream != filter.Stream {
				return nil
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(records) {
			return nil, nil
		}
		records = records[filter.Offset:]
	}
	if filter.Tail > 0 && len(records) > filter.Tail {
		records = records[len(records)-filter.Tail:]
	}
	return records, nil
}

func dependencyKey(dep *types.Dependency) []byte {
	return []byte(dep.Ecosystem + "/" + dep.Name)
}

func (s *BoltStore) PutDependency(dep *types.Dependency) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDependencies)
		appBucket, err := root.CreateBucketIfNotExists([]byte(dep.AppID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(dep)
		if err != nil {
			return verrors.Internal(dep.AppID, "failed to marshal dependency", err)
		}
		return appBucket.Put(dependencyKey(dep), data)
	})
}

func (s *BoltStore) ListDependencies(appID string) ([]*types.Dependency, error) {
	var deps []*types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDependencies)
		appBucket := root.Bucket([]byte(appID))
		if appBucket == nil {
			return nil
		}
		return appBucket.ForEach(func(k, v []byte) error {
			var dep types.Dependency
			if err := json.Unmarshal(v, &dep); err != nil {
				return err
			}
			deps = append(deps, &dep)
			return nil
		})
	})
	return deps, err
}
