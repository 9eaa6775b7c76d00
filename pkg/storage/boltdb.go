package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/provisioner/pkg/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const openTimeout = 2 * time.Second

var (
	// Bucket names
	bucketUnique       = []byte("unique_keys")
	objectBucketPrefix = "records."
)

func objectBucket(object string) []byte {
	return []byte(objectBucketPrefix + object)
}

// BoltStore implements Store interface using BoltDB
// Each object type lives in its own bucket keyed by record id
type BoltStore struct {
	db     *bolt.DB
	schema Schema
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string, schema Schema) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "provisioner.db")

	// A second process holding the file lock fails the open instead of blocking
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUnique,
			objectBucket(types.ObjectTemplateGroup),
			objectBucket(types.ObjectMapping),
			objectBucket(types.ObjectTemplate),
			objectBucket(types.ObjectAssignment),
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, schema: schema}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// NewRecord returns an empty draft of the given object type
func (s *BoltStore) NewRecord(object string) *types.Record {
	return types.NewRecord(object)
}

// Get retrieves one record
func (s *BoltStore) Get(ctx context.Context, object, id string) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = (&boltTxn{tx: tx}).get(object, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, object, id)
	}
	return rec, nil
}

// Query returns the records matching the query text
func (s *BoltStore) Query(ctx context.Context, text string) ([]*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var recs []*types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		recs, err = runQuery(boltScanner(tx), text)
		return err
	})
	return recs, err
}

// Count returns the number of records matching the query text
func (s *BoltStore) Count(ctx context.Context, text string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		n, err = runCount(boltScanner(tx), text)
		return err
	})
	return n, err
}

// BulkSave saves all records in one transaction; items fail independently
func (s *BoltStore) BulkSave(ctx context.Context, records []*types.Record) (*BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *BulkResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		res, err = saveAll(&boltTxn{tx: tx}, s.schema, records, func() string {
			return uuid.New().String()
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bulk save failed: %w", err)
	}
	return res, nil
}

// BulkDelete deletes all records in one transaction
func (s *BoltStore) BulkDelete(ctx context.Context, records []*types.Record) (*BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var res *BulkResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		res, err = deleteAll(&boltTxn{tx: tx}, s.schema, records)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bulk delete failed: %w", err)
	}
	return res, nil
}

func boltScanner(tx *bolt.Tx) scanner {
	return func(object string, fn func(*types.Record) error) error {
		b := tx.Bucket(objectBucket(object))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode %s %s: %w", object, k, err)
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		return nil
	}
}

// boltTxn adapts a bolt transaction to the shared bulk logic
type boltTxn struct {
	tx *bolt.Tx
}

func (t *boltTxn) get(object, id string) (*types.Record, error) {
	b := t.tx.Bucket(objectBucket(object))
	if b == nil {
		return nil, nil
	}
	data := b.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", object, id, err)
	}
	return &rec, nil
}

func (t *boltTxn) put(rec *types.Record) error {
	b, err := t.tx.CreateBucketIfNotExists(objectBucket(rec.Object))
	if err != nil {
		return fmt.Errorf("failed to create bucket for %s: %w", rec.Object, err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.ID), data)
}

func (t *boltTxn) del(object, id string) error {
	b := t.tx.Bucket(objectBucket(object))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(id))
}

func (t *boltTxn) uniqueOwner(key string) (string, error) {
	b := t.tx.Bucket(bucketUnique)
	if b == nil {
		return "", nil
	}
	return string(b.Get([]byte(key))), nil
}

func (t *boltTxn) putUnique(key, id string) error {
	return t.tx.Bucket(bucketUnique).Put([]byte(key), []byte(id))
}

func (t *boltTxn) delUnique(key string) error {
	return t.tx.Bucket(bucketUnique).Delete([]byte(key))
}
