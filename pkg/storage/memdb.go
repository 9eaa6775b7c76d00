package storage

import (
	"context"
	"fmt"

	"github.com/cuemby/provisioner/pkg/types"
	"github.com/google/uuid"
	hcmemdb "github.com/hashicorp/go-memdb"
)

const (
	tableRecords = "records"
	tableUnique  = "unique_keys"

	indexID     = "id"
	indexObject = "object"
)

// memRecord is the row shape stored in the records table
type memRecord struct {
	Key    string
	Object string
	Record *types.Record
}

type memUnique struct {
	Key string
	ID  string
}

func memKey(object, id string) string {
	return object + "/" + id
}

func memSchema() *hcmemdb.DBSchema {
	return &hcmemdb.DBSchema{
		Tables: map[string]*hcmemdb.TableSchema{
			tableRecords: {
				Name: tableRecords,
				Indexes: map[string]*hcmemdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &hcmemdb.StringFieldIndex{Field: "Key"},
					},
					indexObject: {
						Name:    indexObject,
						Indexer: &hcmemdb.StringFieldIndex{Field: "Object"},
					},
				},
			},
			tableUnique: {
				Name: tableUnique,
				Indexes: map[string]*hcmemdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &hcmemdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
		},
	}
}

// MemStore implements Store interface on go-memdb
// Used by tests and by the memory store driver
type MemStore struct {
	db     *hcmemdb.MemDB
	schema Schema
}

// NewMemStore creates an empty in-memory store
func NewMemStore(schema Schema) (*MemStore, error) {
	db, err := hcmemdb.NewMemDB(memSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to create memdb: %w", err)
	}
	return &MemStore{db: db, schema: schema}, nil
}

// Close is a no-op
func (s *MemStore) Close() error {
	return nil
}

// NewRecord returns an empty draft of the given object type
func (s *MemStore) NewRecord(object string) *types.Record {
	return types.NewRecord(object)
}

// Get retrieves one record
func (s *MemStore) Get(ctx context.Context, object, id string) (*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()

	rec, err := (&memTxn{txn: txn}).get(object, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, object, id)
	}
	return rec, nil
}

// Query returns the records matching the query text
func (s *MemStore) Query(ctx context.Context, text string) ([]*types.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()
	return runQuery(memScanner(txn), text)
}

// Count returns the number of records matching the query text
func (s *MemStore) Count(ctx context.Context, text string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	txn := s.db.Txn(false)
	defer txn.Abort()
	return runCount(memScanner(txn), text)
}

// BulkSave saves all records in one transaction; items fail independently
func (s *MemStore) BulkSave(ctx context.Context, records []*types.Record) (*BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn := s.db.Txn(true)
	res, err := saveAll(&memTxn{txn: txn}, s.schema, records, func() string {
		return uuid.New().String()
	})
	if err != nil {
		txn.Abort()
		return nil, fmt.Errorf("bulk save failed: %w", err)
	}
	txn.Commit()
	return res, nil
}

// BulkDelete deletes all records in one transaction
func (s *MemStore) BulkDelete(ctx context.Context, records []*types.Record) (*BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn := s.db.Txn(true)
	res, err := deleteAll(&memTxn{txn: txn}, s.schema, records)
	if err != nil {
		txn.Abort()
		return nil, fmt.Errorf("bulk delete failed: %w", err)
	}
	txn.Commit()
	return res, nil
}

func memScanner(txn *hcmemdb.Txn) scanner {
	return func(object string, fn func(*types.Record) error) error {
		it, err := txn.Get(tableRecords, indexObject, object)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", object, err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			if err := fn(obj.(*memRecord).Record.Clone()); err != nil {
				return err
			}
		}
		return nil
	}
}

// memTxn adapts a memdb transaction to the shared bulk logic
type memTxn struct {
	txn *hcmemdb.Txn
}

func (t *memTxn) get(object, id string) (*types.Record, error) {
	raw, err := t.txn.First(tableRecords, indexID, memKey(object, id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*memRecord).Record.Clone(), nil
}

func (t *memTxn) put(rec *types.Record) error {
	return t.txn.Insert(tableRecords, &memRecord{
		Key:    memKey(rec.Object, rec.ID),
		Object: rec.Object,
		Record: rec.Clone(),
	})
}

func (t *memTxn) del(object, id string) error {
	err := t.txn.Delete(tableRecords, &memRecord{Key: memKey(object, id)})
	if err == hcmemdb.ErrNotFound {
		return nil
	}
	return err
}

func (t *memTxn) uniqueOwner(key string) (string, error) {
	raw, err := t.txn.First(tableUnique, indexID, key)
	if err != nil || raw == nil {
		return "", err
	}
	return raw.(*memUnique).ID, nil
}

func (t *memTxn) putUnique(key, id string) error {
	return t.txn.Insert(tableUnique, &memUnique{Key: key, ID: id})
}

func (t *memTxn) delUnique(key string) error {
	err := t.txn.Delete(tableUnique, &memUnique{Key: key})
	if err == hcmemdb.ErrNotFound {
		return nil
	}
	return err
}
