package storage

import (
	"fmt"

	"github.com/colorfulnotion/evmloader/log"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PersistenceStore is the raw key-value layer under the ledger.
type PersistenceStore struct {
	db *leveldb.DB
}

// NewPersistenceStore opens or creates a LevelDB database at path.
// An empty path gives an in-memory store.
func NewPersistenceStore(path string) (*PersistenceStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	return &PersistenceStore{db: db}, nil
}

func NewMemoryPersistenceStore() (*PersistenceStore, error) {
	return NewPersistenceStore("")
}

// Get returns (nil, false, nil) for absent keys.
func (ps *PersistenceStore) Get(key []byte) ([]byte, bool, error) {
	data, err := ps.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %x: %w", key, err)
	}
	return data, true, nil
}

func (ps *PersistenceStore) Put(key []byte, value []byte) error {
	return ps.db.Put(key, value, nil)
}

func (ps *PersistenceStore) Delete(key []byte) error {
	return ps.db.Delete(key, nil)
}

// Batch collects writes that land together in Write.
type Batch struct {
	b leveldb.Batch
}

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }

func (b *Batch) Delete(key []byte) { b.b.Delete(key) }

func (b *Batch) Len() int { return b.b.Len() }

// Write applies every operation of batch atomically.
func (ps *PersistenceStore) Write(batch *Batch) error {
	if err := ps.db.Write(&batch.b, nil); err != nil {
		return fmt.Errorf("write batch of %d: %w", batch.Len(), err)
	}
	log.Trace(log.LedgerMonitoring, "batch written", "ops", batch.Len())
	return nil
}

// GetWithPrefix returns all pairs under prefix in key order.
func (ps *PersistenceStore) GetWithPrefix(prefix []byte) ([][2][]byte, error) {
	iter := ps.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var results [][2][]byte
	for iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := append([]byte(nil), iter.Value()...)
		results = append(results, [2][]byte{key, value})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("GetWithPrefix %x: %w", prefix, err)
	}
	return results, nil
}

func (ps *PersistenceStore) Close() error {
	return ps.db.Close()
}
