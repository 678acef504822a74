package objectstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/user/osd/internal/kv"
)

type pebbleStore struct {
	dir    string
	noSync bool

	mu sync.RWMutex // held for writing while a transaction validates and commits
	db *pebble.DB
}

func newPebbleStore(dir string, noSync bool) *pebbleStore {
	return &pebbleStore{dir: dir, noSync: noSync}
}

func (s *pebbleStore) open() (*pebble.DB, error) {
	if err := ensureDir(s.dir); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Join(s.dir, "pebble"), &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble object store: %w", err)
	}
	return db, nil
}

func (s *pebbleStore) syncOpt() *pebble.WriteOptions {
	if s.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (s *pebbleStore) Mkfs() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	if err := db.Set(kv.StoreMetaKey(metaStoreType), []byte("pebble"), pebble.Sync); err != nil {
		_ = db.Close()
		return fmt.Errorf("mkfs: %w", err)
	}
	return db.Close()
}

func (s *pebbleStore) Mount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *pebbleStore) Umount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *pebbleStore) get(r pebble.Reader, key []byte) ([]byte, error) {
	v, closer, err := r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), v...), nil
}

func (s *pebbleStore) scan(prefix []byte, fn func(k []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key()) {
			break
		}
	}
	return iter.Error()
}

func (s *pebbleStore) ListCollections() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotMounted
	}
	var out []string
	err := s.scan([]byte(kv.PrefixCollection), func(k []byte) bool {
		if coll, ok := kv.CollectionFromKey(k); ok {
			out = append(out, coll)
		}
		return true
	})
	return out, err
}

func (s *pebbleStore) CollectionExists(coll string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return false, ErrNotMounted
	}
	_, err := s.get(s.db, kv.CollectionKey(coll))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *pebbleStore) ListObjects(coll string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotMounted
	}
	var out []string
	err := s.scan(kv.ObjectPrefix(coll), func(k []byte) bool {
		if oid, ok := kv.ObjectFromKey(coll, k); ok {
			out = append(out, oid)
		}
		return true
	})
	return out, err
}

func (s *pebbleStore) Read(coll, oid string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotMounted
	}
	return s.get(s.db, kv.ObjectKey(coll, oid))
}

func (s *pebbleStore) DoTransaction(txn *Transaction) error {
	if txn.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotMounted
	}
	batch := s.db.NewIndexedBatch()
	defer func() { _ = batch.Close() }()
	for i, op := range txn.Ops() {
		if err := s.applyOp(batch, op); err != nil {
			return fmt.Errorf("transaction op %d (%s %s/%s): %w", i, op.Kind, op.Coll, op.OID, err)
		}
	}
	return batch.Commit(s.syncOpt())
}

func (s *pebbleStore) applyOp(batch *pebble.Batch, op Op) error {
	exists := func() (bool, error) {
		_, err := s.get(batch, kv.CollectionKey(op.Coll))
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	ok, err := exists()
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpCreateCollection:
		if ok {
			return ErrCollectionExists
		}
		return batch.Set(kv.CollectionKey(op.Coll), kv.PutUint32BE(nil, op.SplitBits), nil)
	case OpRemoveCollection:
		if !ok {
			return ErrNoCollection
		}
		prefix := kv.ObjectPrefix(op.Coll)
		if err := batch.DeleteRange(prefix, kv.PrefixUpperBound(prefix), nil); err != nil {
			return err
		}
		return batch.Delete(kv.CollectionKey(op.Coll), nil)
	case OpWrite:
		if !ok {
			return ErrNoCollection
		}
		return batch.Set(kv.ObjectKey(op.Coll, op.OID), op.Data, nil)
	case OpRemove:
		if !ok {
			return ErrNoCollection
		}
		return batch.Delete(kv.ObjectKey(op.Coll, op.OID), nil)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

func (s *pebbleStore) WriteMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotMounted
	}
	return s.db.Set(kv.StoreMetaKey(key), []byte(value), s.syncOpt())
}

func (s *pebbleStore) ReadMeta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrNotMounted
	}
	v, err := s.get(s.db, kv.StoreMetaKey(key))
	if err != nil {
		return "", err
	}
	return string(v), nil
}
