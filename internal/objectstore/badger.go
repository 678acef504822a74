package objectstore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/user/osd/internal/kv"
)

type badgerStore struct {
	dir    string
	noSync bool

	mu sync.RWMutex
	db *badger.DB
}

func newBadgerStore(dir string, noSync bool) *badgerStore {
	return &badgerStore{dir: dir, noSync: noSync}
}

func (s *badgerStore) open() (*badger.DB, error) {
	if err := ensureDir(s.dir); err != nil {
		return nil, err
	}
	opts := badger.DefaultOptions(filepath.Join(s.dir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = !s.noSync
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger object store: %w", err)
	}
	return db, nil
}

func (s *badgerStore) Mkfs() error {
	db, err := s.open()
	if err != nil {
		return err
	}
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set(kv.StoreMetaKey(metaStoreType), []byte("badger"))
	})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("mkfs: %w", err)
	}
	return db.Close()
}

func (s *badgerStore) Mount() error {
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

func (s *badgerStore) Umount() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func badgerGet(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func badgerKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func (s *badgerStore) view(fn func(txn *badger.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotMounted
	}
	return s.db.View(fn)
}

func (s *badgerStore) ListCollections() ([]string, error) {
	var out []string
	err := s.view(func(txn *badger.Txn) error {
		for _, k := range badgerKeys(txn, []byte(kv.PrefixCollection)) {
			if coll, ok := kv.CollectionFromKey(k); ok {
				out = append(out, coll)
			}
		}
		return nil
	})
	return out, err
}

func (s *badgerStore) CollectionExists(coll string) (bool, error) {
	found := false
	err := s.view(func(txn *badger.Txn) error {
		_, err := badgerGet(txn, kv.CollectionKey(coll))
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	return found, err
}

func (s *badgerStore) ListObjects(coll string) ([]string, error) {
	var out []string
	err := s.view(func(txn *badger.Txn) error {
		for _, k := range badgerKeys(txn, kv.ObjectPrefix(coll)) {
			if oid, ok := kv.ObjectFromKey(coll, k); ok {
				out = append(out, oid)
			}
		}
		return nil
	})
	return out, err
}

func (s *badgerStore) Read(coll, oid string) ([]byte, error) {
	var out []byte
	err := s.view(func(txn *badger.Txn) error {
		v, err := badgerGet(txn, kv.ObjectKey(coll, oid))
		out = v
		return err
	})
	return out, err
}

func (s *badgerStore) DoTransaction(txn *Transaction) error {
	if txn.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotMounted
	}
	return s.db.Update(func(btxn *badger.Txn) error {
		for i, op := range txn.Ops() {
			if err := applyBadgerOp(btxn, op); err != nil {
				return fmt.Errorf("transaction op %d (%s %s/%s): %w", i, op.Kind, op.Coll, op.OID, err)
			}
		}
		return nil
	})
}

func applyBadgerOp(txn *badger.Txn, op Op) error {
	_, err := badgerGet(txn, kv.CollectionKey(op.Coll))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	exists := err == nil
	switch op.Kind {
	case OpCreateCollection:
		if exists {
			return ErrCollectionExists
		}
		return txn.Set(kv.CollectionKey(op.Coll), kv.PutUint32BE(nil, op.SplitBits))
	case OpRemoveCollection:
		if !exists {
			return ErrNoCollection
		}
		prefix := kv.ObjectPrefix(op.Coll)
		for _, k := range badgerKeys(txn, prefix) {
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(kv.CollectionKey(op.Coll))
	case OpWrite:
		if !exists {
			return ErrNoCollection
		}
		return txn.Set(kv.ObjectKey(op.Coll, op.OID), op.Data)
	case OpRemove:
		if !exists {
			return ErrNoCollection
		}
		return txn.Delete(kv.ObjectKey(op.Coll, op.OID))
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
}

func (s *badgerStore) WriteMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotMounted
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(kv.StoreMetaKey(key), []byte(value))
	})
}

func (s *badgerStore) ReadMeta(key string) (string, error) {
	var out string
	err := s.view(func(txn *badger.Txn) error {
		v, err := badgerGet(txn, kv.StoreMetaKey(key))
		out = string(v)
		return err
	})
	return out, err
}
