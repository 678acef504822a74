// Package objectstore is the node's durable object store: named collections of
// opaque objects, mutated only through atomic transactions.
package objectstore

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrNotFound is returned when an object or metadata key does not exist.
	ErrNotFound = errors.New("objectstore: not found")
	// ErrNoCollection is returned when a transaction touches a collection that does not exist.
	ErrNoCollection = errors.New("objectstore: no such collection")
	// ErrCollectionExists is returned when a transaction creates an existing collection.
	ErrCollectionExists = errors.New("objectstore: collection exists")
	// ErrNotMounted is returned by every operation on an unmounted store.
	ErrNotMounted = errors.New("objectstore: not mounted")
)

// Store is a crash-consistent object store. Every mutation goes through
// DoTransaction, which applies all of its operations or none of them.
type Store interface {
	// Mkfs initializes an empty store in its directory.
	Mkfs() error
	Mount() error
	Umount() error

	ListCollections() ([]string, error)
	CollectionExists(coll string) (bool, error)
	ListObjects(coll string) ([]string, error)
	Read(coll, oid string) ([]byte, error)
	DoTransaction(txn *Transaction) error

	// WriteMeta and ReadMeta access small store-level records that live
	// outside any collection, such as the cluster fsid recorded at mkfs.
	WriteMeta(key, value string) error
	ReadMeta(key string) (string, error)
}

// Options selects and tunes a backend.
type Options struct {
	// Backend is "pebble" or "badger".
	Backend string
	Dir     string
	NoSync  bool
}

// New returns an unmounted store for the configured backend.
func New(opts Options) (Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("objectstore: empty data dir")
	}
	switch opts.Backend {
	case "", "pebble":
		return newPebbleStore(opts.Dir, opts.NoSync), nil
	case "badger":
		return newBadgerStore(opts.Dir, opts.NoSync), nil
	default:
		return nil, fmt.Errorf("unsupported object store %q (expected pebble or badger)", opts.Backend)
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	return nil
}

const metaStoreType = "type"
