// Package mapstore persists node metadata in the meta collection of the object
// store: the superblock, one encoded blob per map epoch, and the final
// definition of every deleted pool.
package mapstore

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
)

var (
	// ErrNoSuperblock is returned by LoadSuperblock on a store that was never mkfs'ed.
	ErrNoSuperblock = errors.New("mapstore: no superblock")
	// ErrNoMap is returned when a map epoch has not been stored.
	ErrNoMap = errors.New("mapstore: map not stored")
	// ErrNoPool is returned when no final snapshot exists for a pool.
	ErrNoPool = errors.New("mapstore: no final pool info")
)

const superblockOID = "osd_superblock"

func mapOID(e osdmap.Epoch) string {
	return "osdmap." + strconv.FormatUint(uint64(e), 10)
}

func finalPoolOID(id int64) string {
	return "final_pool_" + strconv.FormatInt(id, 10)
}

// FinalPool is the last definition of a pool, kept after the pool is deleted.
type FinalPool struct {
	Pool      osdmap.Pool       `msgpack:"pool"`
	ECProfile map[string]string `msgpack:"ec_profile,omitempty"`
}

// Store reads and writes node metadata. Writes are queued on a caller-owned
// transaction; nothing is durable until Apply succeeds.
type Store struct {
	store objectstore.Store
}

func New(store objectstore.Store) *Store {
	return &Store{store: store}
}

// CreateMeta queues creation of the meta collection.
func (m *Store) CreateMeta(txn *objectstore.Transaction) {
	txn.CreateCollection(objectstore.MetaCollection, 0)
}

func (m *Store) LoadSuperblock() (Superblock, error) {
	var sb Superblock
	b, err := m.store.Read(objectstore.MetaCollection, superblockOID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return sb, ErrNoSuperblock
		}
		return sb, fmt.Errorf("load superblock: %w", err)
	}
	if err := msgpack.Unmarshal(b, &sb); err != nil {
		return sb, fmt.Errorf("decode superblock: %w", err)
	}
	return sb, nil
}

func (m *Store) StoreSuperblock(txn *objectstore.Transaction, sb Superblock) error {
	b, err := msgpack.Marshal(&sb)
	if err != nil {
		return fmt.Errorf("encode superblock: %w", err)
	}
	txn.Write(objectstore.MetaCollection, superblockOID, b)
	return nil
}

// StoreMap queues the encoded map of epoch e.
func (m *Store) StoreMap(txn *objectstore.Transaction, e osdmap.Epoch, blob []byte) {
	txn.Write(objectstore.MetaCollection, mapOID(e), blob)
}

// RemoveMap queues removal of the encoded map of epoch e.
func (m *Store) RemoveMap(txn *objectstore.Transaction, e osdmap.Epoch) {
	txn.Remove(objectstore.MetaCollection, mapOID(e))
}

// LoadMap returns the encoded map of epoch e.
func (m *Store) LoadMap(e osdmap.Epoch) ([]byte, error) {
	b, err := m.store.Read(objectstore.MetaCollection, mapOID(e))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: e%d", ErrNoMap, e)
		}
		return nil, fmt.Errorf("load map e%d: %w", e, err)
	}
	return b, nil
}

// StoreFinalPool queues the final definition of a deleted pool.
func (m *Store) StoreFinalPool(txn *objectstore.Transaction, fp FinalPool) error {
	b, err := msgpack.Marshal(&fp)
	if err != nil {
		return fmt.Errorf("encode final pool %d: %w", fp.Pool.ID, err)
	}
	txn.Write(objectstore.MetaCollection, finalPoolOID(fp.Pool.ID), b)
	return nil
}

func (m *Store) LoadFinalPool(id int64) (FinalPool, error) {
	var fp FinalPool
	b, err := m.store.Read(objectstore.MetaCollection, finalPoolOID(id))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return fp, fmt.Errorf("%w: pool %d", ErrNoPool, id)
		}
		return fp, fmt.Errorf("load final pool %d: %w", id, err)
	}
	if err := msgpack.Unmarshal(b, &fp); err != nil {
		return fp, fmt.Errorf("decode final pool %d: %w", id, err)
	}
	return fp, nil
}

// Apply commits txn atomically.
func (m *Store) Apply(txn *objectstore.Transaction) error {
	return m.store.DoTransaction(txn)
}
