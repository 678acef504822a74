package pg

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/osdmap"
)

const infoOID = "pginfo"

// ErrNoInfo is returned when a pg collection has no info object.
var ErrNoInfo = errors.New("pg: no info object")

// Info is the on-disk metadata of a pg shard.
type Info struct {
	PGID    osdmap.SPGID  `msgpack:"pgid"`
	Epoch   osdmap.Epoch  `msgpack:"epoch"`
	History msg.PGHistory `msgpack:"history"`
}

func writeInfo(txn *objectstore.Transaction, coll string, info Info) error {
	b, err := msgpack.Marshal(&info)
	if err != nil {
		return fmt.Errorf("encode pg info %s: %w", info.PGID, err)
	}
	txn.Write(coll, infoOID, b)
	return nil
}

// ReadInfo loads the metadata of pgid from its collection.
func ReadInfo(store objectstore.Store, pgid osdmap.SPGID) (Info, error) {
	var info Info
	b, err := store.Read(objectstore.PGCollection(pgid), infoOID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return info, fmt.Errorf("%w: %s", ErrNoInfo, pgid)
		}
		return info, fmt.Errorf("read pg info %s: %w", pgid, err)
	}
	if err := msgpack.Unmarshal(b, &info); err != nil {
		return info, fmt.Errorf("decode pg info %s: %w", pgid, err)
	}
	return info, nil
}

// ReadEpoch returns the map epoch pgid was last persisted at.
func ReadEpoch(store objectstore.Store, pgid osdmap.SPGID) (osdmap.Epoch, error) {
	info, err := ReadInfo(store, pgid)
	if err != nil {
		return 0, err
	}
	return info.Epoch, nil
}
