package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixCollection = "c|"  // c|{coll} => split bits (4BE)
	PrefixObject     = "o|"  // o|{coll}\x00{oid}
	PrefixStoreMeta  = "sm|" // sm|{key}
)

const sep = '\x00'

// CollectionKey returns the key recording that a collection exists: c|{coll}
func CollectionKey(coll string) []byte {
	return append([]byte(PrefixCollection), coll...)
}

// CollectionFromKey strips the collection prefix from a collection key.
func CollectionFromKey(k []byte) (string, bool) {
	if !bytes.HasPrefix(k, []byte(PrefixCollection)) {
		return "", false
	}
	return string(k[len(PrefixCollection):]), true
}

// ObjectKey returns the key of an object inside a collection: o|{coll}\x00{oid}
func ObjectKey(coll, oid string) []byte {
	k := append([]byte(PrefixObject), coll...)
	k = append(k, sep)
	return append(k, oid...)
}

// ObjectPrefix returns the scan prefix for every object of a collection: o|{coll}\x00
func ObjectPrefix(coll string) []byte {
	k := append([]byte(PrefixObject), coll...)
	return append(k, sep)
}

// ObjectFromKey returns the object id encoded in an object key of coll.
func ObjectFromKey(coll string, k []byte) (string, bool) {
	prefix := ObjectPrefix(coll)
	if !bytes.HasPrefix(k, prefix) {
		return "", false
	}
	return string(k[len(prefix):]), true
}

// StoreMetaKey returns the key of a store-level metadata entry: sm|{key}
func StoreMetaKey(key string) []byte {
	return append([]byte(PrefixStoreMeta), key...)
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, suitable as an exclusive iterator upper bound.
func PrefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}
