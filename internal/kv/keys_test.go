package kv

import (
	"bytes"
	"testing"
)

func TestCollectionKeyRoundTrip(t *testing.T) {
	k := CollectionKey("1.7s2_head")
	coll, ok := CollectionFromKey(k)
	if !ok {
		t.Fatal("missing prefix")
	}
	if coll != "1.7s2_head" {
		t.Errorf("collection: got %q, want %q", coll, "1.7s2_head")
	}
	if _, ok := CollectionFromKey(ObjectKey("meta", "x")); ok {
		t.Error("object key must not parse as a collection key")
	}
}

func TestObjectPrefixSeek(t *testing.T) {
	prefix := ObjectPrefix("meta")
	key := ObjectKey("meta", "osdmap.12")
	if !bytes.HasPrefix(key, prefix) {
		t.Error("object key should start with collection prefix")
	}
	oid, ok := ObjectFromKey("meta", key)
	if !ok || oid != "osdmap.12" {
		t.Errorf("oid: got %q (%v), want %q", oid, ok, "osdmap.12")
	}

	// A collection whose name extends another must not match.
	other := ObjectKey("meta2", "osdmap.12")
	if bytes.HasPrefix(other, prefix) {
		t.Error("different collection should not match")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	prefix := ObjectPrefix("1.0_head")
	upper := PrefixUpperBound(prefix)
	inside := ObjectKey("1.0_head", "\xff\xff")
	if bytes.Compare(inside, upper) >= 0 {
		t.Error("key with prefix must sort below the upper bound")
	}
	if bytes.Compare(prefix, upper) >= 0 {
		t.Error("prefix must sort below the upper bound")
	}
	if PrefixUpperBound(nil) != nil {
		t.Error("empty prefix has no upper bound")
	}
}

func TestUint32BE(t *testing.T) {
	b := PutUint32BE([]byte("x"), 0xdeadbeef)
	if !bytes.Equal(b, []byte{'x', 0xde, 0xad, 0xbe, 0xef}) {
		t.Errorf("got %x", b)
	}
}
