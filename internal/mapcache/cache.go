// Package mapcache keeps recently used cluster maps in memory, both decoded
// and encoded, and falls back to the map store on a miss.
package mapcache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/osd/internal/metrics"
	"github.com/user/osd/internal/osdmap"
)

var tracer = otel.Tracer("github.com/user/osd/internal/mapcache")

// Loader reads a persisted map blob. *mapstore.Store implements it.
type Loader interface {
	LoadMap(e osdmap.Epoch) ([]byte, error)
}

// Cache is an epoch-indexed cache of decoded maps and their encodings. It is
// safe for concurrent use. Inserting an epoch that is already cached keeps the
// existing entry, so every holder of epoch e shares one *osdmap.Map.
type Cache struct {
	loader Loader
	maps   *lru.Cache[osdmap.Epoch, *osdmap.Map]
	blobs  *lru.Cache[osdmap.Epoch, []byte]
}

// New returns a cache holding up to mapSize decoded maps and blobSize blobs.
func New(loader Loader, mapSize, blobSize int) (*Cache, error) {
	maps, err := lru.New[osdmap.Epoch, *osdmap.Map](mapSize)
	if err != nil {
		return nil, fmt.Errorf("map cache: %w", err)
	}
	blobs, err := lru.New[osdmap.Epoch, []byte](blobSize)
	if err != nil {
		return nil, fmt.Errorf("map blob cache: %w", err)
	}
	return &Cache{loader: loader, maps: maps, blobs: blobs}, nil
}

// Get returns the map at epoch e, decoding it from the blob cache or the map
// store when it is not cached. Epoch 0 is the empty map and never touches the
// store. A load or decode error means a persisted epoch is unreadable.
func (c *Cache) Get(ctx context.Context, e osdmap.Epoch) (*osdmap.Map, error) {
	if m, ok := c.maps.Get(e); ok {
		metrics.RecordCacheLookup("map", true)
		return m, nil
	}
	metrics.RecordCacheLookup("map", false)
	if e == 0 {
		return c.Add(0, osdmap.New()), nil
	}

	_, span := tracer.Start(ctx, "mapcache.load")
	span.SetAttributes(attribute.Int64("osd.epoch", int64(e)))
	defer span.End()

	blob, err := c.LoadBlob(e)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	m, err := osdmap.Decode(blob)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode map e%d: %w", e, err)
	}
	if m.Epoch != e {
		return nil, fmt.Errorf("decode map e%d: %w: blob holds e%d", e, osdmap.ErrCorrupt, m.Epoch)
	}
	return c.Add(e, m), nil
}

// LoadBlob returns the encoding of epoch e from the blob cache or the store.
func (c *Cache) LoadBlob(e osdmap.Epoch) ([]byte, error) {
	if b, ok := c.blobs.Get(e); ok {
		metrics.RecordCacheLookup("blob", true)
		return b, nil
	}
	metrics.RecordCacheLookup("blob", false)
	b, err := c.loader.LoadMap(e)
	if err != nil {
		return nil, err
	}
	c.AddBlob(e, b)
	return b, nil
}

// Add inserts m for epoch e unless the epoch is already cached, and returns
// the cached map.
func (c *Cache) Add(e osdmap.Epoch, m *osdmap.Map) *osdmap.Map {
	if prev, ok, _ := c.maps.PeekOrAdd(e, m); ok {
		return prev
	}
	return m
}

// AddBlob inserts the encoding of epoch e unless it is already cached.
func (c *Cache) AddBlob(e osdmap.Epoch, b []byte) {
	c.blobs.PeekOrAdd(e, b)
}

// Contains reports whether the decoded map of epoch e is cached.
func (c *Cache) Contains(e osdmap.Epoch) bool {
	return c.maps.Contains(e)
}

// Remove drops both entries of epoch e.
func (c *Cache) Remove(e osdmap.Epoch) {
	c.maps.Remove(e)
	c.blobs.Remove(e)
}

// Len returns the number of cached decoded maps and blobs.
func (c *Cache) Len() (maps, blobs int) {
	return c.maps.Len(), c.blobs.Len()
}
