package osdmap

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	mapFormatVersion         = 1
	incrementalFormatVersion = 1
)

// FeaturesAll is the feature mask this node encodes maps with.
const FeaturesAll uint64 = 0x3ffddff8ffacffff

// FeatureReserved is always or'ed into the encode features of re-encoded maps.
const FeatureReserved uint64 = 1 << 63

// ErrCorrupt is returned when a blob cannot be decoded.
var ErrCorrupt = errors.New("osdmap: corrupt encoding")

type mapEnvelope struct {
	Version  uint8  `msgpack:"v"`
	Features uint64 `msgpack:"f"`
	Map      *Map   `msgpack:"m"`
}

type incrementalEnvelope struct {
	Version uint8        `msgpack:"v"`
	Inc     *Incremental `msgpack:"i"`
}

// Encode serializes the map for persistence and transmission.
func (m *Map) Encode(features uint64) ([]byte, error) {
	b, err := msgpack.Marshal(&mapEnvelope{Version: mapFormatVersion, Features: features, Map: m})
	if err != nil {
		return nil, fmt.Errorf("encode osdmap e%d: %w", m.Epoch, err)
	}
	return b, nil
}

// Decode parses a full map.
func Decode(b []byte) (*Map, error) {
	var env mapEnvelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != mapFormatVersion || env.Map == nil {
		return nil, fmt.Errorf("%w: map format version %d", ErrCorrupt, env.Version)
	}
	m := env.Map
	if m.Pools == nil {
		m.Pools = map[int64]Pool{}
	}
	if m.ErasureCodeProfiles == nil {
		m.ErasureCodeProfiles = map[string]map[string]string{}
	}
	return m, nil
}

// Encode serializes the incremental.
func (inc *Incremental) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(&incrementalEnvelope{Version: incrementalFormatVersion, Inc: inc})
	if err != nil {
		return nil, fmt.Errorf("encode incremental e%d: %w", inc.Epoch, err)
	}
	return b, nil
}

// DecodeIncremental parses an incremental.
func DecodeIncremental(b []byte) (*Incremental, error) {
	var env incrementalEnvelope
	if err := msgpack.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != incrementalFormatVersion || env.Inc == nil {
		return nil, fmt.Errorf("%w: incremental format version %d", ErrCorrupt, env.Version)
	}
	return env.Inc, nil
}
