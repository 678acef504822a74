package kv

import "encoding/binary"

// PutUint32BE appends a big-endian uint32 to dst (4 bytes).
func PutUint32BE(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}
