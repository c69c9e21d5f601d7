// Package serial encodes index keys and record ids into page bytes.
package serial

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Serializer ids persisted in a tree's entry point.
const (
	StringID byte = 1
	Int64ID  byte = 2
	UUIDID   byte = 3
)

// KeySerializer converts keys of type K to and from their on-page form and
// defines their total order.
type KeySerializer[K any] interface {
	ID() byte
	// Size returns the number of bytes Serialize will write for k.
	Size(k K) int
	// Serialize writes k into dst, which holds at least Size(k) bytes.
	Serialize(k K, dst []byte) int
	// Deserialize decodes a key from the front of src and returns it with
	// the number of bytes consumed.
	Deserialize(src []byte) (K, int)
	Compare(a, b K) int
}

// ─── String ───────────────────────────────────────────────────────────────────

// String orders keys by their UTF-8 bytes. The encoded form is the raw bytes;
// the length is carried by the enclosing cell.
type String struct{}

func (String) ID() byte                             { return StringID }
func (String) Size(k string) int                    { return len(k) }
func (String) Serialize(k string, dst []byte) int   { return copy(dst, k) }
func (String) Deserialize(src []byte) (string, int) { return string(src), len(src) }
func (String) Compare(a, b string) int              { return cmp.Compare(a, b) }

// ─── Int64 ────────────────────────────────────────────────────────────────────

// Int64 stores integers big-endian with the sign bit flipped so encoded keys
// sort like the numbers they hold.
type Int64 struct{}

func (Int64) ID() byte       { return Int64ID }
func (Int64) Size(int64) int { return 8 }

func (Int64) Serialize(k int64, dst []byte) int {
	binary.BigEndian.PutUint64(dst, uint64(k)^(1<<63))
	return 8
}

func (Int64) Deserialize(src []byte) (int64, int) {
	return int64(binary.BigEndian.Uint64(src) ^ (1 << 63)), 8
}

func (Int64) Compare(a, b int64) int { return cmp.Compare(a, b) }

// ─── UUID ─────────────────────────────────────────────────────────────────────

// UUID orders identifiers by their 16 raw bytes.
type UUID struct{}

func (UUID) ID() byte           { return UUIDID }
func (UUID) Size(uuid.UUID) int { return 16 }

func (UUID) Serialize(k uuid.UUID, dst []byte) int { return copy(dst, k[:]) }

func (UUID) Deserialize(src []byte) (uuid.UUID, int) {
	var u uuid.UUID
	copy(u[:], src[:16])
	return u, 16
}

func (UUID) Compare(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) }

// ─── Record ids ───────────────────────────────────────────────────────────────

// RIDSize is the encoded size of a RID.
const RIDSize = 4 + 8

// RID identifies a stored record: the cluster it lives in and its position.
type RID struct {
	ClusterID int32
	Position  int64
}

// InvalidRID is never stored.
var InvalidRID = RID{ClusterID: -1, Position: math.MinInt64}

// Put writes r into dst[:RIDSize].
func (r RID) Put(dst []byte) {
	binary.LittleEndian.PutUint32(dst, uint32(r.ClusterID))
	binary.LittleEndian.PutUint64(dst[4:], uint64(r.Position))
}

// ReadRID decodes a RID written by Put.
func ReadRID(src []byte) RID {
	return RID{
		ClusterID: int32(binary.LittleEndian.Uint32(src)),
		Position:  int64(binary.LittleEndian.Uint64(src[4:])),
	}
}

// Compare orders by cluster, then position.
func (r RID) Compare(o RID) int {
	if c := cmp.Compare(r.ClusterID, o.ClusterID); c != 0 {
		return c
	}
	return cmp.Compare(r.Position, o.Position)
}

func (r RID) String() string {
	return fmt.Sprintf("#%d:%d", r.ClusterID, r.Position)
}
