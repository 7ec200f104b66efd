package btree

import (
	"bytes"
	"cmp"
	"encoding/binary"

	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
)

// Order defines a function that compares two keys.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
type Order[K any] func(a, b K) int

// DefaultKeyOrder provides a default comparator for standard comparable types.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// Codec converts values to and from a fixed number of bytes. Node layouts depend on
// every key and value of a tree having the same encoded size.
type Codec[T any] interface {
	Size() int
	Encode(dst []byte, v T)
	Decode(src []byte) T
}

// KeyValueCodec bundles the key and value codecs of one tree.
type KeyValueCodec[K any, V any] struct {
	Key   Codec[K]
	Value Codec[V]
}

// Int64Codec stores int64 little-endian in 8 bytes.
type Int64Codec struct{}

func (Int64Codec) Size() int                  { return 8 }
func (Int64Codec) Encode(dst []byte, v int64) { binary.LittleEndian.PutUint64(dst, uint64(v)) }
func (Int64Codec) Decode(src []byte) int64    { return int64(binary.LittleEndian.Uint64(src)) }

// FixedStringCodec stores strings NUL-padded to Width bytes. Longer strings are
// truncated, so callers that care must check length before inserting.
type FixedStringCodec struct {
	Width int
}

func (c FixedStringCodec) Size() int { return c.Width }

func (c FixedStringCodec) Encode(dst []byte, v string) {
	n := copy(dst[:c.Width], v)
	clear(dst[n:c.Width])
}

func (c FixedStringCodec) Decode(src []byte) string {
	b := src[:c.Width]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// BytesCodec stores up to Width arbitrary bytes behind a 2-byte length, so values may
// contain NUL bytes. Width must not exceed math.MaxUint16.
type BytesCodec struct {
	Width int
}

func (c BytesCodec) Size() int { return 2 + c.Width }

func (c BytesCodec) Encode(dst []byte, v string) {
	n := copy(dst[2:2+c.Width], v)
	binary.LittleEndian.PutUint16(dst, uint16(n))
	clear(dst[2+n : 2+c.Width])
}

func (c BytesCodec) Decode(src []byte) string {
	n := min(int(binary.LittleEndian.Uint16(src)), c.Width)
	return string(src[2 : 2+n])
}

// RID locates a tuple: the heap page holding it and its slot on that page.
type RID struct {
	PageID  pagemanager.PageID
	SlotNum uint32
}

// RIDCodec stores a RID in 12 bytes.
type RIDCodec struct{}

func (RIDCodec) Size() int { return 12 }

func (RIDCodec) Encode(dst []byte, v RID) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(v.PageID))
	binary.LittleEndian.PutUint32(dst[8:12], v.SlotNum)
}

func (RIDCodec) Decode(src []byte) RID {
	return RID{
		PageID:  pagemanager.PageID(binary.LittleEndian.Uint64(src[0:8])),
		SlotNum: binary.LittleEndian.Uint32(src[8:12]),
	}
}
