package format

import "encoding/binary"

// Buffer is a fixed-size little-endian write cursor, in the spirit of
// the writeBuf helper used throughout the ZIP format ecosystem: each
// call writes at the front of the remaining slice and advances it,
// so a header is assembled as a flat sequence of typed writes with no
// manual offset bookkeeping.
type Buffer []byte

// Uint8 writes a single byte and advances the cursor.
func (b *Buffer) Uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

// Uint16 writes a little-endian uint16 and advances the cursor.
func (b *Buffer) Uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

// Uint32 writes a little-endian uint32 and advances the cursor.
func (b *Buffer) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

// Uint64 writes a little-endian uint64 and advances the cursor.
func (b *Buffer) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// Skip advances the cursor by n bytes without writing to them,
// leaving whatever zero value the backing array already has.
func (b *Buffer) Skip(n int) {
	*b = (*b)[n:]
}

// Bytes copies p into the cursor and advances past it.
func (b *Buffer) Bytes(p []byte) {
	n := copy(*b, p)
	*b = (*b)[n:]
}
