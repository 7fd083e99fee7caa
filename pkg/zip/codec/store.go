package codec

import (
	"hash/crc32"

	"github.com/buildbarn/bb-zip/pkg/zip/format"
)

// StoreCodec is the identity transform: output equals input. It still
// tracks a running CRC-32 and byte counts, since those are needed
// regardless of whether the entry's bytes are transformed.
type StoreCodec struct {
	crc    uint32
	input  uint64
	failed error
}

var _ Codec = (*StoreCodec)(nil)

// NewStore creates a codec that passes bytes through unchanged.
func NewStore() *StoreCodec {
	return &StoreCodec{}
}

// Update implements Codec.
func (c *StoreCodec) Update(chunk []byte) ([]byte, error) {
	if c.failed != nil {
		return nil, poisonedError(c.failed)
	}
	c.crc = crc32.Update(c.crc, crc32.IEEETable, chunk)
	c.input += uint64(len(chunk))
	// Copy out: the caller reuses chunk's backing array on its next
	// read once this call returns, but the returned bytes are handed
	// off downstream (potentially queued behind other frames) before
	// they're written out.
	return append([]byte(nil), chunk...), nil
}

// Final implements Codec.
func (c *StoreCodec) Final() ([]byte, Result, error) {
	if c.failed != nil {
		return nil, Result{}, poisonedError(c.failed)
	}
	return nil, Result{
		InputBytes:  c.input,
		OutputBytes: c.input,
		Signature:   c.crc,
	}, nil
}

// Method implements Codec.
func (c *StoreCodec) Method() uint16 { return format.MethodStore }

// CentralDirectorySignature implements Codec.
func (c *StoreCodec) CentralDirectorySignature(r Result) uint32 { return r.Signature }
