package codec

import (
	"bytes"
	"hash/crc32"

	"github.com/klauspost/compress/flate"

	"github.com/buildbarn/bb-zip/pkg/zip/format"
)

// DeflateCodec produces RFC 1951 raw DEFLATE output via
// klauspost/compress/flate, chosen over the standard library's
// compress/flate because bb-storage already depends on
// klauspost/compress elsewhere (pkg/util/zstd_reader.go) and its
// flate.Writer is drop-in compatible while being reusable through
// Reset.
type DeflateCodec struct {
	fw     *flate.Writer
	put    func(*flate.Writer)
	buf    bytes.Buffer
	crc    uint32
	input  uint64
	output uint64
	failed error
	closed bool
}

var _ Codec = (*DeflateCodec)(nil)

// NewDeflate creates a deflate codec at the given compression level
// (1-9, or flate.DefaultCompression).
func NewDeflate(level int) (*DeflateCodec, error) {
	c := &DeflateCodec{}
	fw, err := acquireFlateWriter(level, &c.buf)
	if err != nil {
		return nil, err
	}
	c.fw = fw
	c.put = func(w *flate.Writer) { releaseFlateWriter(level, w) }
	return c, nil
}

// Update implements Codec.
func (c *DeflateCodec) Update(chunk []byte) ([]byte, error) {
	if c.failed != nil {
		return nil, poisonedError(c.failed)
	}
	c.crc = crc32.Update(c.crc, crc32.IEEETable, chunk)
	c.input += uint64(len(chunk))
	if _, err := c.fw.Write(chunk); err != nil {
		c.failed = err
		return nil, err
	}
	return c.drain(), nil
}

// Final implements Codec.
func (c *DeflateCodec) Final() ([]byte, Result, error) {
	if c.failed != nil {
		return nil, Result{}, poisonedError(c.failed)
	}
	if err := c.fw.Close(); err != nil {
		c.failed = err
		return nil, Result{}, err
	}
	c.closed = true
	trailer := c.drain()
	c.put(c.fw)
	return trailer, Result{
		InputBytes:  c.input,
		OutputBytes: c.output,
		Signature:   c.crc,
	}, nil
}

func (c *DeflateCodec) drain() []byte {
	if c.buf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), c.buf.Bytes()...)
	c.output += uint64(len(out))
	c.buf.Reset()
	return out
}

// Method implements Codec.
func (c *DeflateCodec) Method() uint16 { return format.MethodDeflate }

// CentralDirectorySignature implements Codec.
func (c *DeflateCodec) CentralDirectorySignature(r Result) uint32 { return r.Signature }
