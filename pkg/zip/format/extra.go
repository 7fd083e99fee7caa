package format

import "time"

// Zip64Fields describes which of the optional 8-byte fields a ZIP64
// extra field carries. Exactly one builder (this type) is shared by
// pkg/zip/archive (which serializes it) and pkg/zip/estimate (which
// only needs its Len), so the two can never disagree about size.
type Zip64Fields struct {
	UncompressedSize *uint64
	CompressedSize   *uint64
	// Offset is only meaningful in a central directory extra field;
	// local file headers carry no offset field at all.
	Offset *uint64
	// DiskNumber is only ever set for split archives; it does not
	// appear in local extra fields.
	DiskNumber *uint32
}

// Len returns the total byte length of the extra field, including its
// 4-byte tag+length header. It returns 0 if no optional field is set,
// meaning the ZIP64 extra field should be omitted entirely.
func (f Zip64Fields) Len() int {
	n := f.payloadLen()
	if n == 0 {
		return 0
	}
	return 4 + n
}

func (f Zip64Fields) payloadLen() int {
	n := 0
	if f.UncompressedSize != nil {
		n += 8
	}
	if f.CompressedSize != nil {
		n += 8
	}
	if f.Offset != nil {
		n += 8
	}
	if f.DiskNumber != nil {
		n += 4
	}
	return n
}

// Append serializes the extra field (tag, length, then the populated
// fields in the fixed order uncompressed/compressed/offset/disk) onto
// dst and returns the result. It is a no-op if Len() == 0.
func (f Zip64Fields) Append(dst []byte) []byte {
	n := f.payloadLen()
	if n == 0 {
		return dst
	}
	buf := make([]byte, 4+n)
	b := Buffer(buf)
	b.Uint16(ExtraTagZip64)
	b.Uint16(uint16(n))
	if f.UncompressedSize != nil {
		b.Uint64(*f.UncompressedSize)
	}
	if f.CompressedSize != nil {
		b.Uint64(*f.CompressedSize)
	}
	if f.Offset != nil {
		b.Uint64(*f.Offset)
	}
	if f.DiskNumber != nil {
		b.Uint32(*f.DiskNumber)
	}
	return append(dst, buf...)
}

// AppendExtendedTimestamp appends the 9-byte "extended timestamp"
// extra field (tag 0x5455), carrying only the modification time, as
// used identically in both local and central headers.
func AppendExtendedTimestamp(dst []byte, mtime time.Time) []byte {
	var buf [ExtendedTimestampExtraLen]byte
	b := Buffer(buf[:])
	b.Uint16(ExtraTagExtendedTimestamp)
	b.Uint16(5) // flags(1) + mtime(4)
	b.Uint8(1)  // flags: bit 0 = modification time present
	b.Uint32(uint32(mtime.Unix()))
	return append(dst, buf[:]...)
}

// AppendNTFSTimestamp appends the 36-byte NTFS timestamp extra field
// (tag 0x000a), carrying mtime/atime/ctime as Windows FILETIME values.
func AppendNTFSTimestamp(dst []byte, mtime, atime, ctime time.Time) []byte {
	var buf [NTFSTimestampExtraLen]byte
	b := Buffer(buf[:])
	b.Uint16(ExtraTagNTFSTimestamp)
	b.Uint16(32) // reserved(4) + tag1(2) + size1(2) + 3x FILETIME(8)
	b.Uint32(0)  // reserved
	b.Uint16(1)  // attribute tag 1: file times
	b.Uint16(24) // size of the three FILETIME values
	b.Uint64(ToFileTime(mtime))
	b.Uint64(ToFileTime(atime))
	b.Uint64(ToFileTime(ctime))
	return append(dst, buf[:]...)
}

// AESStrength identifies the AES key size used by the WinZip AES
// wrapper codec, which in turn determines its salt length.
type AESStrength uint8

const (
	AES128 AESStrength = 1
	AES192 AESStrength = 2
	AES256 AESStrength = 3
)

// SaltLen returns the salt length in bytes associated with an AES
// strength, per the WinZip AES specification (8/12/16 bytes).
func (s AESStrength) SaltLen() int {
	switch s {
	case AES128:
		return 8
	case AES192:
		return 12
	case AES256:
		return 16
	default:
		return 16
	}
}

// AppendAESExtra appends the 11-byte AES extra field (tag 0x9901),
// recording the wrapper format version, strength, and the true inner
// compression method (since the outer method field is overwritten
// with MethodAES).
func AppendAESExtra(dst []byte, strength AESStrength, innerMethod uint16) []byte {
	var buf [AESExtraLen]byte
	b := Buffer(buf[:])
	b.Uint16(ExtraTagAES)
	b.Uint16(7)
	b.Uint16(2) // AE-2: CRC-32 of plaintext is not stored
	b.Bytes([]byte("AE"))
	b.Uint8(uint8(strength))
	b.Uint16(innerMethod)
	return append(dst, buf[:]...)
}
