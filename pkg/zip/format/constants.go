// Package format defines the on-disk byte layout of a ZIP/ZIP64
// archive: record signatures, fixed-size header lengths, extra field
// tags, and the little-endian encoding helpers used to write them.
//
// Both pkg/zip/archive (which emits these bytes) and pkg/zip/estimate
// (which predicts their count without emitting anything) import this
// package exclusively, so there is exactly one place a layout constant
// can be wrong.
package format

// Record signatures, little-endian on disk.
const (
	LocalFileHeaderSignature             uint32 = 0x04034b50
	CentralFileHeaderSignature           uint32 = 0x02014b50
	DataDescriptorSignature              uint32 = 0x08074b50
	EndOfCentralDirSignature             uint32 = 0x06054b50
	Zip64EndOfCentralDirSignature         uint32 = 0x06064b50
	Zip64EndOfCentralDirLocatorSignature uint32 = 0x07064b50
)

// Fixed-size portions of each record, excluding variable-length name,
// extra field and comment payloads.
const (
	LocalFileHeaderLen             = 30
	CentralFileHeaderLen           = 46
	EndOfCentralDirLen             = 22
	Zip64EndOfCentralDirLen        = 56
	Zip64EndOfCentralDirLocatorLen = 20

	// DataDescriptorLen is the 12-byte payload (CRC + two 4-byte
	// sizes) plus the 4-byte designator signature.
	DataDescriptorLen = 16
	// DataDescriptor64Len is the ZIP64 variant with 8-byte sizes.
	DataDescriptor64Len = 24
)

// Compression method codes recorded in local and central headers.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
	MethodAES     uint16 = 99
)

// Version needed to extract.
const (
	VersionBaseline uint16 = 20
	VersionZip64    uint16 = 45
	VersionAES      uint16 = 51
)

// General purpose bit flag positions.
const (
	FlagEncrypted      uint16 = 1 << 0
	FlagDataDescriptor uint16 = 1 << 3
	FlagUTF8           uint16 = 1 << 11
)

// Extra field tag IDs.
const (
	ExtraTagZip64             uint16 = 0x0001
	ExtraTagExtendedTimestamp uint16 = 0x5455
	ExtraTagNTFSTimestamp     uint16 = 0x000a
	ExtraTagAES               uint16 = 0x9901
)

// Fixed lengths (header + payload) of the non-ZIP64 extra fields this
// writer emits.
const (
	ExtendedTimestampExtraLen = 9  // 4 header + 1 flags + 4 mtime
	NTFSTimestampExtraLen     = 36 // 4 header + 4 reserved + 2 tag + 2 size + 3x8 FILETIME
	AESExtraLen               = 11 // 4 header + 7 payload
)

// MaxStandardValue is the largest uncompressed/compressed size or
// offset that fits in the classic 32-bit ZIP fields (entry counts use
// MaxStandardEntryCount). Any value strictly greater than this forces
// ZIP64 representation for that field, per spec.
const MaxStandardValue = 0xFFFFFFFE

// PlaceholderUint32 is written into a 32-bit field that has been
// superseded by a ZIP64 extra field.
const PlaceholderUint32 uint32 = 0xFFFFFFFF

// MaxStandardEntryCount is the largest central directory entry count
// representable without ZIP64 (the EOCD count fields are 16-bit, and
// 0xFFFF is reserved to mean "see ZIP64 record").
const MaxStandardEntryCount = 0xFFFE

// PlaceholderUint16 is written into a 16-bit field superseded by a
// ZIP64 record.
const PlaceholderUint16 uint16 = 0xFFFF
