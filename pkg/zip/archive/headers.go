package archive

import (
	"time"

	"github.com/buildbarn/bb-zip/pkg/zip/format"
)

// entryPlan is decided once, at HeaderPending time, before any bytes
// of the entry are written. It never changes once computed: a
// non-seekable sink cannot widen a header that has already been
// flushed, so every decision that affects header layout must be made
// up front.
type entryPlan struct {
	name              string
	comment           []byte
	isDir             bool
	modTime           time.Time
	unixMode          uint32
	generalFlag       uint16
	versionNeeded     uint16
	localZip64        bool
	forceZip64        bool
	extendedTimestamp bool
	ntfsTimestamp     bool

	// aes, aesStrength and aesInnerMethod are set whenever the entry is
	// password-protected: the outer method recorded in the header is
	// always format.MethodAES, so the true codec method has to travel
	// separately to be recorded in the AES extra field.
	aes            bool
	aesStrength    format.AESStrength
	aesInnerMethod uint16
}

func nameBytes(name string, isDir bool) []byte {
	if isDir && (len(name) == 0 || name[len(name)-1] != '/') {
		name += "/"
	}
	return []byte(name)
}

// localHeaderLen returns the total byte length of the local file
// header (fixed portion + name + extra), matching exactly what
// writeLocalHeader will emit and what pkg/zip/estimate predicts.
func (p *entryPlan) localHeaderLen() int {
	n := format.LocalFileHeaderLen + len(nameBytes(p.name, p.isDir))
	n += p.localExtraLen()
	return n
}

func (p *entryPlan) localExtraLen() int {
	n := 0
	if p.localZip64 {
		n += 20 // tag+len(4) + uncompressed(8) + compressed(8)
	}
	if p.extendedTimestamp {
		n += format.ExtendedTimestampExtraLen
	}
	if p.ntfsTimestamp {
		n += format.NTFSTimestampExtraLen
	}
	if p.aes {
		n += format.AESExtraLen
	}
	return n
}

// writeLocalHeader serializes the local file header for p into dst,
// which must have length exactly p.localHeaderLen(). method is passed
// separately because it is resolved from the entry options alongside
// the plan rather than stored in it (e.g. AES overwrites method).
func writeLocalHeader(dst []byte, p *entryPlan, method uint16) {
	b := format.Buffer(dst)
	b.Uint32(format.LocalFileHeaderSignature)
	b.Uint16(p.versionNeeded)
	b.Uint16(p.generalFlag)
	b.Uint16(method)
	date, dosTime := format.DOSDateTime(p.modTime)
	b.Uint16(dosTime)
	b.Uint16(date)
	// CRC-32 and sizes are deferred to the trailing data descriptor;
	// the flag's bit 3 tells readers to ignore these placeholders.
	b.Uint32(0) // crc32
	if p.localZip64 {
		b.Uint32(format.PlaceholderUint32) // compressed size
		b.Uint32(format.PlaceholderUint32) // uncompressed size
	} else {
		b.Uint32(0) // compressed size
		b.Uint32(0) // uncompressed size
	}
	name := nameBytes(p.name, p.isDir)
	b.Uint16(uint16(len(name)))
	b.Uint16(uint16(p.localExtraLen()))
	b.Bytes(name)
	if p.localZip64 {
		zip64 := format.Zip64Fields{UncompressedSize: new(uint64), CompressedSize: new(uint64)}
		extra := zip64.Append(nil)
		b.Bytes(extra)
	}
	if p.extendedTimestamp {
		extra := format.AppendExtendedTimestamp(nil, p.modTime)
		b.Bytes(extra)
	}
	if p.ntfsTimestamp {
		extra := format.AppendNTFSTimestamp(nil, p.modTime, p.modTime, p.modTime)
		b.Bytes(extra)
	}
	if p.aes {
		extra := format.AppendAESExtra(nil, p.aesStrength, p.aesInnerMethod)
		b.Bytes(extra)
	}
}

// dataDescriptorLen returns the byte length of the descriptor that
// will trail entry, depending on whether either size exceeds the
// 32-bit standard range.
func dataDescriptorLen(compressedSize, uncompressedSize uint64) int {
	if compressedSize > format.MaxStandardValue || uncompressedSize > format.MaxStandardValue {
		return format.DataDescriptor64Len
	}
	return format.DataDescriptorLen
}

func writeDataDescriptor(dst []byte, crc32, compressedSize, uncompressedSize uint64) {
	b := format.Buffer(dst)
	b.Uint32(format.DataDescriptorSignature)
	b.Uint32(uint32(crc32))
	if len(dst) == format.DataDescriptor64Len {
		b.Uint64(compressedSize)
		b.Uint64(uncompressedSize)
	} else {
		b.Uint32(uint32(compressedSize))
		b.Uint32(uint32(uncompressedSize))
	}
}

// centralRecord carries everything needed to emit one central
// directory file header, collected once its entry reaches Committed.
type centralRecord struct {
	plan             *entryPlan
	method           uint16
	crc32            uint32
	compressedSize   uint64
	uncompressedSize uint64
	offset           uint64
}

// needsZip64Extra reports whether the central extra field must carry at
// least one ZIP64 field, per §4.5's rule: a field is included if its
// value overflows 32 bits OR ZIP64 was forced, except the offset field,
// which is always suppressed for the first entry (offset 0 trivially
// fits in u32, forced or not).
func (r *centralRecord) needsZip64Extra() bool {
	return r.needsUncompressed() || r.needsCompressed() || r.needsOffset()
}

func (r *centralRecord) needsUncompressed() bool {
	return r.uncompressedSize > format.MaxStandardValue || r.plan.forceZip64
}

func (r *centralRecord) needsCompressed() bool {
	return r.compressedSize > format.MaxStandardValue || r.plan.forceZip64
}

func (r *centralRecord) needsOffset() bool {
	if r.offset == 0 {
		return false
	}
	return r.offset > format.MaxStandardValue || r.plan.forceZip64
}

func (r *centralRecord) centralExtraLen() int {
	n := 0
	if r.needsZip64Extra() {
		zip64 := r.zip64Fields()
		n += zip64.Len()
	}
	if r.plan.extendedTimestamp {
		n += format.ExtendedTimestampExtraLen
	}
	if r.plan.ntfsTimestamp {
		n += format.NTFSTimestampExtraLen
	}
	if r.plan.aes {
		n += format.AESExtraLen
	}
	return n
}

func (r *centralRecord) zip64Fields() format.Zip64Fields {
	var f format.Zip64Fields
	if r.needsUncompressed() {
		v := r.uncompressedSize
		f.UncompressedSize = &v
	}
	if r.needsCompressed() {
		v := r.compressedSize
		f.CompressedSize = &v
	}
	if r.needsOffset() {
		v := r.offset
		f.Offset = &v
	}
	return f
}

func (r *centralRecord) centralHeaderLen() int {
	return format.CentralFileHeaderLen + len(nameBytes(r.plan.name, r.plan.isDir)) + r.centralExtraLen() + len(r.plan.comment)
}

func writeCentralHeader(dst []byte, r *centralRecord) {
	b := format.Buffer(dst)
	b.Uint32(format.CentralFileHeaderSignature)
	const versionMadeBy = uint16(0x0314) // high byte 3 = Unix host, low byte = spec version 20
	b.Uint16(versionMadeBy)
	versionNeeded := r.plan.versionNeeded
	if r.needsZip64Extra() && versionNeeded < format.VersionZip64 {
		versionNeeded = format.VersionZip64
	}
	b.Uint16(versionNeeded)
	b.Uint16(r.plan.generalFlag)
	b.Uint16(r.method)
	date, dosTime := format.DOSDateTime(r.plan.modTime)
	b.Uint16(dosTime)
	b.Uint16(date)
	b.Uint32(r.crc32)

	compressed := r.compressedSize
	uncompressed := r.uncompressedSize
	offset := r.offset
	if r.needsZip64Extra() {
		if compressed > format.MaxStandardValue {
			compressed = uint64(format.PlaceholderUint32)
		}
		if uncompressed > format.MaxStandardValue {
			uncompressed = uint64(format.PlaceholderUint32)
		}
		if offset > format.MaxStandardValue {
			offset = uint64(format.PlaceholderUint32)
		}
	}
	b.Uint32(uint32(compressed))
	b.Uint32(uint32(uncompressed))

	name := nameBytes(r.plan.name, r.plan.isDir)
	b.Uint16(uint16(len(name)))
	b.Uint16(uint16(r.centralExtraLen()))
	b.Uint16(uint16(len(r.plan.comment)))
	b.Uint16(0) // disk number start
	b.Uint16(0) // internal file attributes

	dosAttr := uint32(0x20) // FILE_ATTRIBUTE_ARCHIVE
	if r.plan.isDir {
		dosAttr = 0x10 // FILE_ATTRIBUTE_DIRECTORY
	}
	b.Uint32((r.plan.unixMode << 16) | dosAttr)
	b.Uint32(uint32(offset))

	b.Bytes(name)
	if r.needsZip64Extra() {
		extra := r.zip64Fields().Append(nil)
		b.Bytes(extra)
	}
	if r.plan.extendedTimestamp {
		extra := format.AppendExtendedTimestamp(nil, r.plan.modTime)
		b.Bytes(extra)
	}
	if r.plan.ntfsTimestamp {
		extra := format.AppendNTFSTimestamp(nil, r.plan.modTime, r.plan.modTime, r.plan.modTime)
		b.Bytes(extra)
	}
	if r.plan.aes {
		extra := format.AppendAESExtra(nil, r.plan.aesStrength, r.plan.aesInnerMethod)
		b.Bytes(extra)
	}
	b.Bytes(r.plan.comment)
}
