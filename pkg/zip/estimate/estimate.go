// Package estimate implements the archive's pre-flight size predictor
// (§4.5): given the entries a caller plans to add, compute the exact
// number of bytes the resulting stream will occupy, without writing
// a single byte of it.
//
// Every layout computation here is deliberately re-derived straight
// from pkg/zip/format rather than imported from pkg/zip/archive, so
// that package's entryPlan/centralRecord types stay private — the
// header-length arithmetic below must nonetheless produce the exact
// same totals archive.Writer would for the same inputs, a property
// exercised by the cross-check test in estimate_test.go.
package estimate

import (
	"github.com/buildbarn/bb-zip/pkg/zip/format"
	"github.com/buildbarn/bb-zip/pkg/zip/ziperrors"
)

// EntrySpec describes one planned entry, mirroring the fields of
// pipeline.EntryOptions that affect on-wire size.
type EntrySpec struct {
	Name      string
	Comment   string
	Directory bool

	// UncompressedSize is the entry's logical size. It is required
	// for stored (Level == 0) entries, since their compressed size
	// equals it exactly; for compressed entries it only affects the
	// ZIP64-promotion decision and may be left nil if unknown.
	UncompressedSize *uint64

	// CompressedSizeHint is the caller's prediction of the compressed
	// output size (before any AES overhead), required whenever
	// Level != 0: deflate's ratio is data-dependent and cannot be
	// derived from UncompressedSize alone. It is used as-is, so the
	// estimate is exact only when the hint equals the size the codec
	// actually produces.
	CompressedSizeHint *uint64

	Level                 int
	Password              string
	AESStrength           format.AESStrength
	SkipExtendedTimestamp bool
	SkipNTFSTimestamp     bool
	ForceZip64            bool

	PassThrough       bool
	PassThroughMethod uint16
}

// Options mirrors the archive-wide settings of archive.Options that
// affect layout size.
type Options struct {
	Comment               string
	ForceZip64            bool
	SkipExtendedTimestamp bool
	NTFSTimestamp         bool
}

// EstimateSize returns the exact byte length of the archive that
// would result from adding entries, in order, to a Writer configured
// with opts. It returns a ziperrors UnknownSize error for any entry
// whose size cannot be predicted from the information given.
func EstimateSize(entries []EntrySpec, opts Options) (uint64, error) {
	var cursor uint64
	var centralTotal uint64
	var anyZip64 bool

	for i, e := range entries {
		if e.Name == "" {
			return 0, ziperrors.New(ziperrors.InvalidArgument, "entry %d has an empty name", i)
		}

		compressedSize, uncompressedSize, err := estimatedSizes(e)
		if err != nil {
			return 0, ziperrors.Wrapf(err, "estimating entry %q", e.Name)
		}

		localZip64 := decideLocalZip64(e, opts)
		extendedTimestamp := !e.SkipExtendedTimestamp && !opts.SkipExtendedTimestamp
		ntfsTimestamp := !e.SkipNTFSTimestamp && opts.NTFSTimestamp

		aes := e.Password != "" && !e.PassThrough

		nameLen := len(nameBytes(e.Name, e.Directory))
		localExtra := 0
		if localZip64 {
			localExtra += 20 // tag+len(4) + uncompressed(8) + compressed(8)
		}
		if extendedTimestamp {
			localExtra += format.ExtendedTimestampExtraLen
		}
		if ntfsTimestamp {
			localExtra += format.NTFSTimestampExtraLen
		}
		if aes {
			localExtra += format.AESExtraLen
		}

		offset := cursor
		cursor += uint64(format.LocalFileHeaderLen + nameLen + localExtra)
		cursor += compressedSize
		cursor += uint64(dataDescriptorLen(compressedSize, uncompressedSize))

		forced := opts.ForceZip64 || e.ForceZip64
		needsUncompressed := uncompressedSize > format.MaxStandardValue || forced
		needsCompressed := compressedSize > format.MaxStandardValue || forced
		// The offset field is suppressed for the first entry regardless
		// of forcing: its offset is necessarily 0 and trivially fits in
		// a u32.
		needsOffset := offset != 0 && (offset > format.MaxStandardValue || forced)
		needsZip64Extra := needsUncompressed || needsCompressed || needsOffset
		if needsZip64Extra || localZip64 {
			anyZip64 = true
		}

		centralExtra := 0
		if needsZip64Extra {
			centralExtra += zip64FieldsLen(needsUncompressed, needsCompressed, needsOffset, compressedSize, uncompressedSize, offset)
		}
		if extendedTimestamp {
			centralExtra += format.ExtendedTimestampExtraLen
		}
		if ntfsTimestamp {
			centralExtra += format.NTFSTimestampExtraLen
		}
		if aes {
			centralExtra += format.AESExtraLen
		}

		centralTotal += uint64(format.CentralFileHeaderLen + nameLen + centralExtra + len(e.Comment))
	}

	cdOffset := cursor
	cursor += centralTotal

	needsZip64EOCD := opts.ForceZip64 || anyZip64 ||
		len(entries) > format.MaxStandardEntryCount ||
		centralTotal > format.MaxStandardValue ||
		cdOffset > format.MaxStandardValue

	if needsZip64EOCD {
		cursor += format.Zip64EndOfCentralDirLen
		cursor += format.Zip64EndOfCentralDirLocatorLen
	}
	cursor += uint64(format.EndOfCentralDirLen + len(opts.Comment))

	return cursor, nil
}

func estimatedSizes(e EntrySpec) (compressedSize, uncompressedSize uint64, err error) {
	if e.Directory {
		return 0, 0, nil
	}

	if e.PassThrough {
		if e.CompressedSizeHint == nil {
			return 0, 0, ziperrors.New(ziperrors.UnknownSize, "pass-through entry requires a CompressedSizeHint")
		}
		compressedSize = *e.CompressedSizeHint
		uncompressedSize = compressedSize
		if e.UncompressedSize != nil {
			uncompressedSize = *e.UncompressedSize
		}
		return compressedSize, uncompressedSize, nil
	}

	overhead := aesOverhead(e)

	if e.Level == 0 {
		if e.UncompressedSize == nil {
			return 0, 0, ziperrors.New(ziperrors.UnknownSize, "stored entry requires a known UncompressedSize")
		}
		uncompressedSize = *e.UncompressedSize
		compressedSize = uncompressedSize + overhead
		// A stored entry's compressed size equals its uncompressed size
		// by construction (before AES overhead); a caller-supplied hint
		// that disagrees isn't a missing-information problem like
		// UnknownSize, it's the estimator being fed self-contradictory
		// inputs it cannot reconcile.
		if e.CompressedSizeHint != nil && *e.CompressedSizeHint != uncompressedSize {
			return 0, 0, ziperrors.New(ziperrors.EstimationError,
				"stored entry %q declares CompressedSizeHint %d inconsistent with UncompressedSize %d",
				e.Name, *e.CompressedSizeHint, uncompressedSize)
		}
		return compressedSize, uncompressedSize, nil
	}

	if e.CompressedSizeHint == nil {
		return 0, 0, ziperrors.New(ziperrors.UnknownSize, "compressed entry requires a CompressedSizeHint")
	}
	compressedSize = *e.CompressedSizeHint + overhead
	if e.UncompressedSize != nil {
		uncompressedSize = *e.UncompressedSize
	}
	return compressedSize, uncompressedSize, nil
}

func aesOverhead(e EntrySpec) uint64 {
	if e.Password == "" {
		return 0
	}
	strength := e.AESStrength
	if strength == 0 {
		strength = format.AES256
	}
	return uint64(strength.SaltLen() + 2 /* password verifier */ + 10 /* auth tag */)
}

// decideLocalZip64 mirrors archive.decideLocalZip64 exactly: an entry
// whose final size is not known upfront defensively reserves ZIP64
// extra space in the local header, since a streaming sink cannot
// widen a header that has already been flushed.
func decideLocalZip64(e EntrySpec, opts Options) bool {
	if opts.ForceZip64 || e.ForceZip64 {
		return true
	}
	if e.UncompressedSize != nil {
		return *e.UncompressedSize > format.MaxStandardValue
	}
	return true
}

func nameBytes(name string, isDir bool) []byte {
	if isDir && (len(name) == 0 || name[len(name)-1] != '/') {
		name += "/"
	}
	return []byte(name)
}

func dataDescriptorLen(compressedSize, uncompressedSize uint64) int {
	if compressedSize > format.MaxStandardValue || uncompressedSize > format.MaxStandardValue {
		return format.DataDescriptor64Len
	}
	return format.DataDescriptorLen
}

func zip64FieldsLen(needsUncompressed, needsCompressed, needsOffset bool, compressedSize, uncompressedSize, offset uint64) int {
	f := format.Zip64Fields{}
	if needsUncompressed {
		v := uncompressedSize
		f.UncompressedSize = &v
	}
	if needsCompressed {
		v := compressedSize
		f.CompressedSize = &v
	}
	if needsOffset {
		v := offset
		f.Offset = &v
	}
	return f.Len()
}
