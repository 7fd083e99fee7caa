// Package codec implements the per-entry byte transformation contract
// (§4.1): init -> update* -> final -> result. A codec is a stateful,
// single-use transformer; once it returns an error it is poisoned and
// every subsequent call returns a CodecError wrapping that error.
package codec

import "github.com/buildbarn/bb-zip/pkg/zip/ziperrors"

// Result carries the values a codec computes across its lifetime,
// returned alongside the final chunk.
type Result struct {
	// InputBytes is the sum of the lengths of every chunk passed to
	// Update.
	InputBytes uint64
	// OutputBytes is the sum of the lengths of every chunk this
	// codec has emitted, across both Update and Final.
	OutputBytes uint64
	// Signature is the CRC-32 of the input bytes, unless the
	// concrete codec defines otherwise (the WinZip AES wrapper
	// forces this to 0 in the recorded central directory entry; see
	// Codec.CentralDirectorySignature).
	Signature uint32
}

// Codec is a stateful byte transformer: Update may be called any
// number of times with chunks of any length (including zero), after
// which exactly one Final call drains any buffered output and yields
// the computed Result.
type Codec interface {
	// Update feeds chunk through the transformation, returning zero
	// or more bytes of output. chunk must not be retained past the
	// call: codecs running inside a worker pool lease own the
	// backing array for exactly this call.
	Update(chunk []byte) ([]byte, error)

	// Final flushes any buffered state, returning a possibly-empty
	// trailing chunk together with the codec's computed Result.
	Final() ([]byte, Result, error)

	// Method is the compression method code this codec records in
	// local and central headers (format.MethodStore/Deflate/AES).
	Method() uint16

	// CentralDirectorySignature returns the CRC-32 value that should
	// be recorded in the central directory, which for most codecs is
	// simply Result.Signature but for strong encryption is forced to
	// 0 per the WinZip AES central-directory CRC suppression rule.
	CentralDirectorySignature(Result) uint32
}

func poisonedError(cause error) error {
	return ziperrors.WrapWithKind(cause, ziperrors.CodecError, "codec is poisoned by a previous failure")
}
