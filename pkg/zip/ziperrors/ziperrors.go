// Package ziperrors defines the error taxonomy used throughout bb-zip
// and a small set of wrapping helpers, directly modeled on bb-storage's
// pkg/util/status.go (StatusWrap/StatusWrapWithCode) but keyed on a
// local Kind enum instead of gRPC's codes.Code: this library has no
// RPC boundary to translate errors across, so there is nothing for a
// gRPC status to usefully carry here.
package ziperrors

import "fmt"

// Kind classifies an error into one of the taxonomy buckets from the
// specification. Callers should use errors.As to recover it rather
// than compare error strings.
type Kind int

const (
	// Unknown is the zero value; never produced intentionally.
	Unknown Kind = iota
	// InvalidArgument covers malformed names, illegal options, and
	// add() calls made after close().
	InvalidArgument
	// UnknownSize is returned when the estimator is invoked for a
	// compressed entry without a predicted compressed size.
	UnknownSize
	// CodecError covers compression/encryption failures mid-stream.
	// Once returned, the owning archive is poisoned.
	CodecError
	// AbortError is returned when cancellation was observed.
	AbortError
	// EstimationError covers inconsistencies in an estimation request
	// that aren't simply missing information (that's UnknownSize), e.g.
	// a stored entry's CompressedSizeHint disagreeing with its
	// UncompressedSize.
	EstimationError
	// SinkError covers a failed write to the downstream output sink.
	SinkError
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case UnknownSize:
		return "UnknownSize"
	case CodecError:
		return "CodecError"
	case AbortError:
		return "AbortError"
	case EstimationError:
		return "EstimationError"
	case SinkError:
		return "SinkError"
	default:
		return "Unknown"
	}
}

// Error is a Kind-tagged error, optionally wrapping an underlying
// cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a Kind-tagged error with no underlying cause.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap prepends a message to err, preserving its Kind if err is
// already a *Error, or classifying it as Unknown otherwise.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	kind := Unknown
	if e, ok := err.(*Error); ok {
		kind = e.Kind
	}
	return &Error{Kind: kind, Message: msg, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithKind prepends a message to err while reclassifying it under
// kind, mirroring bb-storage's StatusWrapWithCode.
func WrapWithKind(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Cause: err}
}

// WrapWithKindf is WrapWithKind with a formatted message.
func WrapWithKindf(err error, kind Kind, format string, args ...interface{}) error {
	return WrapWithKind(err, kind, fmt.Sprintf(format, args...))
}

// Is reports whether err (or any error it wraps) is classified as
// kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		break
	}
	return false
}
