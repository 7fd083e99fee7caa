// Package zipstream provides ZipWriterStream, a facade over
// pkg/zip/archive.Writer that exposes the growing archive as an
// io.Reader instead of requiring callers to supply their own
// io.Writer sink. It is the shape most consumers reach for: add
// entries from one goroutine while another drains bytes off to a
// network connection, a temp file, or an HTTP response body.
//
// The decoupling is built on io.Pipe, which gives the strictest
// possible bounded queue (zero buffering: a Write blocks until a
// matching Read drains it) — sufficient backpressure to keep memory
// bounded regardless of how fast entries are added relative to how
// fast the consumer reads, without this package needing to reinvent
// a ring buffer.
package zipstream

import (
	"context"
	"io"

	"github.com/buildbarn/bb-zip/pkg/zip/archive"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
)

// Stream is a ZIP/ZIP64 archive writer exposed as an io.Reader.
type Stream struct {
	writer *archive.Writer
	reader *io.PipeReader
	sink   *io.PipeWriter
}

// New creates a Stream. Bytes written by the underlying archive.Writer
// become readable through the Stream itself; nothing is readable
// until an entry has actually started streaming output.
func New(opts archive.Options) *Stream {
	pr, pw := io.Pipe()
	return &Stream{
		writer: archive.New(pw, opts),
		reader: pr,
		sink:   pw,
	}
}

// Add submits one entry, exactly as archive.Writer.Add.
func (s *Stream) Add(ctx context.Context, name string, source io.Reader, opts pipeline.EntryOptions) error {
	return s.writer.Add(ctx, name, source, opts)
}

// Read drains archive bytes as they become available. Nothing is
// returned until some entry has produced output or Close has begun
// writing the central directory.
func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

// Close finalizes the archive (writing the central directory and
// end-of-central-directory records) and then closes the write side of
// the pipe, so that Read returns io.EOF (or the finalization error)
// once everything has been consumed. The caller must keep reading until Close
// returns, or the final writes will deadlock against the unread pipe.
func (s *Stream) Close(ctx context.Context) error {
	writeErr := s.writer.Close(ctx)
	closeErr := s.sink.CloseWithError(writeErr)
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// TerminateWorkers terminates the worker pool, exactly as
// archive.Writer.TerminateWorkers.
func (s *Stream) TerminateWorkers(ctx context.Context) error {
	return s.writer.TerminateWorkers(ctx)
}
