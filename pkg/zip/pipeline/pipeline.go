// Package pipeline implements the per-entry state machine (§4.3):
// Created -> HeaderPending -> Streaming -> Finalizing -> Committed,
// with Failed/Aborted side exits. A Pipeline reads chunks from a
// source, routes them through a codec (optionally leased from
// pkg/zip/workerpool), and delivers compressed frames plus final
// metadata back to the archive assembler.
//
// The channel-based handoff (frames out, one Outcome at the end) is
// adapted from soong_zip's zipEntry/futureReaders/compressChan flow,
// generalized from "whole file read up front" to arbitrary streamed
// input of known or unknown length.
package pipeline

import (
	"context"
	"hash/crc32"
	"io"
	"sync"
	"time"

	"github.com/buildbarn/bb-zip/pkg/zip/codec"
	"github.com/buildbarn/bb-zip/pkg/zip/format"
	"github.com/buildbarn/bb-zip/pkg/zip/workerpool"
	"github.com/buildbarn/bb-zip/pkg/zip/ziperrors"
)

// State is one node of the entry lifecycle state machine.
type State int

const (
	StateCreated State = iota
	StateHeaderPending
	StateStreaming
	StateFinalizing
	StateCommitted
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateHeaderPending:
		return "HeaderPending"
	case StateStreaming:
		return "Streaming"
	case StateFinalizing:
		return "Finalizing"
	case StateCommitted:
		return "Committed"
	case StateFailed:
		return "Failed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Observer receives best-effort, coalesced progress notifications.
// Modeled on bb-storage's util.ErrorLogger: a narrow interface for
// asynchronous reporting that has no caller to return errors to.
type Observer interface {
	OnStart(totalEstimate uint64)
	OnProgress(cumulativeInput uint64)
	OnEnd(computedUncompressedSize uint64)
}

type noopObserver struct{}

func (noopObserver) OnStart(uint64)    {}
func (noopObserver) OnProgress(uint64) {}
func (noopObserver) OnEnd(uint64)      {}

// NoopObserver discards all notifications. It is the default when an
// EntryOptions does not specify one.
var NoopObserver Observer = noopObserver{}

// EntryOptions configures a single entry's pipeline, corresponding to
// spec.md §3's "Entry (as submitted)".
type EntryOptions struct {
	Comment                  string
	Directory                bool
	DeclaredUncompressedSize *uint64
	Level                    int
	Password                 string
	AESStrength              format.AESStrength
	SkipExtendedTimestamp    bool
	SkipNTFSTimestamp        bool
	// PassThrough bypasses the codec entirely: source bytes are
	// written verbatim, and a CRC-32 is still computed over them. There
	// is no option for the caller to supply the CRC-32 instead.
	PassThrough bool
	// PassThroughMethod is the compression method recorded when
	// PassThrough is set; trusted as-is per §4.3.
	PassThroughMethod uint16
	ForceZip64        bool
	ModTime           time.Time
	// UnixMode, if non-zero, is recorded in the central directory's
	// external file attributes high word (st_mode-style permission
	// and type bits).
	UnixMode uint32
	Observer Observer
	// ChunkSize bounds how much is read from Source per Read call.
	// Defaults to 32 KiB.
	ChunkSize int
}

// Frame is one chunk of transformed (compressed/encrypted, or
// verbatim if PassThrough) output bytes, ready to append to the
// archive's output sink.
type Frame struct {
	Data []byte
}

// Outcome is delivered exactly once, after the last frame has been
// sent and just before the Frames channel closes, carrying either the
// entry's final computed metadata or the error that caused it to fail
// or abort.
type Outcome struct {
	CRC32            uint32
	CentralCRC32     uint32
	UncompressedSize uint64
	CompressedSize   uint64
	Method           uint16
	Err              error
	Aborted          bool
}

// Pipeline drives a single entry's state machine.
type Pipeline struct {
	Name   string
	Source io.Reader
	Opts   EntryOptions

	frames  chan Frame
	outcome chan Outcome

	mu    sync.Mutex
	state State
}

// New creates a pipeline for name, reading from source. The frame
// channel is bounded (a small fixed watermark) so a slow downstream
// consumer naturally applies backpressure to this entry's compression
// goroutine, per §5's bounded-buffer requirement.
func New(name string, source io.Reader, opts EntryOptions) *Pipeline {
	if opts.Observer == nil {
		opts.Observer = NoopObserver
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32 * 1024
	}
	return &Pipeline{
		Name:    name,
		Source:  source,
		Opts:    opts,
		frames:  make(chan Frame, 4),
		outcome: make(chan Outcome, 1),
		state:   StateCreated,
	}
}

// Frames returns the channel of output frames. It is closed when the
// pipeline reaches Committed, Failed, or Aborted.
func (p *Pipeline) Frames() <-chan Frame { return p.frames }

// Outcome returns the channel carrying the pipeline's single final
// result. It is sent after the last frame, so a consumer that reads
// Frames() until it closes and then reads Outcome() sees every frame.
func (p *Pipeline) Outcome() <-chan Outcome { return p.outcome }

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// needsWorker reports whether this entry's codec work is substantial
// enough to warrant a workerpool lease; passthrough and store-level
// entries are cheap enough to run inline on the goroutine spawned by
// Start, freeing pool capacity for entries that actually compress or
// encrypt.
func (o EntryOptions) needsWorker() bool {
	return !o.PassThrough && (o.Level != 0 || o.Password != "")
}

// Start transitions the pipeline out of Created and begins streaming
// in a new goroutine. It does not block: suspension (on a worker
// lease, or on downstream backpressure) happens inside that goroutine,
// observable only through the Frames/Outcome channels.
func (p *Pipeline) Start(ctx context.Context, pool *workerpool.Pool) {
	p.setState(StateHeaderPending)
	go p.run(ctx, pool)
}

func (p *Pipeline) run(ctx context.Context, pool *workerpool.Pool) {
	defer close(p.frames)
	// The pipeline takes exclusive ownership of Source for as long as
	// it is streaming, so it alone is responsible for closing it
	// (Add returns to the caller well before this goroutine finishes
	// reading, so a caller-side deferred Close would race this read).
	defer closeIfCloser(p.Source)

	var lease *workerpool.Lease
	aborted := false
	if p.Opts.needsWorker() && pool != nil {
		l, err := pool.Acquire(ctx)
		if err != nil {
			p.finishAborted(err)
			return
		}
		lease = l
	}
	defer func() {
		if lease != nil {
			lease.Release(aborted)
		}
	}()

	p.setState(StateStreaming)
	p.Opts.Observer.OnStart(derefUint64(p.Opts.DeclaredUncompressedSize))

	var c codec.Codec
	if !p.Opts.PassThrough {
		newCodec, err := codec.New(codec.Options{
			Level:       p.Opts.Level,
			Password:    p.Opts.Password,
			AESStrength: p.Opts.AESStrength,
		})
		if err != nil {
			p.finishFailed(ziperrors.WrapWithKind(err, ziperrors.CodecError, "failed to construct codec"))
			return
		}
		c = newCodec
	}

	var passThroughCRC uint32
	var inputBytes uint64
	buf := make([]byte, p.Opts.ChunkSize)
	for {
		if ctx.Err() != nil {
			aborted = true
			p.finishAborted(ziperrors.WrapWithKindf(ctx.Err(), ziperrors.AbortError, "entry %q aborted while streaming", p.Name))
			return
		}

		n, readErr := p.Source.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			inputBytes += uint64(n)

			var out []byte
			if c != nil {
				o, err := c.Update(chunk)
				if err != nil {
					p.finishFailed(ziperrors.WrapWithKindf(err, ziperrors.CodecError, "codec update failed for %q", p.Name))
					return
				}
				out = o
			} else {
				passThroughCRC = crc32.Update(passThroughCRC, crc32.IEEETable, chunk)
				out = append([]byte(nil), chunk...)
			}

			if len(out) > 0 && !p.sendFrame(ctx, Frame{Data: out}) {
				aborted = true
				p.finishAborted(ziperrors.New(ziperrors.AbortError, "entry %q aborted while streaming", p.Name))
				return
			}
			p.Opts.Observer.OnProgress(inputBytes)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			p.finishFailed(ziperrors.WrapWithKindf(readErr, ziperrors.SinkError, "reading source for %q failed", p.Name))
			return
		}
	}
	if ctx.Err() != nil {
		aborted = true
		p.finishAborted(ziperrors.WrapWithKindf(ctx.Err(), ziperrors.AbortError, "entry %q aborted while streaming", p.Name))
		return
	}

	if p.Opts.DeclaredUncompressedSize != nil && *p.Opts.DeclaredUncompressedSize != inputBytes {
		p.finishFailed(ziperrors.New(ziperrors.InvalidArgument,
			"declared uncompressed size %d for %q does not match the %d bytes actually streamed",
			*p.Opts.DeclaredUncompressedSize, p.Name, inputBytes))
		return
	}

	p.setState(StateFinalizing)

	var result codec.Result
	var method uint16
	var centralCRC uint32
	if c != nil {
		trailer, r, err := c.Final()
		if err != nil {
			p.finishFailed(ziperrors.WrapWithKindf(err, ziperrors.CodecError, "codec finalization failed for %q", p.Name))
			return
		}
		if len(trailer) > 0 && !p.sendFrame(ctx, Frame{Data: trailer}) {
			aborted = true
			p.finishAborted(ziperrors.New(ziperrors.AbortError, "entry %q aborted while finalizing", p.Name))
			return
		}
		result = r
		method = c.Method()
		centralCRC = c.CentralDirectorySignature(r)
	} else {
		method = p.Opts.PassThroughMethod
		result = codec.Result{InputBytes: inputBytes, OutputBytes: inputBytes, Signature: passThroughCRC}
		centralCRC = passThroughCRC
	}

	p.setState(StateCommitted)
	p.Opts.Observer.OnEnd(result.InputBytes)
	p.outcome <- Outcome{
		CRC32:            result.Signature,
		CentralCRC32:     centralCRC,
		UncompressedSize: result.InputBytes,
		CompressedSize:   result.OutputBytes,
		Method:           method,
	}
	close(p.outcome)
}

// sendFrame delivers a frame, respecting cancellation. It returns
// false if ctx was cancelled before the frame could be delivered.
func (p *Pipeline) sendFrame(ctx context.Context, f Frame) bool {
	select {
	case p.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) finishFailed(err error) {
	p.setState(StateFailed)
	p.outcome <- Outcome{Err: err}
	close(p.outcome)
}

func (p *Pipeline) finishAborted(err error) {
	p.setState(StateAborted)
	p.outcome <- Outcome{Err: err, Aborted: true}
	close(p.outcome)
}

func derefUint64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

// closeIfCloser closes r if it implements io.Closer, e.g. an *os.File
// handed in by a caller who expects the pipeline to own its lifetime
// once streaming has started.
func closeIfCloser(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}
