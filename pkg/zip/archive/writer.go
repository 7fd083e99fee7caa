// Package archive implements the streaming archive assembler (§4.4):
// it owns the single output cursor, decides ZIP64 promotion for both
// individual entries and the archive as a whole, and serializes local
// headers, data descriptors, the central directory and the
// (optionally ZIP64) end-of-central-directory records in the exact
// order entries were submitted.
//
// Concurrency overlaps compute (many entries may be compressing at
// once, bounded by pkg/zip/workerpool) with a single sequential drain
// loop that writes to the output sink strictly in submission order —
// adapted from soong_zip's select-loop over futureReaders/writeOps,
// generalized from an in-memory slice of already-read files to a
// channel of streaming pipelines.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/buildbarn/bb-zip/pkg/clock"
	"github.com/buildbarn/bb-zip/pkg/zip/estimate"
	"github.com/buildbarn/bb-zip/pkg/zip/format"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
	"github.com/buildbarn/bb-zip/pkg/zip/workerpool"
	"github.com/buildbarn/bb-zip/pkg/zip/ziperrors"
)

// tracer is resolved lazily against the process-wide TracerProvider,
// matching pkg/otel's habit of wrapping individual operations in
// spans. With no SDK configured, otel's default provider produces
// no-op spans, so tracing stays opt-in at zero cost.
var tracer = otel.Tracer("github.com/buildbarn/bb-zip/pkg/zip/archive")

// Options configures a Writer.
type Options struct {
	// Comment is recorded in the end-of-central-directory record.
	Comment string
	// MaxWorkers bounds concurrent codec compute; see
	// pkg/zip/workerpool. Zero means runtime.NumCPU().
	MaxWorkers int
	// TerminateWorkerTimeout is how long an idle worker survives
	// before being destroyed rather than recycled.
	TerminateWorkerTimeout time.Duration
	// Clock is the time source for idle-worker eviction. Defaults to
	// clock.SystemClock.
	Clock clock.Clock
	// MetricsEnabled registers the workerpool's Prometheus collectors.
	MetricsEnabled bool
	// MetricsInstanceName distinguishes multiple writers' metrics.
	MetricsInstanceName string
	// ForceZip64 makes every entry and the archive's own
	// end-of-central-directory record use ZIP64 layout regardless of
	// size, primarily useful for testing ZIP64 handling without
	// generating gigabytes of data.
	ForceZip64 bool
	// SkipExtendedTimestamp disables the extended-timestamp extra
	// field archive-wide; per-entry EntryOptions.SkipExtendedTimestamp
	// also disables it for a single entry.
	SkipExtendedTimestamp bool
	// NTFSTimestamp enables the NTFS timestamp extra field
	// archive-wide, in addition to the extended-timestamp field.
	NTFSTimestamp bool
	// EntryQueueDepth bounds how many entries may be mid-flight (past
	// Add, not yet drained) before Add blocks. Zero means
	// 2*MaxWorkers.
	EntryQueueDepth int
}

// job couples a submitted entry's header plan and running pipeline
// with the resolved compression method and the cancellation function
// for its merged context, so a failure elsewhere in the archive can
// actively abort it instead of waiting for it to run to completion.
type job struct {
	plan     *entryPlan
	method   uint16
	pipeline *pipeline.Pipeline
	cancel   context.CancelFunc
}

// Writer assembles one streaming ZIP/ZIP64 archive onto sink.
type Writer struct {
	sink io.Writer
	opts Options
	pool *workerpool.Pool

	ctx    context.Context
	cancel context.CancelFunc

	jobs chan *job
	wg   sync.WaitGroup

	clk     clock.Clock
	metrics *writerMetrics

	mu         sync.Mutex
	closed     bool
	failed     error
	terminated bool

	// cursor, central and anyZip64 are owned exclusively by the
	// single drainLoop goroutine and require no locking.
	cursor   uint64
	central  []*centralRecord
	anyZip64 bool
}

// New creates a Writer that streams an archive to sink as entries are
// added. The caller remains responsible for closing sink itself, if
// applicable; Close only finalizes the ZIP structure.
func New(sink io.Writer, opts Options) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	pool := workerpool.New(workerpool.Options{
		MaxWorkers:             opts.MaxWorkers,
		TerminateWorkerTimeout: opts.TerminateWorkerTimeout,
		Clock:                  opts.Clock,
		MetricsEnabled:         opts.MetricsEnabled,
		MetricsInstanceName:    opts.MetricsInstanceName,
	})
	depth := opts.EntryQueueDepth
	if depth <= 0 {
		depth = 2 * pool.MaxWorkers()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.SystemClock
	}
	var metrics *writerMetrics
	if opts.MetricsEnabled {
		metrics = newWriterMetrics(opts.MetricsInstanceName)
	}
	w := &Writer{
		sink:    sink,
		opts:    opts,
		pool:    pool,
		clk:     clk,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan *job, depth),
	}
	w.wg.Add(1)
	go w.drainLoop()
	return w
}

// resolveMethod determines the method code recorded in both the local
// and central headers. This never depends on the pipeline's runtime
// outcome: PassThrough trusts the caller outright, and otherwise it
// follows purely from Level/Password, both known before streaming
// starts.
func resolveMethod(opts pipeline.EntryOptions) uint16 {
	if opts.PassThrough {
		return opts.PassThroughMethod
	}
	if opts.Password != "" {
		return format.MethodAES
	}
	if opts.Level != 0 {
		return format.MethodDeflate
	}
	return format.MethodStore
}

// decideLocalZip64 is resolved once, before any byte of the local
// header is written, since a non-seekable sink can never widen a
// header already flushed downstream. An entry whose final size is not
// known upfront defensively reserves ZIP64 extra space: the 20 extra
// bytes this costs are cheap insurance against exceeding the 32-bit
// size fields partway through a stream with no way back.
func decideLocalZip64(opts pipeline.EntryOptions, archiveForced bool) bool {
	if archiveForced || opts.ForceZip64 {
		return true
	}
	if opts.DeclaredUncompressedSize != nil {
		return *opts.DeclaredUncompressedSize > format.MaxStandardValue
	}
	return true
}

// Add submits one entry for streaming. It returns once the entry has
// been enqueued for assembly, not once it has been fully written: call
// Close to wait for every entry to finish and finalize the archive.
func (w *Writer) Add(ctx context.Context, name string, source io.Reader, entryOpts pipeline.EntryOptions) (err error) {
	ctx, span := tracer.Start(ctx, "archive.Add", oteltrace.WithAttributes(attribute.String("zip.entry_name", name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	// Until a pipeline.Pipeline is actually started below, this
	// function alone is responsible for source's lifetime: every
	// early-rejection path below must close it itself rather than
	// leave it to the caller, since a caller that passed an *os.File
	// expects Add (successful or not) to be the last thing that
	// touches it.
	if name == "" {
		closeIfCloser(source)
		return ziperrors.New(ziperrors.InvalidArgument, "entry name must not be empty")
	}
	if n := len(nameBytes(name, entryOpts.Directory)); n > 0xFFFF {
		closeIfCloser(source)
		return ziperrors.New(ziperrors.InvalidArgument, "entry name is %d bytes, more than the 65535 a ZIP header can record", n)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		closeIfCloser(source)
		return ziperrors.New(ziperrors.InvalidArgument, "Add(%q) called after Close", name)
	}
	if w.failed != nil {
		err := w.failed
		w.mu.Unlock()
		closeIfCloser(source)
		return ziperrors.WrapWithKindf(err, ziperrors.CodecError, "archive already failed, rejecting %q", name)
	}
	if w.terminated {
		w.terminated = false
		w.pool.Reinitialize()
	}
	w.mu.Unlock()

	if source == nil {
		source = bytes.NewReader(nil)
	}

	plan := &entryPlan{
		name:              name,
		comment:           []byte(entryOpts.Comment),
		isDir:             entryOpts.Directory,
		modTime:           w.entryModTime(entryOpts),
		unixMode:          entryOpts.UnixMode,
		generalFlag:       format.FlagDataDescriptor | format.FlagUTF8,
		versionNeeded:     format.VersionBaseline,
		localZip64:        decideLocalZip64(entryOpts, w.opts.ForceZip64),
		forceZip64:        w.opts.ForceZip64 || entryOpts.ForceZip64,
		extendedTimestamp: !entryOpts.SkipExtendedTimestamp && !w.opts.SkipExtendedTimestamp,
		ntfsTimestamp:     !entryOpts.SkipNTFSTimestamp && w.opts.NTFSTimestamp,
	}
	if plan.localZip64 {
		plan.versionNeeded = format.VersionZip64
	}
	if entryOpts.Password != "" && !entryOpts.PassThrough {
		plan.versionNeeded = format.VersionAES
		plan.generalFlag |= format.FlagEncrypted
		plan.aes = true
		plan.aesStrength = entryOpts.AESStrength
		if plan.aesStrength == 0 {
			plan.aesStrength = format.AES256
		}
		plan.aesInnerMethod = format.MethodStore
		if entryOpts.Level != 0 {
			plan.aesInnerMethod = format.MethodDeflate
		}
	}

	entryCtx, cancelEntry := context.WithCancel(ctx)
	go func() {
		select {
		case <-w.ctx.Done():
			cancelEntry()
		case <-entryCtx.Done():
		}
	}()

	p := pipeline.New(name, source, entryOpts)
	p.Start(entryCtx, w.pool)

	j := &job{
		plan:     plan,
		method:   resolveMethod(entryOpts),
		pipeline: p,
		cancel:   cancelEntry,
	}

	select {
	case w.jobs <- j:
		return nil
	case <-ctx.Done():
		cancelEntry()
		return ziperrors.WrapWithKindf(ctx.Err(), ziperrors.AbortError, "Add(%q) cancelled while enqueueing", name)
	}
}

// closeIfCloser closes source if it implements io.Closer. Used on Add's
// early-rejection paths, where no pipeline.Pipeline is ever created to
// take over ownership of it.
func closeIfCloser(source io.Reader) {
	if c, ok := source.(io.Closer); ok {
		c.Close()
	}
}

// entryModTime falls back to the archive's clock rather than bare
// time.Now() so that tests supplying a fake clock.Clock get
// deterministic timestamps for entries that don't set ModTime.
func (w *Writer) entryModTime(opts pipeline.EntryOptions) time.Time {
	if opts.ModTime.IsZero() {
		return w.clk.Now()
	}
	return opts.ModTime
}

// drainLoop is the archive's single sequential writer: one goroutine,
// started in New, consumes jobs strictly in submission order for the
// lifetime of the Writer.
func (w *Writer) drainLoop() {
	defer w.wg.Done()
	for j := range w.jobs {
		if err := w.drainOne(j); err != nil {
			w.fail(err)
		}
	}
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	if w.failed == nil {
		w.failed = err
	}
	w.mu.Unlock()
}

func (w *Writer) isPoisoned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed != nil
}

// drainOne writes one entry's local header, its compressed frames and
// its trailing data descriptor, recording a centralRecord for the
// eventual central directory. Once the archive has failed, it still
// drains (and actively cancels) the pipeline so its goroutine cannot
// leak, but writes nothing further to the sink.
func (w *Writer) drainOne(j *job) error {
	if w.isPoisoned() {
		j.cancel()
		drainAndDiscard(j.pipeline)
		if w.metrics != nil {
			w.metrics.entriesFailed.Inc()
		}
		return nil
	}

	offset := w.cursor
	hdrLen := j.plan.localHeaderLen()
	hdr := make([]byte, hdrLen)
	writeLocalHeader(hdr, j.plan, j.method)
	if _, err := w.sink.Write(hdr); err != nil {
		j.cancel()
		drainAndDiscard(j.pipeline)
		return ziperrors.WrapWithKindf(err, ziperrors.SinkError, "writing local header for %q", j.plan.name)
	}
	w.cursor += uint64(hdrLen)
	if w.metrics != nil {
		w.metrics.bytesWritten.Add(float64(hdrLen))
	}

	for f := range j.pipeline.Frames() {
		if _, err := w.sink.Write(f.Data); err != nil {
			j.cancel()
			drainAndDiscard(j.pipeline)
			return ziperrors.WrapWithKindf(err, ziperrors.SinkError, "writing frame for %q", j.plan.name)
		}
		w.cursor += uint64(len(f.Data))
		if w.metrics != nil {
			w.metrics.bytesWritten.Add(float64(len(f.Data)))
		}
	}

	outcome := <-j.pipeline.Outcome()
	if outcome.Err != nil {
		if w.metrics != nil {
			w.metrics.entriesFailed.Inc()
		}
		return ziperrors.Wrap(outcome.Err, fmt.Sprintf("entry %q did not complete", j.plan.name))
	}

	descLen := dataDescriptorLen(outcome.CompressedSize, outcome.UncompressedSize)
	desc := make([]byte, descLen)
	writeDataDescriptor(desc, uint64(outcome.CentralCRC32), outcome.CompressedSize, outcome.UncompressedSize)
	if _, err := w.sink.Write(desc); err != nil {
		return ziperrors.WrapWithKindf(err, ziperrors.SinkError, "writing data descriptor for %q", j.plan.name)
	}
	w.cursor += uint64(descLen)
	if w.metrics != nil {
		w.metrics.bytesWritten.Add(float64(descLen))
		w.metrics.entriesCommitted.Inc()
	}

	rec := &centralRecord{
		plan:             j.plan,
		method:           j.method,
		crc32:            outcome.CentralCRC32,
		compressedSize:   outcome.CompressedSize,
		uncompressedSize: outcome.UncompressedSize,
		offset:           offset,
	}
	w.central = append(w.central, rec)
	if j.plan.localZip64 || rec.needsZip64Extra() {
		w.anyZip64 = true
	}
	return nil
}

// drainAndDiscard unblocks a pipeline whose output is no longer
// wanted (the archive has already failed) by consuming every frame it
// produces until it closes, then consuming its final Outcome.
func drainAndDiscard(p *pipeline.Pipeline) {
	for range p.Frames() {
	}
	<-p.Outcome()
}

// Close waits for every submitted entry to finish assembling, then
// writes the central directory and end-of-central-directory records.
// It returns the first error encountered by any entry or by the final
// assembly, if any.
func (w *Writer) Close(ctx context.Context) (err error) {
	_, span := tracer.Start(ctx, "archive.Close")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ziperrors.New(ziperrors.InvalidArgument, "Close called more than once")
	}
	w.closed = true
	w.mu.Unlock()

	close(w.jobs)
	w.wg.Wait()
	w.cancel()

	if failed := w.failedErr(); failed != nil {
		return ziperrors.Wrap(failed, "archive aborted before completion")
	}

	return w.writeCentralDirectory()
}

func (w *Writer) failedErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// EstimateStreamSize predicts the exact byte length an archive
// configured with opts would occupy for entries, without writing
// anything. It is a thin convenience wrapper around
// pkg/zip/estimate.EstimateSize so callers need only import this
// package for both writing and pre-flight sizing.
func EstimateStreamSize(entries []estimate.EntrySpec, opts Options) (uint64, error) {
	return estimate.EstimateSize(entries, estimate.Options{
		Comment:               opts.Comment,
		ForceZip64:            opts.ForceZip64,
		SkipExtendedTimestamp: opts.SkipExtendedTimestamp,
		NTFSTimestamp:         opts.NTFSTimestamp,
	})
}

// TerminateWorkers delegates to the underlying workerpool.Pool's
// TerminateAll: pipelines still waiting for a worker lease fail with
// AbortError, and idle workers are destroyed. Codec jobs that already
// hold a lease are not interrupted; their workers are destroyed when
// they finish. Per §5, the pool stays terminated until the next Add
// call reinitializes it.
func (w *Writer) TerminateWorkers(ctx context.Context) error {
	err := w.pool.TerminateAll(ctx)
	w.mu.Lock()
	w.terminated = true
	w.mu.Unlock()
	return err
}

func (w *Writer) writeCentralDirectory() error {
	cdOffset := w.cursor
	for _, rec := range w.central {
		hdrLen := rec.centralHeaderLen()
		buf := make([]byte, hdrLen)
		writeCentralHeader(buf, rec)
		if _, err := w.sink.Write(buf); err != nil {
			return ziperrors.WrapWithKindf(err, ziperrors.SinkError, "writing central directory header for %q", rec.plan.name)
		}
		w.cursor += uint64(hdrLen)
	}
	cdSize := w.cursor - cdOffset
	entryCount := len(w.central)

	needsZip64EOCD := w.opts.ForceZip64 || w.anyZip64 ||
		entryCount > format.MaxStandardEntryCount ||
		cdSize > format.MaxStandardValue ||
		cdOffset > format.MaxStandardValue

	if needsZip64EOCD {
		if err := w.writeZip64EndOfCentralDir(entryCount, cdSize, cdOffset); err != nil {
			return err
		}
	}
	return w.writeEndOfCentralDir(entryCount, cdSize, cdOffset)
}

func (w *Writer) writeZip64EndOfCentralDir(entryCount int, cdSize, cdOffset uint64) error {
	zip64Offset := w.cursor

	buf := make([]byte, format.Zip64EndOfCentralDirLen)
	b := format.Buffer(buf)
	b.Uint32(format.Zip64EndOfCentralDirSignature)
	b.Uint64(uint64(format.Zip64EndOfCentralDirLen - 12))
	b.Uint16(format.VersionZip64)
	b.Uint16(format.VersionZip64)
	b.Uint32(0) // number of this disk
	b.Uint32(0) // disk with the start of the central directory
	b.Uint64(uint64(entryCount)) // entries on this disk
	b.Uint64(uint64(entryCount)) // entries in total
	b.Uint64(cdSize)
	b.Uint64(cdOffset)
	if _, err := w.sink.Write(buf); err != nil {
		return ziperrors.WrapWithKind(err, ziperrors.SinkError, "writing zip64 end of central directory record")
	}
	w.cursor += uint64(len(buf))

	locBuf := make([]byte, format.Zip64EndOfCentralDirLocatorLen)
	lb := format.Buffer(locBuf)
	lb.Uint32(format.Zip64EndOfCentralDirLocatorSignature)
	lb.Uint32(0) // disk with the start of the zip64 eocd record
	lb.Uint64(zip64Offset)
	lb.Uint32(1) // total number of disks
	if _, err := w.sink.Write(locBuf); err != nil {
		return ziperrors.WrapWithKind(err, ziperrors.SinkError, "writing zip64 end of central directory locator")
	}
	w.cursor += uint64(len(locBuf))
	return nil
}

func (w *Writer) writeEndOfCentralDir(entryCount int, cdSize, cdOffset uint64) error {
	entryCount16 := uint16(entryCount)
	if entryCount > format.MaxStandardEntryCount {
		entryCount16 = format.PlaceholderUint16
	}
	cdSize32 := uint32(cdSize)
	if cdSize > format.MaxStandardValue {
		cdSize32 = format.PlaceholderUint32
	}
	cdOffset32 := uint32(cdOffset)
	if cdOffset > format.MaxStandardValue {
		cdOffset32 = format.PlaceholderUint32
	}

	comment := []byte(w.opts.Comment)
	buf := make([]byte, format.EndOfCentralDirLen+len(comment))
	b := format.Buffer(buf)
	b.Uint32(format.EndOfCentralDirSignature)
	b.Uint16(0) // number of this disk
	b.Uint16(0) // disk with the start of the central directory
	b.Uint16(entryCount16)
	b.Uint16(entryCount16)
	b.Uint32(cdSize32)
	b.Uint32(cdOffset32)
	b.Uint16(uint16(len(comment)))
	b.Bytes(comment)
	if _, err := w.sink.Write(buf); err != nil {
		return ziperrors.WrapWithKind(err, ziperrors.SinkError, "writing end of central directory record")
	}
	w.cursor += uint64(len(buf))
	return nil
}
