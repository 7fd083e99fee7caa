package archive_test

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/bb-zip/pkg/clock"
	"github.com/buildbarn/bb-zip/pkg/zip/archive"
	"github.com/buildbarn/bb-zip/pkg/zip/estimate"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
)

// fixedClock reports a constant point in time, letting a test assert
// on an entry's recorded modification time without racing time.Now().
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func (c fixedClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

func (c fixedClock) NewTimer(d time.Duration) (clock.Timer, <-chan time.Time) {
	t := time.NewTimer(d)
	return t, t.C
}

func (c fixedClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

func readBack(t *testing.T, data []byte) *zip.Reader {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return r
}

func readEntry(t *testing.T, f *zip.File) []byte {
	t.Helper()
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestWriterProducesArchiveReadableByStandardLibrary(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{Comment: "test archive"})
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, "hello.txt", bytes.NewReader([]byte("hello, world")), pipeline.EntryOptions{Level: 0}))
	require.NoError(t, w.Add(ctx, "dir/", nil, pipeline.EntryOptions{Directory: true}))
	require.NoError(t, w.Add(ctx, "dir/compressed.bin", bytes.NewReader(bytes.Repeat([]byte("ab"), 4096)), pipeline.EntryOptions{Level: 6}))
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Equal(t, "test archive", r.Comment)
	require.Len(t, r.File, 3)

	byName := map[string]*zip.File{}
	for _, f := range r.File {
		byName[f.Name] = f
	}

	require.Equal(t, []byte("hello, world"), readEntry(t, byName["hello.txt"]))
	require.True(t, byName["dir/"].FileInfo().IsDir())
	require.Equal(t, bytes.Repeat([]byte("ab"), 4096), readEntry(t, byName["dir/compressed.bin"]))
}

func TestWriterPreservesSubmissionOrderUnderConcurrency(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{MaxWorkers: 4})
	ctx := context.Background()

	var names []string
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("file-%02d.bin", i)
		names = append(names, name)
		// Vary payload size so later entries don't necessarily finish
		// compressing before earlier ones.
		size := 1024 * (1 + (i*7)%13)
		require.NoError(t, w.Add(ctx, name, bytes.NewReader(bytes.Repeat([]byte{byte(i)}, size)), pipeline.EntryOptions{Level: 6}))
	}
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, len(names))
	for i, f := range r.File {
		require.Equal(t, names[i], f.Name)
	}
}

func TestWriterEncryptedEntryRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()

	payload := []byte("confidential payload")
	require.NoError(t, w.Add(ctx, "secret.txt", bytes.NewReader(payload), pipeline.EntryOptions{
		Level:    0,
		Password: "correct horse battery staple",
	}))
	require.NoError(t, w.Close(ctx))

	require.NotContains(t, buf.String(), "confidential")

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, 1)
	// The standard library's archive/zip cannot decrypt WinZip AES
	// entries, but it can still parse the surrounding structure and
	// confirms the suppressed CRC-32 convention.
	require.Zero(t, r.File[0].CRC32)
}

func TestWriterEntryCommentRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, "noted.txt", bytes.NewReader([]byte("x")), pipeline.EntryOptions{
		Level:   0,
		Comment: "reviewed by QA",
	}))
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, "reviewed by QA", r.File[0].Comment)
}

func TestWriterReinitializesWorkerPoolOnAddAfterTerminateWorkers(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{MaxWorkers: 2})
	ctx := context.Background()

	// Terminate before the pool has ever leased a worker; a subsequent
	// Add that needs a worker lease must still succeed, since
	// TerminateWorkers only suspends the pool until the next Add.
	require.NoError(t, w.TerminateWorkers(ctx))

	require.NoError(t, w.Add(ctx, "after.bin", bytes.NewReader(bytes.Repeat([]byte("b"), 4096)), pipeline.EntryOptions{Level: 6}))
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, bytes.Repeat([]byte("b"), 4096), readEntry(t, r.File[0]))
}

func TestWriterRejectsAddAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()
	require.NoError(t, w.Close(ctx))

	err := w.Add(ctx, "too-late.txt", bytes.NewReader(nil), pipeline.EntryOptions{})
	require.Error(t, err)
}

func TestWriterRejectsDoubleClose(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()
	require.NoError(t, w.Close(ctx))
	require.Error(t, w.Close(ctx))
}

func TestWriterPropagatesSinkFailureAndPoisonsSubsequentAdds(t *testing.T) {
	w := archive.New(failingWriter{}, archive.Options{})
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, "a.txt", bytes.NewReader([]byte("a")), pipeline.EntryOptions{}))
	// Once the drain loop has hit the sink failure, the archive is
	// poisoned and further Adds are rejected.
	require.Eventually(t, func() bool {
		return w.Add(ctx, "b.txt", bytes.NewReader([]byte("b")), pipeline.EntryOptions{}) != nil
	}, time.Second, 5*time.Millisecond)
	err := w.Close(ctx)
	require.Error(t, err)
}

func TestWriterForceZip64ProducesParsableArchive(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{ForceZip64: true})
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, "small.txt", bytes.NewReader([]byte("tiny")), pipeline.EntryOptions{Level: 0}))
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, 1)
	require.Equal(t, []byte("tiny"), readEntry(t, r.File[0]))
}

// findZip64Extra scans a raw extra-field blob (zip.FileHeader.Extra)
// for a ZIP64 record (tag 0x0001) and returns its payload length, or
// -1 if absent.
func findZip64Extra(extra []byte) int {
	for len(extra) >= 4 {
		tag := uint16(extra[0]) | uint16(extra[1])<<8
		size := int(uint16(extra[2]) | uint16(extra[3])<<8)
		if len(extra) < 4+size {
			return -1
		}
		if tag == 0x0001 {
			return size
		}
		extra = extra[4+size:]
	}
	return -1
}

func TestWriterForceZip64EmitsCentralExtraFieldWithForcedFieldsOnly(t *testing.T) {
	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{ForceZip64: true})
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, "first.txt", bytes.NewReader([]byte("tiny")), pipeline.EntryOptions{Level: 0}))
	require.NoError(t, w.Add(ctx, "second.txt", bytes.NewReader([]byte("also tiny")), pipeline.EntryOptions{Level: 0}))
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, 2)

	// The first entry's offset is necessarily 0, so its ZIP64 extra
	// field carries only the two size fields even under forcing.
	firstLen := findZip64Extra(r.File[0].Extra)
	require.Equal(t, 16, firstLen)

	// The second entry's offset is non-zero, so forcing also pulls in
	// the offset field.
	secondLen := findZip64Extra(r.File[1].Extra)
	require.Equal(t, 24, secondLen)
}

func TestEstimateStreamSizeMatchesWriterOutput(t *testing.T) {
	size := uint64(4)
	specs := []estimate.EntrySpec{{Name: "tiny.txt", UncompressedSize: &size, Level: 0}}
	opts := archive.Options{Comment: "sized"}

	predicted, err := archive.EstimateStreamSize(specs, opts)
	require.NoError(t, err)

	var buf bytes.Buffer
	w := archive.New(&buf, opts)
	ctx := context.Background()
	require.NoError(t, w.Add(ctx, "tiny.txt", bytes.NewReader([]byte("tiny")), pipeline.EntryOptions{Level: 0, DeclaredUncompressedSize: &size}))
	require.NoError(t, w.Close(ctx))

	require.EqualValues(t, predicted, buf.Len())
}

func TestWriterUsesInjectedClockForUnsetModTime(t *testing.T) {
	var buf bytes.Buffer
	fixed := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	w := archive.New(&buf, archive.Options{Clock: fixedClock{t: fixed}})
	ctx := context.Background()

	require.NoError(t, w.Add(ctx, "no-modtime.txt", bytes.NewReader([]byte("x")), pipeline.EntryOptions{Level: 0}))
	require.NoError(t, w.Close(ctx))

	r := readBack(t, buf.Bytes())
	require.Len(t, r.File, 1)
	// ZIP's DOS date/time fields only carry 2-second resolution.
	require.WithinDuration(t, fixed, r.File[0].Modified.UTC(), 2*time.Second)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, fmt.Errorf("simulated sink failure")
}
