package pipeline_test

import (
	"bytes"
	"compress/flate"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	mockzip "github.com/buildbarn/bb-zip/internal/mock/zip"
	"github.com/buildbarn/bb-zip/pkg/zip/format"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
	"github.com/buildbarn/bb-zip/pkg/zip/workerpool"
)

func drain(t *testing.T, p *pipeline.Pipeline) ([]byte, pipeline.Outcome) {
	t.Helper()
	var out bytes.Buffer
	for f := range p.Frames() {
		out.Write(f.Data)
	}
	select {
	case o := <-p.Outcome():
		return out.Bytes(), o
	case <-time.After(time.Second):
		t.Fatal("outcome never arrived after frames channel closed")
		return nil, pipeline.Outcome{}
	}
}

func TestPipelineStoreRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	p := pipeline.New("store.bin", bytes.NewReader(payload), pipeline.EntryOptions{Level: 0})
	p.Start(context.Background(), nil)

	got, outcome := drain(t, p)
	require.NoError(t, outcome.Err)
	require.Equal(t, payload, got)
	require.EqualValues(t, len(payload), outcome.UncompressedSize)
	require.EqualValues(t, len(payload), outcome.CompressedSize)
	require.Equal(t, uint16(format.MethodStore), outcome.Method)
	require.Equal(t, pipeline.StateCommitted, p.State())
}

func TestPipelineDeflateRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 512)
	p := pipeline.New("deflate.bin", bytes.NewReader(payload), pipeline.EntryOptions{Level: 6})
	pool := workerpool.New(workerpool.Options{MaxWorkers: 2})
	p.Start(context.Background(), pool)

	compressed, outcome := drain(t, p)
	require.NoError(t, outcome.Err)
	require.Equal(t, uint16(format.MethodDeflate), outcome.Method)

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	roundTripped, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, roundTripped)
	require.EqualValues(t, len(payload), outcome.UncompressedSize)
}

func TestPipelineEncryptedEntryDoesNotLeakPlaintextBytes(t *testing.T) {
	payload := []byte("attachment contents that must not appear verbatim in the ciphertext")
	p := pipeline.New("secret.txt", bytes.NewReader(payload), pipeline.EntryOptions{
		Level:       0,
		Password:    "hunter2",
		AESStrength: format.AES256,
	})
	pool := workerpool.New(workerpool.Options{MaxWorkers: 1})
	p.Start(context.Background(), pool)

	ciphertext, outcome := drain(t, p)
	require.NoError(t, outcome.Err)
	require.Equal(t, uint16(format.MethodAES), outcome.Method)
	require.NotContains(t, string(ciphertext), "attachment")
}

func TestPipelineRejectsMismatchedDeclaredSize(t *testing.T) {
	declared := uint64(999)
	p := pipeline.New("bad.bin", bytes.NewReader([]byte("short")), pipeline.EntryOptions{
		Level:                    0,
		DeclaredUncompressedSize: &declared,
	})
	p.Start(context.Background(), nil)

	_, outcome := drain(t, p)
	require.Error(t, outcome.Err)
	require.Equal(t, pipeline.StateFailed, p.State())
}

func TestPipelinePassThroughTrustsCallerMetadata(t *testing.T) {
	payload := []byte("already-compressed-by-caller")
	p := pipeline.New("raw.bin", bytes.NewReader(payload), pipeline.EntryOptions{
		PassThrough:       true,
		PassThroughMethod: format.MethodDeflate,
	})
	p.Start(context.Background(), nil)

	got, outcome := drain(t, p)
	require.NoError(t, outcome.Err)
	require.Equal(t, payload, got)
	require.Equal(t, uint16(format.MethodDeflate), outcome.Method)
}

func TestPipelineAbortsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blockingReader := &blockingReader{unblock: make(chan struct{})}
	p := pipeline.New("slow.bin", blockingReader, pipeline.EntryOptions{Level: 0})
	p.Start(ctx, nil)

	cancel()
	close(blockingReader.unblock)

	_, outcome := drain(t, p)
	require.Error(t, outcome.Err)
	require.True(t, outcome.Aborted)
	require.Equal(t, pipeline.StateAborted, p.State())
}

func TestPipelineReportsProgressToObserverInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	payload := bytes.Repeat([]byte("z"), 96*1024)
	observer := mockzip.NewMockObserver(ctrl)
	gomock.InOrder(
		observer.EXPECT().OnStart(uint64(len(payload))),
		observer.EXPECT().OnProgress(gomock.Any()).MinTimes(1),
		observer.EXPECT().OnEnd(uint64(len(payload))),
	)

	size := uint64(len(payload))
	p := pipeline.New("progress.bin", bytes.NewReader(payload), pipeline.EntryOptions{
		Level:                    0,
		DeclaredUncompressedSize: &size,
		Observer:                 observer,
		ChunkSize:                16 * 1024,
	})
	p.Start(context.Background(), nil)

	_, outcome := drain(t, p)
	require.NoError(t, outcome.Err)
}

// blockingReader returns one byte then blocks on unblock before
// signalling EOF, giving the cancellation test a window in which to
// cancel the context before streaming completes.
type blockingReader struct {
	served  bool
	unblock chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if !r.served {
		r.served = true
		p[0] = 'x'
		return 1, nil
	}
	<-r.unblock
	return 0, io.EOF
}
