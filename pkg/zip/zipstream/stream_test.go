package zipstream_test

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/bb-zip/pkg/zip/archive"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
	"github.com/buildbarn/bb-zip/pkg/zip/zipstream"
)

func TestStreamProducesReadableArchiveConcurrentlyWithAdd(t *testing.T) {
	s := zipstream.New(archive.Options{})
	ctx := context.Background()

	var collected bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(&collected, s)
		copyDone <- err
	}()

	require.NoError(t, s.Add(ctx, "one.txt", bytes.NewReader([]byte("first entry")), pipeline.EntryOptions{Level: 0}))
	require.NoError(t, s.Add(ctx, "two.txt", bytes.NewReader(bytes.Repeat([]byte("y"), 10000)), pipeline.EntryOptions{Level: 6}))
	require.NoError(t, s.Close(ctx))

	require.NoError(t, <-copyDone)

	r, err := zip.NewReader(bytes.NewReader(collected.Bytes()), int64(collected.Len()))
	require.NoError(t, err)
	require.Len(t, r.File, 2)

	rc, err := r.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("first entry"), data)
}
