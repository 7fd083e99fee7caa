package estimate_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildbarn/bb-zip/pkg/zip/archive"
	"github.com/buildbarn/bb-zip/pkg/zip/estimate"
	"github.com/buildbarn/bb-zip/pkg/zip/format"
	"github.com/buildbarn/bb-zip/pkg/zip/pipeline"
	"github.com/buildbarn/bb-zip/pkg/zip/ziperrors"
)

func uptr(v uint64) *uint64 { return &v }

func TestEstimateSizeMatchesActualWriterOutputForStoredEntries(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello, world"),
		bytes.Repeat([]byte("x"), 5000),
		{},
	}
	names := []string{"a.txt", "b/big.bin", "b/empty.bin"}

	specs := make([]estimate.EntrySpec, len(payloads))
	for i, p := range payloads {
		specs[i] = estimate.EntrySpec{
			Name:             names[i],
			UncompressedSize: uptr(uint64(len(p))),
			Level:            0,
		}
	}
	predicted, err := estimate.EstimateSize(specs, estimate.Options{Comment: "exact"})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{Comment: "exact"})
	ctx := context.Background()
	for i, p := range payloads {
		size := uint64(len(p))
		require.NoError(t, w.Add(ctx, names[i], bytes.NewReader(p), pipeline.EntryOptions{Level: 0, DeclaredUncompressedSize: &size}))
	}
	require.NoError(t, w.Close(ctx))

	require.EqualValues(t, predicted, buf.Len())
}

func TestEstimateSizeWithDirectoryEntry(t *testing.T) {
	fileSize := uint64(10)
	specs := []estimate.EntrySpec{
		{Name: "dir/", Directory: true},
		{Name: "dir/file.txt", UncompressedSize: &fileSize, Level: 0},
	}
	predicted, err := estimate.EstimateSize(specs, estimate.Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()
	require.NoError(t, w.Add(ctx, "dir/", nil, pipeline.EntryOptions{Directory: true}))
	require.NoError(t, w.Add(ctx, "dir/file.txt", bytes.NewReader(bytes.Repeat([]byte{1}, 10)), pipeline.EntryOptions{Level: 0, DeclaredUncompressedSize: &fileSize}))
	require.NoError(t, w.Close(ctx))

	require.EqualValues(t, predicted, buf.Len())
}

func TestEstimateSizeRejectsUnknownSizeForCompressedEntry(t *testing.T) {
	_, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "unknown.bin", Level: 6},
	}, estimate.Options{})
	require.Error(t, err)
}

func TestEstimateSizeRejectsUnknownSizeForStoredEntry(t *testing.T) {
	_, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "unknown.bin", Level: 0},
	}, estimate.Options{})
	require.Error(t, err)
}

func TestEstimateSizeAcceptsCompressedSizeHint(t *testing.T) {
	size, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "guess.bin", Level: 6, UncompressedSize: uptr(10000), CompressedSizeHint: uptr(4000)},
	}, estimate.Options{})
	require.NoError(t, err)
	require.Greater(t, size, uint64(4000))
}

func TestEstimateSizeAccountsForAESOverhead(t *testing.T) {
	plain, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "a.bin", Level: 0, UncompressedSize: uptr(100)},
	}, estimate.Options{})
	require.NoError(t, err)

	encrypted, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "a.bin", Level: 0, UncompressedSize: uptr(100), Password: "x", AESStrength: format.AES256},
	}, estimate.Options{})
	require.NoError(t, err)

	require.Greater(t, encrypted, plain)
}

func TestEstimateSizeMatchesActualWriterOutputForEncryptedEntry(t *testing.T) {
	payload := bytes.Repeat([]byte("confidential"), 37)
	size := uint64(len(payload))
	predicted, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "secret.bin", UncompressedSize: &size, Level: 0, Password: "hunter2", AESStrength: format.AES256},
	}, estimate.Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()
	require.NoError(t, w.Add(ctx, "secret.bin", bytes.NewReader(payload), pipeline.EntryOptions{
		Level:                    0,
		Password:                 "hunter2",
		AESStrength:              format.AES256,
		DeclaredUncompressedSize: &size,
	}))
	require.NoError(t, w.Close(ctx))

	require.EqualValues(t, predicted, buf.Len())
}

func TestEstimateSizeMatchesActualWriterOutputForEntryComment(t *testing.T) {
	size := uint64(1)
	predicted, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "noted.txt", UncompressedSize: &size, Level: 0, Comment: "reviewed by QA"},
	}, estimate.Options{})
	require.NoError(t, err)

	var buf bytes.Buffer
	w := archive.New(&buf, archive.Options{})
	ctx := context.Background()
	require.NoError(t, w.Add(ctx, "noted.txt", bytes.NewReader([]byte("x")), pipeline.EntryOptions{
		Level:                    0,
		Comment:                  "reviewed by QA",
		DeclaredUncompressedSize: &size,
	}))
	require.NoError(t, w.Close(ctx))

	require.EqualValues(t, predicted, buf.Len())
}

func TestEstimateSizeRejectsInconsistentCompressedSizeHintForStoredEntry(t *testing.T) {
	_, err := estimate.EstimateSize([]estimate.EntrySpec{
		{Name: "mismatch.bin", Level: 0, UncompressedSize: uptr(100), CompressedSizeHint: uptr(50)},
	}, estimate.Options{})
	require.Error(t, err)

	var zerr *ziperrors.Error
	require.ErrorAs(t, err, &zerr)
	require.Equal(t, ziperrors.EstimationError, zerr.Kind)
}

func TestEstimateSizeRejectsEmptyName(t *testing.T) {
	_, err := estimate.EstimateSize([]estimate.EntrySpec{{Name: ""}}, estimate.Options{})
	require.Error(t, err)
}
