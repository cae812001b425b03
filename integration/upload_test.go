//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bitrise-io/go-objtransfer/emerge"
	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadSmallFile(t *testing.T) {
	// Given
	bucket := newTestBucket(t)
	data := randomData(t, 1024)

	// When
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	file, err := bucket.client.UploadBytes(ctx, bucket.id, uniqueName("small"), data, wire.FileMeta{
		ContentType: "application/octet-stream",
		FileInfo:    map[string]string{"origin": "integration"},
	}, emerge.Options{})

	// Then
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), file.Size)
	assert.Equal(t, checksumOf(data), file.ContentSHA1)
	assert.Equal(t, "integration", file.FileInfo["origin"])
}

func TestConcatenateStoredFiles(t *testing.T) {
	// Given
	bucket := newTestBucket(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	minPartSize := bucket.client.Session().Account().MinimumPartSize()
	first := randomData(t, int(minPartSize))
	second := randomData(t, int(minPartSize)+1)
	firstFile, err := bucket.client.UploadBytes(ctx, bucket.id, uniqueName("first"), first, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	secondFile, err := bucket.client.UploadBytes(ctx, bucket.id, uniqueName("second"), second, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)

	// When
	joined, err := bucket.client.Concatenate(ctx, bucket.id, uniqueName("joined"), []outbound.Source{
		outbound.NewCopySource(firstFile.ID, 0, firstFile.Size),
		outbound.NewCopySource(secondFile.ID, 0, secondFile.Size),
	}, wire.FileMeta{ContentType: "application/octet-stream"}, emerge.Options{})

	// Then
	require.NoError(t, err)
	assert.Equal(t, firstFile.Size+secondFile.Size, joined.Size)

	downloaded, err := bucket.client.DownloadFileByID(ctx, joined.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)
	defer downloaded.Close()

	var buf bytes.Buffer
	require.NoError(t, downloaded.Save(ctx, &buf, false))
	assert.Equal(t, checksumOf(append(first, second...)), checksumOf(buf.Bytes()))
}

func TestUploadStream(t *testing.T) {
	// Given
	bucket := newTestBucket(t)
	data := randomData(t, 4096)

	// When
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	file, err := bucket.client.UploadStream(ctx, bucket.id, uniqueName("stream"), bytes.NewReader(data), wire.FileMeta{}, emerge.Options{})

	// Then
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), file.Size)
	assert.Equal(t, checksumOf(data), file.ContentSHA1)
}
