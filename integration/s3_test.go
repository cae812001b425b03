//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/bitrise-io/go-objtransfer/client"
	"github.com/bitrise-io/go-objtransfer/emerge"
	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/session"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-objtransfer/wire/s3wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newS3Client(t *testing.T) (*client.Client, string) {
	bucket := os.Getenv("OBJTRANSFER_S3_BUCKET")
	region := os.Getenv("OBJTRANSFER_S3_REGION")
	if bucket == "" || region == "" {
		t.Skip("OBJTRANSFER_S3_BUCKET and OBJTRANSFER_S3_REGION are not set")
	}
	endpoint := os.Getenv("OBJTRANSFER_S3_ENDPOINT")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	api, err := s3wire.NewClientFromParams(ctx, s3wire.Params{
		Region:       region,
		Endpoint:     endpoint,
		UsePathStyle: endpoint != "",
	}, os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), logger)
	require.NoError(t, err)

	config := client.DefaultConfig()
	config.Credentials = session.Credentials{KeyID: "s3"}
	c, err := client.New(ctx, api, config, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, bucket
}

func TestS3UploadCopyAndDownload(t *testing.T) {
	// Given
	c, bucket := newS3Client(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	data := randomData(t, int(s3wire.MinPartSize)+1024)

	// When
	stored, err := c.UploadBytes(ctx, bucket, uniqueName("s3-source"), data, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	doubled, err := c.Concatenate(ctx, bucket, uniqueName("s3-doubled"), []outbound.Source{
		outbound.NewCopySource(stored.ID, 0, stored.Size),
		outbound.NewCopySource(stored.ID, 0, stored.Size),
	}, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)

	file, err := c.DownloadFileByID(ctx, doubled.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)
	defer file.Close()
	var buf bytes.Buffer
	err = file.Save(ctx, &buf, false)

	// Then
	require.NoError(t, err)
	assert.Equal(t, checksumOf(append(append([]byte{}, data...), data...)), checksumOf(buf.Bytes()))
}
