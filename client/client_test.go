package client

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-objtransfer/emerge"
	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/session"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-objtransfer/wire/simulator"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var content = []byte("0123456789abcdefghijklmno")

type clientFixture struct {
	sim      *simulator.Simulator
	client   *Client
	bucketID string
}

func newClientFixture(t *testing.T) *clientFixture {
	sim := simulator.New(simulator.WithPartSizes(5, 10))
	bucketID := sim.CreateBucket("bucket")

	config := DefaultConfig()
	config.Credentials = session.Credentials{RealmURL: simulator.RealmURL, KeyID: "key-id", ApplicationKey: "application-key"}
	config.MaxWorkers = 4
	config.Transfer.RetryWait = 0
	config.Download.RetryWait = 0
	config.Download.MinPartSize = 10
	config.Registerer = prometheus.NewRegistry()

	c, err := New(context.Background(), sim, config, log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return &clientFixture{sim: sim, client: c, bucketID: bucketID}
}

func (f *clientFixture) data(t *testing.T, file wire.FileVersion) []byte {
	data, ok := f.sim.FileData(file.ID)
	require.True(t, ok)
	return data
}

func TestNew_InvalidKey(t *testing.T) {
	sim := simulator.New()
	config := DefaultConfig()
	config.Credentials = session.Credentials{RealmURL: simulator.RealmURL, KeyID: "key-id", ApplicationKey: "wrong"}

	_, err := New(context.Background(), sim, config, log.NewLogger())
	require.Error(t, err)
	assert.True(t, wire.IsUnauthorized(err))
}

func TestClient_UploadBytes(t *testing.T) {
	f := newClientFixture(t)

	small, err := f.client.UploadBytes(context.Background(), f.bucketID, "small.txt", []byte("hello"), wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(f.data(t, small)))
	assert.Equal(t, 1, f.sim.Calls("upload_file"))

	large, err := f.client.UploadBytes(context.Background(), f.bucketID, "large.bin", content, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, content, f.data(t, large))
	assert.Equal(t, 3, f.sim.Calls("upload_part"))
	assert.Equal(t, 1, f.sim.Calls("finish_large_file"))

	assert.Equal(t, float64(len(content)+5), testutil.ToFloat64(f.client.Metrics().BytesTotal.WithLabelValues("upload_part"))+testutil.ToFloat64(f.client.Metrics().BytesTotal.WithLabelValues("upload_file")))
}

func TestClient_UploadLocalFile(t *testing.T) {
	f := newClientFixture(t)
	path := filepath.Join(t.TempDir(), "local.bin")
	require.NoError(t, os.WriteFile(path, content, 0644))

	file, err := f.client.UploadLocalFile(context.Background(), f.bucketID, "local.bin", path, wire.FileMeta{ContentType: "application/octet-stream"}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, content, f.data(t, file))
	assert.Equal(t, "application/octet-stream", file.ContentType)
}

func TestClient_UploadStream(t *testing.T) {
	f := newClientFixture(t)

	file, err := f.client.UploadStream(context.Background(), f.bucketID, "stream.bin", bytes.NewReader(content), wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, content, f.data(t, file))
	assert.Equal(t, 3, f.sim.Calls("upload_part"))
}

func TestClient_Copy(t *testing.T) {
	f := newClientFixture(t)
	source := f.sim.PutFile(f.bucketID, "source.txt", "text/plain", []byte("copy me please"), nil)

	file, err := f.client.Copy(context.Background(), outbound.NewCopySource(source.ID, 5, 2), f.bucketID, "copy.txt", wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, "me", string(f.data(t, file)))
	assert.Equal(t, 1, f.sim.Calls("copy_file"))
	assert.Equal(t, 0, f.sim.Calls("upload_file"))
}

func TestClient_ConcatenateStoredAndLocalData(t *testing.T) {
	f := newClientFixture(t)
	stored := []byte("abc")
	source := f.sim.PutFile(f.bucketID, "short.txt", "text/plain", stored, nil)

	file, err := f.client.Concatenate(context.Background(), f.bucketID, "joined.bin", []outbound.Source{
		outbound.NewCopySource(source.ID, 0, int64(len(stored))),
		outbound.NewBytesSource(content),
	}, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, stored...), content...), f.data(t, file))
	// A copy shorter than the minimum part size is downloaded and uploaded with its neighbours.
	assert.Positive(t, f.sim.Calls("download_file"))
}

func TestClient_ConcatenateLocalFiles(t *testing.T) {
	f := newClientFixture(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs", "b"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "a.log"), []byte("first-"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "b", "c.log"), []byte("second"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "skip.txt"), []byte("ignored"), 0644))

	file, err := f.client.ConcatenateLocalFiles(context.Background(), f.bucketID, "all.log", root, "logs/**/*.log", wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, "first-second", string(f.data(t, file)))

	_, err = f.client.ConcatenateLocalFiles(context.Background(), f.bucketID, "none.log", root, "*.none", wire.FileMeta{}, emerge.Options{})
	assert.True(t, errors.Is(err, ErrNoSources))
}

func TestClient_Emerge(t *testing.T) {
	f := newClientFixture(t)

	_, err := f.client.Emerge(context.Background(), f.bucketID, "holes.bin", []outbound.WriteIntent{
		{Source: outbound.NewBytesSource(content[:10]), DestinationOffset: 0},
		{Source: outbound.NewBytesSource(content[:10]), DestinationOffset: 20},
	}, wire.FileMeta{}, emerge.Options{})
	var holeErr *emerge.HoleError
	assert.True(t, errors.As(err, &holeErr))

	file, err := f.client.Emerge(context.Background(), f.bucketID, "overlap.bin", []outbound.WriteIntent{
		{Source: outbound.NewBytesSource(content), DestinationOffset: 0},
		{Source: outbound.NewBytesSource(content[5:15]), DestinationOffset: 5},
	}, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)
	assert.Equal(t, content, f.data(t, file))
}

func TestClient_DownloadFileByName(t *testing.T) {
	f := newClientFixture(t)
	uploaded, err := f.client.UploadBytes(context.Background(), f.bucketID, "dir/large.bin", content, wire.FileMeta{}, emerge.Options{})
	require.NoError(t, err)

	file, err := f.client.DownloadFileByName(context.Background(), "bucket", "dir/large.bin", nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, uploaded.ID, file.Version().FileID)

	path := filepath.Join(t.TempDir(), "out", "large.bin")
	require.NoError(t, file.SaveTo(context.Background(), path))
	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, saved)
}

func TestClient_CancelLargeFile(t *testing.T) {
	f := newClientFixture(t)
	unfinished := f.sim.SeedUnfinishedFile(wire.StartLargeFileRequest{BucketID: f.bucketID, FileName: "abandoned.bin"}, content[:10])

	files, err := f.client.ListUnfinishedLargeFiles(context.Background(), f.bucketID, "aband")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, unfinished.ID, files[0].ID)

	require.NoError(t, f.client.CancelLargeFile(context.Background(), unfinished.ID))
	assert.Equal(t, 0, f.sim.UnfinishedFileCount())
}
