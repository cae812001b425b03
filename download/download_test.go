package download

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/session"
	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-objtransfer/wire/simulator"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downloadFixture struct {
	sim     *simulator.Simulator
	session *session.Session
	file    wire.FileVersion
	data    []byte
}

func newDownloadFixture(t *testing.T, data []byte) *downloadFixture {
	sim := simulator.New()
	account := session.NewAccountInfo(session.Credentials{
		RealmURL:       simulator.RealmURL,
		KeyID:          "key-id",
		ApplicationKey: "application-key",
	})
	s := session.New(sim, account, log.NewLogger())
	require.NoError(t, s.Authorize(context.Background()))

	bucketID := sim.CreateBucket("bucket")
	return &downloadFixture{
		sim:     sim,
		session: s,
		file:    sim.PutFile(bucketID, "file.bin", "application/octet-stream", data, nil),
		data:    data,
	}
}

func testConfig(streams int) Config {
	config := DefaultConfig()
	config.MaxStreams = streams
	config.MinPartSize = 10
	config.RetryWait = 0
	return config
}

func testData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}

// headerSession rewrites response headers of the simulated service.
type headerSession struct {
	*session.Session
	header map[string]string
}

func (s *headerSession) DownloadFileFromURL(ctx context.Context, req wire.DownloadRequest) (*wire.DownloadResponse, error) {
	resp, err := s.Session.DownloadFileFromURL(ctx, req)
	if err != nil {
		return nil, err
	}
	for k, v := range s.header {
		resp.Header.Set(k, v)
	}
	return resp, nil
}

type recordingListener struct {
	mu        sync.Mutex
	total     int64
	completed int64
	closed    bool
}

func (l *recordingListener) SetTotalBytes(total int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = total
}

func (l *recordingListener) BytesCompleted(completed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if completed > l.completed {
		l.completed = completed
	}
}

func (l *recordingListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

func TestSaveTo_ByteExactForStreamCounts(t *testing.T) {
	for _, streams := range []int{1, 3, 8} {
		f := newDownloadFixture(t, testData(100))
		manager := NewManager(f.session, testConfig(streams), 8, log.NewLogger(), nil)
		listener := &recordingListener{}

		file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, listener)
		require.NoError(t, err)
		assert.Equal(t, f.file.ContentSHA1, file.Version().ContentSHA1)

		path := filepath.Join(t.TempDir(), "out", "file.bin")
		require.NoError(t, file.SaveTo(context.Background(), path), "streams: %d", streams)

		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, f.data, got, "streams: %d", streams)
		sum := sha1.Sum(got)
		assert.Equal(t, f.file.ContentSHA1, hex.EncodeToString(sum[:]))

		assert.Len(t, f.sim.DownloadRanges(), streams)
		assert.Equal(t, int64(100), listener.total)
		assert.Equal(t, int64(100), listener.completed)
		assert.True(t, listener.closed)
	}
}

func TestSplitRange(t *testing.T) {
	parts := splitRange(wire.ByteRange{Start: 10, End: 109}, 3)

	require.Len(t, parts, 3)
	assert.Equal(t, partToDownload{cloud: wire.ByteRange{Start: 10, End: 42}, local: 0}, parts[0])
	assert.Equal(t, partToDownload{cloud: wire.ByteRange{Start: 43, End: 75}, local: 33}, parts[1])
	assert.Equal(t, partToDownload{cloud: wire.ByteRange{Start: 76, End: 109}, local: 66}, parts[2])
}

func TestParallelStreams(t *testing.T) {
	tests := []struct {
		name    string
		length  int64
		streams int
		workers int
		want    int
	}{
		{name: "too small", length: 19, streams: 8, workers: 8, want: 1},
		{name: "limited by part size", length: 35, streams: 8, workers: 8, want: 3},
		{name: "limited by streams", length: 1000, streams: 4, workers: 8, want: 4},
		{name: "limited by workers", length: 1000, streams: 8, workers: 2, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &DownloadedFile{
				manager: NewManager(nil, testConfig(tt.streams), tt.workers, log.NewLogger(), nil),
				version: wire.DownloadVersion{ContentLength: tt.length},
			}
			assert.Equal(t, tt.want, f.parallelStreams())
		})
	}
}

func TestSave_SimpleContinuesTruncatedDownload(t *testing.T) {
	f := newDownloadFixture(t, testData(100))
	f.sim.TruncateNextDownloads(1, 10)
	manager := NewManager(f.session, testConfig(1), 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, file.Save(context.Background(), &buf, false))
	assert.Equal(t, f.data, buf.Bytes())

	ranges := f.sim.DownloadRanges()
	require.Len(t, ranges, 2)
	assert.Nil(t, ranges[0])
	assert.Equal(t, &wire.ByteRange{Start: 10, End: 99}, ranges[1])
}

func TestSave_ParallelContinuesTruncatedPart(t *testing.T) {
	f := newDownloadFixture(t, testData(100))
	f.sim.TruncateNextDownloads(1, 5)
	manager := NewManager(f.session, testConfig(3), 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, file.SaveTo(context.Background(), path))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, f.data, got)
	assert.Contains(t, f.sim.DownloadRanges(), &wire.ByteRange{Start: 5, End: 32})
	assert.Len(t, f.sim.DownloadRanges(), 4)
}

func TestSave_TruncatedAfterAllAttempts(t *testing.T) {
	f := newDownloadFixture(t, testData(100))
	f.sim.TruncateNextDownloads(10, 3)
	config := testConfig(1)
	config.MaxAttempts = 3
	manager := NewManager(f.session, config, 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)

	err = file.Save(context.Background(), &bytes.Buffer{}, false)
	var truncated *wire.TruncatedOutputError
	require.True(t, errors.As(err, &truncated), "error: %v", err)
	assert.Equal(t, int64(9), truncated.BytesRead)
	assert.Equal(t, int64(100), truncated.Expected)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "error: %v", err)
}

func TestSave_ParallelTruncatedAfterAllAttempts(t *testing.T) {
	f := newDownloadFixture(t, testData(100))
	f.sim.TruncateNextDownloads(100, 3)
	config := testConfig(3)
	config.MaxAttempts = 2
	manager := NewManager(f.session, config, 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)

	err = file.SaveTo(context.Background(), filepath.Join(t.TempDir(), "file.bin"))
	var truncated *wire.TruncatedOutputError
	require.True(t, errors.As(err, &truncated), "error: %v", err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF), "error: %v", err)
}

func TestSave_ChecksumMismatch(t *testing.T) {
	for _, streams := range []int{1, 3} {
		f := newDownloadFixture(t, testData(100))
		s := &headerSession{Session: f.session, header: map[string]string{wire.HeaderContentSHA1: "0000000000000000000000000000000000000000"}}
		manager := NewManager(s, testConfig(streams), 8, log.NewLogger(), nil)

		file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
		require.NoError(t, err)

		err = file.SaveTo(context.Background(), filepath.Join(t.TempDir(), "file.bin"))
		var mismatch *wire.ChecksumMismatchError
		require.True(t, errors.As(err, &mismatch), "streams: %d, error: %v", streams, err)
		assert.Equal(t, f.file.ContentSHA1, mismatch.Actual)
	}
}

func TestSave_HashCheckDisabled(t *testing.T) {
	f := newDownloadFixture(t, testData(50))
	s := &headerSession{Session: f.session, header: map[string]string{wire.HeaderContentSHA1: "0000000000000000000000000000000000000000"}}
	config := testConfig(1)
	config.CheckHash = false
	manager := NewManager(s, config, 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)
	require.NoError(t, file.Save(context.Background(), &bytes.Buffer{}, false))
}

func TestSave_DecodesGzipContent(t *testing.T) {
	plain := bytes.Repeat([]byte("compressible "), 20)
	var encoded bytes.Buffer
	zw := gzip.NewWriter(&encoded)
	_, err := zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	f := newDownloadFixture(t, encoded.Bytes())
	s := &headerSession{Session: f.session, header: map[string]string{"Content-Encoding": "gzip"}}
	config := testConfig(8)
	config.DecodeContent = true
	manager := NewManager(s, config, 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByID(context.Background(), f.file.ID, nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, file.SaveTo(context.Background(), path))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
	assert.Len(t, f.sim.DownloadRanges(), 1)
}

func TestDownloadFileFromURL_RetriesOpen(t *testing.T) {
	f := newDownloadFixture(t, testData(20))
	f.sim.FailNextDownloads(&wire.Error{Status: 503, Code: wire.CodeServiceError})
	manager := NewManager(f.session, testConfig(1), 8, log.NewLogger(), nil)

	file, err := manager.DownloadFileByName(context.Background(), "bucket", "file.bin", nil, wire.EncryptionSetting{}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, file.Save(context.Background(), &buf, true))
	assert.Equal(t, f.data, buf.Bytes())
	assert.Len(t, f.sim.DownloadRanges(), 2)
}

func TestDownloadFileFromURL_CancelledDuringRetryWait(t *testing.T) {
	f := newDownloadFixture(t, testData(20))
	f.sim.FailNextDownloads(&wire.Error{Status: 503, Code: wire.CodeServiceError})
	config := testConfig(1)
	config.RetryWait = time.Hour
	manager := NewManager(f.session, config, 8, log.NewLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := manager.DownloadFileByName(ctx, "bucket", "file.bin", nil, wire.EncryptionSetting{}, nil)

	assert.True(t, errors.Is(err, context.DeadlineExceeded), "error: %v", err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Len(t, f.sim.DownloadRanges(), 1)
}

func TestDownloadFileFromURL_NotFound(t *testing.T) {
	f := newDownloadFixture(t, testData(20))
	manager := NewManager(f.session, testConfig(1), 8, log.NewLogger(), nil)

	_, err := manager.DownloadFileByName(context.Background(), "bucket", "missing.bin", nil, wire.EncryptionSetting{}, nil)
	require.Error(t, err)
	assert.True(t, wire.IsNotFound(err))
	assert.Len(t, f.sim.DownloadRanges(), 1)
}

func TestDownloadFileFromURL_InvalidRange(t *testing.T) {
	f := newDownloadFixture(t, testData(100))
	s := &headerSession{Session: f.session, header: map[string]string{"Content-Range": "bytes 0-3/100"}}
	manager := NewManager(s, testConfig(1), 8, log.NewLogger(), nil)

	_, err := manager.DownloadFileByID(context.Background(), f.file.ID, &wire.ByteRange{Start: 2, End: 5}, wire.EncryptionSetting{}, nil)
	var invalid *wire.InvalidRangeError
	require.True(t, errors.As(err, &invalid), "error: %v", err)
	assert.Equal(t, wire.ByteRange{Start: 2, End: 5}, invalid.Range)
}

func TestFetchRange(t *testing.T) {
	f := newDownloadFixture(t, testData(100))
	manager := NewManager(f.session, testConfig(8), 8, log.NewLogger(), nil)

	source := outbound.NewCopySource(f.file.ID, 20, 30)
	got, err := manager.FetchRange(context.Background(), source, source.Range(5, 10))
	require.NoError(t, err)
	assert.Equal(t, f.data[25:35], got)
}
