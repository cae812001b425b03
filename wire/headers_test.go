package wire

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadVersionFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "100")
	h.Set("Content-Range", "bytes 100-199/1000")
	h.Set(HeaderFileID, "4_z1")
	h.Set(HeaderFileName, "dir%2Fa%20b.txt")
	h.Set(HeaderContentSHA1, "none")
	h.Set(HeaderInfoPrefix+"large_file_sha1", "abcdef")
	h.Set(HeaderUploadTimestamp, "1700000000000")

	v, err := DownloadVersionFromHeaders(h)
	require.NoError(t, err)

	assert.Equal(t, "dir/a b.txt", v.FileName)
	assert.Equal(t, int64(100), v.ContentLength)
	assert.Equal(t, int64(1000), v.Size)
	assert.Equal(t, ByteRange{Start: 100, End: 199}, v.Range)
	assert.Equal(t, "abcdef", v.ContentSHA1)
	assert.Equal(t, int64(1700000000000), v.UploadTimestamp)
}

func TestDownloadVersionFromHeaders_WholeFile(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Length", "5")
	h.Set(HeaderContentSHA1, "unverified:aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d")

	v, err := DownloadVersionFromHeaders(h)
	require.NoError(t, err)

	assert.Equal(t, NewByteRange(0, 5), v.Range)
	assert.Equal(t, int64(5), v.Size)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", v.ContentSHA1)
}

func TestSetDownloadHeaders_RoundTripsRange(t *testing.T) {
	h := http.Header{}
	SetDownloadHeaders(h, DownloadVersion{
		FileID:        "id",
		FileName:      "x",
		ContentLength: 10,
		Size:          30,
		Range:         NewByteRange(10, 10),
	})

	v, err := DownloadVersionFromHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, ByteRange{Start: 10, End: 19}, v.Range)
	assert.Equal(t, "", v.ContentSHA1)
}

func TestByteRange(t *testing.T) {
	r := NewByteRange(10, 20)
	assert.Equal(t, int64(20), r.Size())
	assert.Equal(t, ByteRange{Start: 15, End: 29}, r.Subrange(5, 19))
	assert.Equal(t, "bytes=10-29", r.HeaderValue())
}
