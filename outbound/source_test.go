package outbound

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSource_OpenRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0600))

	source, err := NewLocalSource(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), source.Length())

	r, err := source.OpenRange(3, 4)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "3456", string(data))

	_, known := source.KnownSHA1()
	assert.False(t, known)
	digest, err := source.SHA1()
	require.NoError(t, err)
	assert.Equal(t, "87acec17cd9dcd20a716cc2cf67417b71c8a7016", digest)
	known1, known := source.KnownSHA1()
	assert.True(t, known)
	assert.Equal(t, digest, known1)
}

func TestBytesSource_OpenRangeOutOfBounds(t *testing.T) {
	source := NewBytesSource([]byte("abc"))
	_, err := source.OpenRange(2, 2)
	assert.Error(t, err)
}

func TestNewWriteIntent_RejectsUnknownLength(t *testing.T) {
	_, err := NewWriteIntent(NewCopySource("file", 0, UnknownLength), 0)
	assert.True(t, errors.Is(err, ErrUnknownLength))
}

func TestConcatenate(t *testing.T) {
	intents, err := Concatenate(NewBytesSource([]byte("ab")), NewCopySource("f", 10, 5), NewBytesSource([]byte("c")))
	require.NoError(t, err)

	require.Len(t, intents, 3)
	assert.Equal(t, int64(0), intents[0].DestinationOffset)
	assert.Equal(t, int64(2), intents[1].DestinationOffset)
	assert.Equal(t, int64(7), intents[2].DestinationOffset)
	assert.Equal(t, int64(8), intents[2].EndOffset())
}

func readAllIntents(t *testing.T, stream *UnboundStream) []WriteIntent {
	var intents []WriteIntent
	for {
		intent, err := stream.Next()
		if err == io.EOF {
			return intents
		}
		require.NoError(t, err)
		intents = append(intents, intent)
		intent.Source.(Releaser).Release()
	}
}

func TestUnboundStream_Buffers(t *testing.T) {
	stream, err := NewUnboundStream(strings.NewReader("abcdefghij"), 4, 2, time.Second)
	require.NoError(t, err)

	intents := readAllIntents(t, stream)

	require.Len(t, intents, 3)
	var got bytes.Buffer
	for i, intent := range intents {
		assert.Equal(t, int64(i*4), intent.DestinationOffset)
		r, err := intent.Source.(UploadSource).OpenRange(0, intent.Length())
		require.NoError(t, err)
		_, err = io.Copy(&got, r)
		require.NoError(t, err)
	}
	assert.Equal(t, "abcdefghij", got.String())
}

func TestUnboundStream_ExactMultipleHasNoEmptyTail(t *testing.T) {
	stream, err := NewUnboundStream(strings.NewReader("abcdefgh"), 4, 2, time.Second)
	require.NoError(t, err)

	intents := readAllIntents(t, stream)
	assert.Len(t, intents, 2)
}

func TestUnboundStream_EmptyStreamYieldsOneBuffer(t *testing.T) {
	stream, err := NewUnboundStream(strings.NewReader(""), 4, 2, time.Second)
	require.NoError(t, err)

	intents := readAllIntents(t, stream)
	require.Len(t, intents, 1)
	assert.Equal(t, int64(0), intents[0].Length())
}

func TestUnboundStream_TimesOutWithoutRelease(t *testing.T) {
	stream, err := NewUnboundStream(strings.NewReader("abcdefghijkl"), 4, 2, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)
	_, err = stream.Next()
	require.NoError(t, err)

	_, err = stream.Next()
	var timeoutErr *BufferTimeoutError
	assert.True(t, errors.As(err, &timeoutErr))
}

func TestNewUnboundStream_NeedsTwoBuffers(t *testing.T) {
	_, err := NewUnboundStream(strings.NewReader(""), 4, 1, time.Second)
	assert.Error(t, err)
}

func TestGlobLocalSources(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "2.log"), []byte("22"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "1.log"), []byte("1"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "skip.txt"), []byte("x"), 0600))

	sources, err := GlobLocalSources(root, "**/*.log")
	require.NoError(t, err)

	require.Len(t, sources, 2)
	assert.Equal(t, filepath.Join(root, "a", "1.log"), sources[0].Path())
	assert.Equal(t, filepath.Join(root, "a", "b", "2.log"), sources[1].Path())
}
