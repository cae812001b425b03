package b2http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateCustomRetryFunction(t *testing.T) {
	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	customRetryFunction := createCustomRetryFunction(mockLogger)

	cases := []struct {
		name     string
		response *http.Response
		error    error
		expected bool
	}{
		{
			name:     "Retry for connection error",
			response: &http.Response{},
			error:    errors.New("EOF"),
			expected: true,
		},
		{
			name:     "No retry for HTTP 401 status code",
			response: &http.Response{StatusCode: 401},
			expected: false,
		},
		{
			name:     "No retry for HTTP 400 status code",
			response: &http.Response{StatusCode: 400},
			expected: false,
		},
		{
			name:     "Retry for HTTP 429 status code",
			response: &http.Response{StatusCode: 429},
			expected: true,
		},
		{
			name:     "Retry for HTTP 503 status code",
			response: &http.Response{StatusCode: 503},
			expected: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retry, _ := customRetryFunction(context.Background(), tc.response, tc.error)
			assert.Equal(t, tc.expected, retry)
		})
	}
}

func fastClient(retryMax int) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = retryMax
	httpClient.RetryWaitMin = time.Millisecond
	httpClient.RetryWaitMax = time.Millisecond
	httpClient.CheckRetry = createCustomRetryFunction(log.NewLogger())
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return NewClientWithHTTPClient(httpClient, log.NewLogger())
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestClient_AuthorizeAndUploadFile(t *testing.T) {
	var svr *httptest.Server
	svr = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/b2api/v2/b2_authorize_account":
			keyID, key, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "key-id", keyID)
			assert.Equal(t, "secret", key)
			writeJSON(t, w, http.StatusOK, authorizeResponse{
				AccountID:               "account",
				AuthorizationToken:      "account-token",
				APIURL:                  svr.URL,
				DownloadURL:             svr.URL,
				RecommendedPartSize:     100,
				AbsoluteMinimumPartSize: 5,
				Allowed:                 allowedJSON{Capabilities: []string{"listFiles", "writeFiles"}, NamePrefix: "logs/"},
			})
		case "/b2api/v2/b2_get_upload_url":
			assert.Equal(t, "account-token", r.Header.Get("Authorization"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "bucket-id", body["bucketId"])
			writeJSON(t, w, http.StatusOK, uploadURLResponse{UploadURL: svr.URL + "/upload", AuthorizationToken: "upload-token"})
		case "/upload":
			assert.Equal(t, "upload-token", r.Header.Get("Authorization"))
			assert.Equal(t, "logs%2Fa%20b.txt", r.Header.Get(wire.HeaderFileName))
			assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
			assert.Equal(t, "v%201", r.Header.Get(wire.HeaderInfoPrefix+"note"))
			assert.Equal(t, "1700000000000", r.Header.Get(headerCustomUploadTimestamp))
			assert.Equal(t, "AES256", r.Header.Get(headerSSE))
			assert.Equal(t, int64(5), r.ContentLength)
			data, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))
			writeJSON(t, w, http.StatusOK, fileJSON{
				FileID:               "file-id",
				FileName:             "logs/a b.txt",
				BucketID:             "bucket-id",
				ContentLength:        5,
				ContentType:          "text/plain",
				ContentSHA1:          r.Header.Get(wire.HeaderContentSHA1),
				FileInfo:             map[string]string{"note": "v 1"},
				UploadTimestamp:      1700000000000,
				ServerSideEncryption: &encryptionJSON{Mode: wire.EncryptionModeSSEB2, Algorithm: "AES256"},
			})
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer svr.Close()

	client := fastClient(0)
	auth, err := client.AuthorizeAccount(context.Background(), svr.URL, "key-id", "secret")
	require.NoError(t, err)
	assert.Equal(t, "account-token", auth.Token)
	assert.True(t, auth.Allowed.Has(wire.CapabilityListFiles))
	assert.Equal(t, "logs/", auth.Allowed.NamePrefix)

	upload, err := client.GetUploadURL(context.Background(), auth, "bucket-id")
	require.NoError(t, err)

	file, err := client.UploadFile(context.Background(), upload, wire.UploadFileRequest{
		FileName: "logs/a b.txt",
		Meta: wire.FileMeta{
			ContentType:           "text/plain",
			FileInfo:              map[string]string{"note": "v 1"},
			Encryption:            wire.EncryptionSetting{Mode: wire.EncryptionModeSSEB2, Algorithm: "AES256"},
			CustomUploadTimestamp: 1700000000000,
		},
		ContentLength: 5,
		ContentSHA1:   "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d",
		Body:          strings.NewReader("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, "file-id", file.ID)
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", file.ContentSHA1)
	assert.Equal(t, "v 1", file.FileInfo["note"])
	assert.True(t, file.Encryption.IsSSEB2())
}

func TestClient_ErrorResponses(t *testing.T) {
	var calls atomic.Int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/b2api/v2/b2_finish_large_file":
			writeJSON(t, w, http.StatusUnauthorized, errorResponse{Status: 401, Code: wire.CodeExpiredAuthToken, Message: "expired"})
		case "/b2api/v2/b2_start_large_file":
			w.Header().Set("Retry-After", "3")
			writeJSON(t, w, http.StatusTooManyRequests, errorResponse{Status: 429, Code: wire.CodeTooManyRequests, Message: "slow down"})
		default:
			writeJSON(t, w, http.StatusNotFound, errorResponse{Status: 404, Code: wire.CodeNotFound, Message: "no such file"})
		}
	}))
	defer svr.Close()
	auth := wire.Auth{APIURL: svr.URL, Token: "token"}

	client := fastClient(2)
	_, err := client.FinishLargeFile(context.Background(), auth, "file-id", []string{"a", "b"})
	assert.True(t, wire.IsExpiredAuthToken(err))
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	_, err = fastClient(0).StartLargeFile(context.Background(), auth, wire.StartLargeFileRequest{BucketID: "b", FileName: "f"})
	assert.True(t, wire.IsRetryable(err))
	assert.Equal(t, 3*time.Second, wire.RetryAfter(err))
	assert.Equal(t, int32(1), calls.Load())

	err = client.CancelLargeFile(context.Background(), auth, "missing")
	assert.True(t, wire.IsNotFound(err))
	var wireErr *wire.Error
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, "no such file", wireErr.Message)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(t, w, http.StatusInternalServerError, errorResponse{Status: 500, Code: "internal_error"})
			return
		}
		next := 3
		writeJSON(t, w, http.StatusOK, listPartsResponse{
			Parts:          []partJSON{{FileID: "f", PartNumber: 1, ContentLength: 10, ContentSHA1: "s1"}, {FileID: "f", PartNumber: 2, ContentLength: 10, ContentSHA1: "s2"}},
			NextPartNumber: &next,
		})
	}))
	defer svr.Close()

	page, err := fastClient(2).ListParts(context.Background(), wire.Auth{APIURL: svr.URL}, "f", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 3, page.NextPartNumber)
	assert.Equal(t, []wire.Part{{FileID: "f", Number: 1, Size: 10, ContentSHA1: "s1"}, {FileID: "f", Number: 2, Size: 10, ContentSHA1: "s2"}}, page.Parts)
}

func TestClient_DownloadFileFromURL(t *testing.T) {
	content := "0123456789"
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		assert.Equal(t, "bytes=2-5", r.Header.Get("Range"))
		assert.Equal(t, "file-id", r.URL.Query().Get("fileId"))
		wire.SetDownloadHeaders(w.Header(), wire.DownloadVersion{
			FileID:        "file-id",
			FileName:      "dir/file.txt",
			ContentSHA1:   "digest",
			ContentLength: 4,
			Size:          int64(len(content)),
			Range:         wire.ByteRange{Start: 2, End: 5},
		})
		w.WriteHeader(http.StatusPartialContent)
		_, err := io.WriteString(w, content[2:6])
		require.NoError(t, err)
	}))
	defer svr.Close()

	client := fastClient(0)
	auth := wire.Auth{DownloadURL: svr.URL, Token: "token"}
	resp, err := client.DownloadFileFromURL(context.Background(), auth, wire.DownloadRequest{
		URL:   client.DownloadURLByID(auth, "file-id"),
		Range: &wire.ByteRange{Start: 2, End: 5},
	})
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	version, err := wire.DownloadVersionFromHeaders(resp.Header)
	require.NoError(t, err)
	assert.Equal(t, "dir/file.txt", version.FileName)
	assert.Equal(t, wire.ByteRange{Start: 2, End: 5}, version.Range)
	assert.Equal(t, int64(10), version.Size)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
}

func TestClient_DownloadURLByName(t *testing.T) {
	client := fastClient(0)
	auth := wire.Auth{DownloadURL: "https://f000.example.com"}

	assert.Equal(t, "https://f000.example.com/file/bucket/dir/a%20b.txt", client.DownloadURLByName(auth, "bucket", "dir/a b.txt"))
}

func TestCustomerKeyMD5(t *testing.T) {
	// md5 of 32 zero bytes
	assert.Equal(t, "cLyPS3KoaSFGi/joRB3OUQ==", customerKeyMD5("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="))
}

func TestRealmURL(t *testing.T) {
	assert.Equal(t, ProductionRealmURL, RealmURL(""))
	assert.Equal(t, ProductionRealmURL, RealmURL("production"))
	assert.Equal(t, StagingRealmURL, RealmURL("staging"))
	assert.Equal(t, "http://localhost:8180", RealmURL("http://localhost:8180"))
}
