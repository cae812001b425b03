package wire

import (
	"fmt"
	"io"
	"net/http"
)

// Service limits shared by the planner and the executor.
const (
	MaxPartCount               = 10000
	MaxLargeFileSize           = int64(10) * 1000 * 1000 * 1000 * 1000
	DefaultMinPartSize         = int64(5) * 1000 * 1000
	DefaultRecommendedPartSize = int64(100) * 1000 * 1000
	DefaultMaxPartSize         = int64(5) * 1000 * 1000 * 1000
)

// Well-known values of the protocol.
const (
	HexDigitsAtEnd        = "hex_digits_at_end"
	AutoContentType       = "b2/x-auto"
	DefaultContentType    = AutoContentType
	FileInfoLargeFileSHA1 = "large_file_sha1"
	FileInfoPlanID        = "plan_id"

	MetadataDirectiveCopy    = "COPY"
	MetadataDirectiveReplace = "REPLACE"

	CapabilityListFiles = "listFiles"
)

// ByteRange is an inclusive byte range, the way the HTTP Range header counts.
type ByteRange struct {
	Start int64
	End   int64
}

// NewByteRange returns the range covering length bytes from start.
func NewByteRange(start, length int64) ByteRange {
	return ByteRange{Start: start, End: start + length - 1}
}

// Size ...
func (r ByteRange) Size() int64 {
	return r.End - r.Start + 1
}

// Subrange returns the range between the relative offsets from and to, both inclusive.
func (r ByteRange) Subrange(from, to int64) ByteRange {
	return ByteRange{Start: r.Start + from, End: r.Start + to}
}

// HeaderValue renders the range for the Range request header.
func (r ByteRange) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// Allowed describes the restrictions of the key the session is authorized with.
type Allowed struct {
	Capabilities []string
	BucketID     string
	BucketName   string
	NamePrefix   string
}

// Has reports whether the key carries the given capability.
func (a Allowed) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Auth is the result of an account authorization.
type Auth struct {
	AccountID               string
	Token                   string
	APIURL                  string
	DownloadURL             string
	RecommendedPartSize     int64
	AbsoluteMinimumPartSize int64
	Allowed                 Allowed
}

// UploadURL is an upload endpoint together with the token that may be used with it.
// A token may only be used by one request at a time.
type UploadURL struct {
	URL   string
	Token string
}

// FileMeta is the destination metadata of a new file.
type FileMeta struct {
	ContentType           string
	FileInfo              map[string]string
	Encryption            EncryptionSetting
	Retention             FileRetention
	LegalHold             LegalHold
	CustomUploadTimestamp int64
}

// FileVersion describes a finished file.
type FileVersion struct {
	ID              string
	Name            string
	BucketID        string
	Size            int64
	ContentType     string
	ContentSHA1     string
	FileInfo        map[string]string
	UploadTimestamp int64
	Encryption      EncryptionSetting
	Retention       FileRetention
	LegalHold       LegalHold
}

// UnfinishedFile describes a started, not yet finished large file.
type UnfinishedFile struct {
	ID              string
	Name            string
	BucketID        string
	ContentType     string
	FileInfo        map[string]string
	UploadTimestamp int64
	Encryption      EncryptionSetting
	Retention       FileRetention
	LegalHold       LegalHold
}

// Part is an uploaded part of a large file.
type Part struct {
	FileID      string
	Number      int
	Size        int64
	ContentSHA1 string
}

// PartsPage ...
type PartsPage struct {
	Parts []Part
	// NextPartNumber is zero on the last page.
	NextPartNumber int
}

// UnfinishedFilesPage ...
type UnfinishedFilesPage struct {
	Files []UnfinishedFile
	// NextFileID is empty on the last page.
	NextFileID string
}

// UploadFileRequest uploads a whole file in one request.
type UploadFileRequest struct {
	FileName      string
	Meta          FileMeta
	ContentLength int64
	// ContentSHA1 is either the hex digest of the body or HexDigitsAtEnd.
	ContentSHA1 string
	Body        io.Reader
}

// UploadPartRequest uploads one part of a large file.
type UploadPartRequest struct {
	FileID        string
	PartNumber    int
	ContentLength int64
	ContentSHA1   string
	Encryption    EncryptionSetting
	Body          io.Reader
}

// StartLargeFileRequest ...
type StartLargeFileRequest struct {
	BucketID string
	FileName string
	Meta     FileMeta
}

// CopyFileRequest copies a (range of a) file into a new file with a single request.
type CopyFileRequest struct {
	SourceFileID      string
	DestBucketID      string
	FileName          string
	Range             *ByteRange
	MetadataDirective string
	Meta              FileMeta
	SourceEncryption  EncryptionSetting
}

// CopyPartRequest copies a (range of a) file into a part of a large file.
type CopyPartRequest struct {
	SourceFileID     string
	LargeFileID      string
	PartNumber       int
	Range            *ByteRange
	DestEncryption   EncryptionSetting
	SourceEncryption EncryptionSetting
}

// DownloadRequest ...
type DownloadRequest struct {
	URL        string
	Range      *ByteRange
	Encryption EncryptionSetting
}

// DownloadResponse is an open download. The caller must close Body.
type DownloadResponse struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
