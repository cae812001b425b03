package wire

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Response and request header names of the native protocol.
const (
	HeaderFileID          = "X-Bz-File-Id"
	HeaderFileName        = "X-Bz-File-Name"
	HeaderContentSHA1     = "X-Bz-Content-Sha1"
	HeaderUploadTimestamp = "X-Bz-Upload-Timestamp"
	HeaderPartNumber      = "X-Bz-Part-Number"
	HeaderInfoPrefix      = "X-Bz-Info-"

	unverifiedPrefix = "unverified:"
	noSHA1           = "none"
)

// DownloadVersion is the file description carried by the headers of a download response.
type DownloadVersion struct {
	FileID          string
	FileName        string
	ContentType     string
	ContentEncoding string
	// ContentSHA1 is empty when the service declared no usable digest.
	ContentSHA1 string
	// ContentLength is the number of bytes in this response.
	ContentLength int64
	// Size is the length of the whole file.
	Size            int64
	Range           ByteRange
	FileInfo        map[string]string
	UploadTimestamp int64
}

// DownloadVersionFromHeaders ...
func DownloadVersionFromHeaders(h http.Header) (DownloadVersion, error) {
	v := DownloadVersion{
		FileID:          h.Get(HeaderFileID),
		ContentType:     h.Get("Content-Type"),
		ContentEncoding: h.Get("Content-Encoding"),
		FileInfo:        map[string]string{},
	}

	name, err := url.PathUnescape(h.Get(HeaderFileName))
	if err != nil {
		return DownloadVersion{}, fmt.Errorf("parse file name header: %w", err)
	}
	v.FileName = name

	length, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil {
		return DownloadVersion{}, fmt.Errorf("parse content length: %w", err)
	}
	v.ContentLength = length

	if contentRange := h.Get("Content-Range"); contentRange != "" {
		r, size, err := parseContentRange(contentRange)
		if err != nil {
			return DownloadVersion{}, err
		}
		v.Range = r
		v.Size = size
	} else {
		v.Range = NewByteRange(0, length)
		v.Size = length
	}

	if ts := h.Get(HeaderUploadTimestamp); ts != "" {
		if v.UploadTimestamp, err = strconv.ParseInt(ts, 10, 64); err != nil {
			return DownloadVersion{}, fmt.Errorf("parse upload timestamp: %w", err)
		}
	}

	for key, values := range h {
		canonical := http.CanonicalHeaderKey(key)
		if !strings.HasPrefix(canonical, HeaderInfoPrefix) || len(values) == 0 {
			continue
		}
		infoKey := strings.ToLower(strings.TrimPrefix(canonical, HeaderInfoPrefix))
		value, err := url.PathUnescape(values[0])
		if err != nil {
			value = values[0]
		}
		v.FileInfo[infoKey] = value
	}

	sha1 := strings.TrimPrefix(h.Get(HeaderContentSHA1), unverifiedPrefix)
	if sha1 == noSHA1 || sha1 == "" {
		sha1 = v.FileInfo[FileInfoLargeFileSHA1]
	}
	v.ContentSHA1 = sha1

	return v, nil
}

// parseContentRange parses "bytes 0-99/1000".
func parseContentRange(value string) (ByteRange, int64, error) {
	var r ByteRange
	var size int64
	if _, err := fmt.Sscanf(value, "bytes %d-%d/%d", &r.Start, &r.End, &size); err != nil {
		return ByteRange{}, 0, fmt.Errorf("parse content range %q: %w", value, err)
	}
	return r, size, nil
}

// SetDownloadHeaders writes the headers describing v, as the service would. Bindings that do not
// speak the native protocol use it to present their responses uniformly.
func SetDownloadHeaders(h http.Header, v DownloadVersion) {
	h.Set(HeaderFileID, v.FileID)
	h.Set(HeaderFileName, url.PathEscape(v.FileName))
	h.Set("Content-Length", strconv.FormatInt(v.ContentLength, 10))
	if v.ContentType != "" {
		h.Set("Content-Type", v.ContentType)
	}
	if v.ContentEncoding != "" {
		h.Set("Content-Encoding", v.ContentEncoding)
	}
	if v.ContentSHA1 != "" {
		h.Set(HeaderContentSHA1, v.ContentSHA1)
	} else {
		h.Set(HeaderContentSHA1, noSHA1)
	}
	if v.Range.Size() != v.Size || v.Range.Start != 0 {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", v.Range.Start, v.Range.End, v.Size))
	}
	h.Set(HeaderUploadTimestamp, strconv.FormatInt(v.UploadTimestamp, 10))
	for k, val := range v.FileInfo {
		h.Set(HeaderInfoPrefix+k, url.PathEscape(val))
	}
}
