package s3wire

import (
	"fmt"
	"net/url"
	"strings"
)

// S3 has no file ids: finished files are addressed by bucket and key, large files also by the
// multipart upload id. Bucket ids are bucket names.

const (
	idPrefix   = "s3:"
	urlByID    = "s3://id/"
	urlByName  = "s3://name/"
	uploadHost = "s3://upload/"
)

type objectID struct {
	Bucket   string
	Key      string
	UploadID string
}

func (o objectID) String() string {
	v := url.Values{}
	v.Set("b", o.Bucket)
	v.Set("k", o.Key)
	if o.UploadID != "" {
		v.Set("u", o.UploadID)
	}
	return idPrefix + v.Encode()
}

func parseObjectID(id string) (objectID, error) {
	if !strings.HasPrefix(id, idPrefix) {
		return objectID{}, fmt.Errorf("not an s3 file id: %q", id)
	}
	v, err := url.ParseQuery(strings.TrimPrefix(id, idPrefix))
	if err != nil {
		return objectID{}, fmt.Errorf("parse file id %q: %w", id, err)
	}
	o := objectID{Bucket: v.Get("b"), Key: v.Get("k"), UploadID: v.Get("u")}
	if o.Bucket == "" || o.Key == "" {
		return objectID{}, fmt.Errorf("incomplete file id: %q", id)
	}
	return o, nil
}

// parseLargeFileID parses the id of an unfinished large file.
func parseLargeFileID(id string) (objectID, error) {
	o, err := parseObjectID(id)
	if err != nil {
		return objectID{}, err
	}
	if o.UploadID == "" {
		return objectID{}, fmt.Errorf("not a large file id: %q", id)
	}
	return o, nil
}

// parseDownloadURL resolves URLs made by DownloadURLByID and DownloadURLByName.
func parseDownloadURL(u string) (objectID, error) {
	switch {
	case strings.HasPrefix(u, urlByID):
		return parseObjectID(strings.TrimPrefix(u, urlByID))
	case strings.HasPrefix(u, urlByName):
		bucketAndKey := strings.SplitN(strings.TrimPrefix(u, urlByName), "/", 2)
		if len(bucketAndKey) != 2 || bucketAndKey[0] == "" || bucketAndKey[1] == "" {
			return objectID{}, fmt.Errorf("invalid download url: %q", u)
		}
		return objectID{Bucket: bucketAndKey[0], Key: bucketAndKey[1]}, nil
	}
	return objectID{}, fmt.Errorf("not an s3 download url: %q", u)
}
