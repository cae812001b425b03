package b2http

import "github.com/bitrise-io/go-objtransfer/wire"

type allowedJSON struct {
	Capabilities []string `json:"capabilities"`
	BucketID     string   `json:"bucketId,omitempty"`
	BucketName   string   `json:"bucketName,omitempty"`
	NamePrefix   string   `json:"namePrefix,omitempty"`
}

type authorizeResponse struct {
	AccountID               string      `json:"accountId"`
	AuthorizationToken      string      `json:"authorizationToken"`
	APIURL                  string      `json:"apiUrl"`
	DownloadURL             string      `json:"downloadUrl"`
	RecommendedPartSize     int64       `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64       `json:"absoluteMinimumPartSize"`
	Allowed                 allowedJSON `json:"allowed"`
}

type uploadURLResponse struct {
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type encryptionJSON struct {
	Mode           string `json:"mode,omitempty"`
	Algorithm      string `json:"algorithm,omitempty"`
	CustomerKey    string `json:"customerKey,omitempty"`
	CustomerKeyMD5 string `json:"customerKeyMd5,omitempty"`
}

type retentionJSON struct {
	Mode                 string `json:"mode,omitempty"`
	RetainUntilTimestamp int64  `json:"retainUntilTimestamp,omitempty"`
}

// Retention and legal hold are wrapped in responses, next to the read permission.
type retentionValueJSON struct {
	Value *retentionJSON `json:"value"`
}

type legalHoldValueJSON struct {
	Value *string `json:"value"`
}

type fileJSON struct {
	FileID               string              `json:"fileId"`
	FileName             string              `json:"fileName"`
	BucketID             string              `json:"bucketId"`
	ContentLength        int64               `json:"contentLength"`
	ContentType          string              `json:"contentType"`
	ContentSHA1          string              `json:"contentSha1"`
	FileInfo             map[string]string   `json:"fileInfo"`
	UploadTimestamp      int64               `json:"uploadTimestamp"`
	ServerSideEncryption *encryptionJSON     `json:"serverSideEncryption"`
	FileRetention        *retentionValueJSON `json:"fileRetention"`
	LegalHold            *legalHoldValueJSON `json:"legalHold"`
}

type partJSON struct {
	FileID        string `json:"fileId"`
	PartNumber    int    `json:"partNumber"`
	ContentLength int64  `json:"contentLength"`
	ContentSHA1   string `json:"contentSha1"`
}

type startLargeFileRequest struct {
	BucketID             string            `json:"bucketId"`
	FileName             string            `json:"fileName"`
	ContentType          string            `json:"contentType"`
	FileInfo             map[string]string `json:"fileInfo,omitempty"`
	ServerSideEncryption *encryptionJSON   `json:"serverSideEncryption,omitempty"`
	FileRetention        *retentionJSON    `json:"fileRetention,omitempty"`
	LegalHold            string            `json:"legalHold,omitempty"`
}

type finishLargeFileRequest struct {
	FileID        string   `json:"fileId"`
	PartSHA1Array []string `json:"partSha1Array"`
}

type fileIDRequest struct {
	FileID string `json:"fileId"`
}

type listPartsRequest struct {
	FileID          string `json:"fileId"`
	StartPartNumber int    `json:"startPartNumber,omitempty"`
	MaxPartCount    int    `json:"maxPartCount,omitempty"`
}

type listPartsResponse struct {
	Parts          []partJSON `json:"parts"`
	NextPartNumber *int       `json:"nextPartNumber"`
}

type listUnfinishedRequest struct {
	BucketID     string `json:"bucketId"`
	NamePrefix   string `json:"namePrefix,omitempty"`
	StartFileID  string `json:"startFileId,omitempty"`
	MaxFileCount int    `json:"maxFileCount,omitempty"`
}

type listUnfinishedResponse struct {
	Files      []fileJSON `json:"files"`
	NextFileID *string    `json:"nextFileId"`
}

type copyFileRequest struct {
	SourceFileID                    string            `json:"sourceFileId"`
	DestinationBucketID             string            `json:"destinationBucketId,omitempty"`
	FileName                        string            `json:"fileName"`
	Range                           string            `json:"range,omitempty"`
	MetadataDirective               string            `json:"metadataDirective,omitempty"`
	ContentType                     string            `json:"contentType,omitempty"`
	FileInfo                        map[string]string `json:"fileInfo,omitempty"`
	SourceServerSideEncryption      *encryptionJSON   `json:"sourceServerSideEncryption,omitempty"`
	DestinationServerSideEncryption *encryptionJSON   `json:"destinationServerSideEncryption,omitempty"`
	FileRetention                   *retentionJSON    `json:"fileRetention,omitempty"`
	LegalHold                       string            `json:"legalHold,omitempty"`
}

type copyPartRequest struct {
	SourceFileID                    string          `json:"sourceFileId"`
	LargeFileID                     string          `json:"largeFileId"`
	PartNumber                      int             `json:"partNumber"`
	Range                           string          `json:"range,omitempty"`
	SourceServerSideEncryption      *encryptionJSON `json:"sourceServerSideEncryption,omitempty"`
	DestinationServerSideEncryption *encryptionJSON `json:"destinationServerSideEncryption,omitempty"`
}

type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encryptionToJSON(e wire.EncryptionSetting) *encryptionJSON {
	if e.Mode == "" {
		return nil
	}
	j := &encryptionJSON{Mode: e.Mode, Algorithm: e.Algorithm}
	if e.Mode == wire.EncryptionModeSSEC {
		j.CustomerKey = e.Key
		j.CustomerKeyMD5 = customerKeyMD5(e.Key)
	}
	return j
}

func encryptionFromJSON(j *encryptionJSON) wire.EncryptionSetting {
	if j == nil {
		return wire.EncryptionSetting{}
	}
	return wire.EncryptionSetting{Mode: j.Mode, Algorithm: j.Algorithm}
}

func retentionToJSON(r wire.FileRetention) *retentionJSON {
	if r.Mode == "" {
		return nil
	}
	return &retentionJSON{Mode: r.Mode, RetainUntilTimestamp: r.RetainUntil}
}

func (f fileJSON) retention() wire.FileRetention {
	if f.FileRetention == nil || f.FileRetention.Value == nil {
		return wire.FileRetention{}
	}
	return wire.FileRetention{Mode: f.FileRetention.Value.Mode, RetainUntil: f.FileRetention.Value.RetainUntilTimestamp}
}

func (f fileJSON) legalHold() wire.LegalHold {
	if f.LegalHold == nil || f.LegalHold.Value == nil {
		return wire.LegalHoldUnset
	}
	return wire.LegalHold(*f.LegalHold.Value)
}

func (f fileJSON) version() wire.FileVersion {
	return wire.FileVersion{
		ID:              f.FileID,
		Name:            f.FileName,
		BucketID:        f.BucketID,
		Size:            f.ContentLength,
		ContentType:     f.ContentType,
		ContentSHA1:     f.ContentSHA1,
		FileInfo:        f.FileInfo,
		UploadTimestamp: f.UploadTimestamp,
		Encryption:      encryptionFromJSON(f.ServerSideEncryption),
		Retention:       f.retention(),
		LegalHold:       f.legalHold(),
	}
}

func (f fileJSON) unfinished() wire.UnfinishedFile {
	return wire.UnfinishedFile{
		ID:              f.FileID,
		Name:            f.FileName,
		BucketID:        f.BucketID,
		ContentType:     f.ContentType,
		FileInfo:        f.FileInfo,
		UploadTimestamp: f.UploadTimestamp,
		Encryption:      encryptionFromJSON(f.ServerSideEncryption),
		Retention:       f.retention(),
		LegalHold:       f.legalHold(),
	}
}

func (p partJSON) part() wire.Part {
	return wire.Part{FileID: p.FileID, Number: p.PartNumber, Size: p.ContentLength, ContentSHA1: p.ContentSHA1}
}

func rangeValue(r *wire.ByteRange) string {
	if r == nil {
		return ""
	}
	return r.HeaderValue()
}
