// Package s3wire implements wire.API on top of an S3 compatible service.
package s3wire

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/bitrise-io/go-objtransfer/wire"
)

// S3 multipart limits.
const (
	MinPartSize         = int64(5) * 1024 * 1024
	RecommendedPartSize = int64(100) * 1000 * 1000
)

// Params configure the S3 client. Endpoint is empty for AWS.
type Params struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Client ...
type Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	logger   log.Logger

	mu     sync.Mutex
	tokens map[string]bool
}

var _ wire.API = (*Client)(nil)

// NewClient wraps an S3 client.
func NewClient(client *s3.Client, logger log.Logger) *Client {
	return &Client{
		client:   client,
		uploader: manager.NewUploader(client),
		logger:   logger,
		tokens:   map[string]bool{},
	}
}

// NewClientFromParams creates the S3 client with the key that authorizes the account.
func NewClientFromParams(ctx context.Context, params Params, accessKeyID, secretAccessKey string, logger log.Logger) (*Client, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, accessKeyID, secretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}
	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	})
	return NewClient(client, logger), nil
}

func loadAWSCredentials(ctx context.Context, region, accessKeyID, secretKey string, logger log.Logger) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	} else {
		logger.Debugf("aws credentials not defined, loading credentials from environment...")
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// AuthorizeAccount checks that the key can reach the service. Request signing does the rest, so
// the returned token only identifies this authorization.
func (c *Client) AuthorizeAccount(ctx context.Context, _, _, _ string) (wire.Auth, error) {
	if _, err := c.client.ListBuckets(ctx, &s3.ListBucketsInput{}); err != nil {
		return wire.Auth{}, toWireError(err)
	}
	return wire.Auth{
		Token:                   uuid.NewString(),
		DownloadURL:             "s3://",
		RecommendedPartSize:     RecommendedPartSize,
		AbsoluteMinimumPartSize: MinPartSize,
		Allowed:                 wire.Allowed{Capabilities: []string{wire.CapabilityListFiles, "readFiles", "writeFiles"}},
	}, nil
}

func (c *Client) newUploadURL(target string) wire.UploadURL {
	token := uuid.NewString()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[token] = true
	return wire.UploadURL{URL: uploadHost + target, Token: token}
}

func (c *Client) checkUploadToken(u wire.UploadURL) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tokens[u.Token] {
		return &wire.Error{Status: http.StatusUnauthorized, Code: wire.CodeBadAuthToken, Message: "unknown upload token"}
	}
	return nil
}

// GetUploadURL ...
func (c *Client) GetUploadURL(_ context.Context, _ wire.Auth, bucketID string) (wire.UploadURL, error) {
	return c.newUploadURL(bucketID), nil
}

// GetUploadPartURL ...
func (c *Client) GetUploadPartURL(_ context.Context, _ wire.Auth, fileID string) (wire.UploadURL, error) {
	return c.newUploadURL(fileID), nil
}

// readUploadBody reads a whole request body, taking the digest off its end when it is sent there.
func readUploadBody(body io.Reader, contentLength int64, declaredSHA1 string) ([]byte, string, error) {
	raw, err := io.ReadAll(io.LimitReader(body, contentLength+1))
	if err != nil {
		return nil, "", wire.NewTransportError(err)
	}
	if int64(len(raw)) != contentLength {
		return nil, "", &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: fmt.Sprintf("content length %d does not match %d bytes sent", contentLength, len(raw))}
	}
	data, expected := raw, declaredSHA1
	if declaredSHA1 == wire.HexDigitsAtEnd {
		if len(raw) < sha1.Size*2 {
			return nil, "", &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: "missing trailing checksum"}
		}
		data, expected = raw[:len(raw)-sha1.Size*2], string(raw[len(raw)-sha1.Size*2:])
	}
	sum := sha1.Sum(data)
	if actual := hex.EncodeToString(sum[:]); actual != expected {
		return nil, "", &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: "sha1 did not match data sent"}
	}
	return data, expected, nil
}

// UploadFile ...
func (c *Client) UploadFile(ctx context.Context, upload wire.UploadURL, req wire.UploadFileRequest) (wire.FileVersion, error) {
	if err := c.checkUploadToken(upload); err != nil {
		return wire.FileVersion{}, err
	}
	bucket := strings.TrimPrefix(upload.URL, uploadHost)
	data, digest, err := readUploadBody(req.Body, req.ContentLength, req.ContentSHA1)
	if err != nil {
		return wire.FileVersion{}, err
	}

	contentType := req.Meta.ContentType
	if contentType == "" || contentType == wire.AutoContentType {
		contentType = mimetype.Detect(data).String()
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(req.FileName),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      req.Meta.FileInfo,
		ChecksumSHA1:  aws.String(hexToBase64(digest)),
	}
	applyPutMeta(input, req.Meta)

	c.logger.Debugf("Putting %s/%s", bucket, req.FileName)
	if _, err := c.uploader.Upload(ctx, input, func(u *manager.Uploader) {
		u.PartSize = max(int64(len(data))+1, manager.MinUploadPartSize)
	}); err != nil {
		return wire.FileVersion{}, toWireError(err)
	}

	return wire.FileVersion{
		ID:              objectID{Bucket: bucket, Key: req.FileName}.String(),
		Name:            req.FileName,
		BucketID:        bucket,
		Size:            int64(len(data)),
		ContentType:     contentType,
		ContentSHA1:     digest,
		FileInfo:        req.Meta.FileInfo,
		UploadTimestamp: time.Now().UnixMilli(),
		Encryption:      req.Meta.Encryption,
		Retention:       req.Meta.Retention,
		LegalHold:       req.Meta.LegalHold,
	}, nil
}

func applyPutMeta(input *s3.PutObjectInput, meta wire.FileMeta) {
	switch meta.Encryption.Mode {
	case wire.EncryptionModeSSEB2:
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case wire.EncryptionModeSSEC:
		input.SSECustomerAlgorithm = aws.String(meta.Encryption.Algorithm)
		input.SSECustomerKey = aws.String(meta.Encryption.Key)
		input.SSECustomerKeyMD5 = aws.String(customerKeyMD5(meta.Encryption.Key))
	}
	if meta.Retention.Mode != "" {
		input.ObjectLockMode = types.ObjectLockMode(strings.ToUpper(meta.Retention.Mode))
		input.ObjectLockRetainUntilDate = aws.Time(time.UnixMilli(meta.Retention.RetainUntil))
	}
	if meta.LegalHold != wire.LegalHoldUnset {
		input.ObjectLockLegalHoldStatus = types.ObjectLockLegalHoldStatus(strings.ToUpper(string(meta.LegalHold)))
	}
}

// UploadPart ...
func (c *Client) UploadPart(ctx context.Context, upload wire.UploadURL, req wire.UploadPartRequest) (wire.Part, error) {
	if err := c.checkUploadToken(upload); err != nil {
		return wire.Part{}, err
	}
	id, err := parseLargeFileID(req.FileID)
	if err != nil {
		return wire.Part{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}
	data, digest, err := readUploadBody(req.Body, req.ContentLength, req.ContentSHA1)
	if err != nil {
		return wire.Part{}, err
	}

	input := &s3.UploadPartInput{
		Bucket:        aws.String(id.Bucket),
		Key:           aws.String(id.Key),
		UploadId:      aws.String(id.UploadID),
		PartNumber:    aws.Int32(int32(req.PartNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ChecksumSHA1:  aws.String(hexToBase64(digest)),
	}
	if req.Encryption.Mode == wire.EncryptionModeSSEC {
		input.SSECustomerAlgorithm = aws.String(req.Encryption.Algorithm)
		input.SSECustomerKey = aws.String(req.Encryption.Key)
		input.SSECustomerKeyMD5 = aws.String(customerKeyMD5(req.Encryption.Key))
	}
	if _, err := c.client.UploadPart(ctx, input); err != nil {
		return wire.Part{}, toWireError(err)
	}
	return wire.Part{FileID: req.FileID, Number: req.PartNumber, Size: int64(len(data)), ContentSHA1: digest}, nil
}

// StartLargeFile ...
func (c *Client) StartLargeFile(ctx context.Context, _ wire.Auth, req wire.StartLargeFileRequest) (wire.UnfinishedFile, error) {
	contentType := req.Meta.ContentType
	if contentType == "" || contentType == wire.AutoContentType {
		contentType = "application/octet-stream"
	}
	input := &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(req.BucketID),
		Key:               aws.String(req.FileName),
		ContentType:       aws.String(contentType),
		Metadata:          req.Meta.FileInfo,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha1,
	}
	switch req.Meta.Encryption.Mode {
	case wire.EncryptionModeSSEB2:
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case wire.EncryptionModeSSEC:
		input.SSECustomerAlgorithm = aws.String(req.Meta.Encryption.Algorithm)
		input.SSECustomerKey = aws.String(req.Meta.Encryption.Key)
		input.SSECustomerKeyMD5 = aws.String(customerKeyMD5(req.Meta.Encryption.Key))
	}
	if req.Meta.Retention.Mode != "" {
		input.ObjectLockMode = types.ObjectLockMode(strings.ToUpper(req.Meta.Retention.Mode))
		input.ObjectLockRetainUntilDate = aws.Time(time.UnixMilli(req.Meta.Retention.RetainUntil))
	}
	if req.Meta.LegalHold != wire.LegalHoldUnset {
		input.ObjectLockLegalHoldStatus = types.ObjectLockLegalHoldStatus(strings.ToUpper(string(req.Meta.LegalHold)))
	}

	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return wire.UnfinishedFile{}, toWireError(err)
	}
	return wire.UnfinishedFile{
		ID:              objectID{Bucket: req.BucketID, Key: req.FileName, UploadID: aws.ToString(out.UploadId)}.String(),
		Name:            req.FileName,
		BucketID:        req.BucketID,
		ContentType:     contentType,
		FileInfo:        req.Meta.FileInfo,
		UploadTimestamp: time.Now().UnixMilli(),
		Encryption:      req.Meta.Encryption,
		Retention:       req.Meta.Retention,
		LegalHold:       req.Meta.LegalHold,
	}, nil
}

// FinishLargeFile completes the multipart upload after checking the part digests.
func (c *Client) FinishLargeFile(ctx context.Context, auth wire.Auth, fileID string, partSHA1s []string) (wire.FileVersion, error) {
	id, err := parseLargeFileID(fileID)
	if err != nil {
		return wire.FileVersion{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}

	var completed []types.CompletedPart
	var size int64
	paginator := s3.NewListPartsPaginator(c.client, &s3.ListPartsInput{
		Bucket:   aws.String(id.Bucket),
		Key:      aws.String(id.Key),
		UploadId: aws.String(id.UploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return wire.FileVersion{}, toWireError(err)
		}
		for _, p := range page.Parts {
			number := int(aws.ToInt32(p.PartNumber))
			if number < 1 || number > len(partSHA1s) {
				return wire.FileVersion{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: fmt.Sprintf("unexpected part %d", number)}
			}
			if digest := base64ToHex(aws.ToString(p.ChecksumSHA1)); digest != "" && partSHA1s[number-1] != "" && digest != partSHA1s[number-1] {
				return wire.FileVersion{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: fmt.Sprintf("sha1 of part %d does not match", number)}
			}
			completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber, ChecksumSHA1: p.ChecksumSHA1})
			size += aws.ToInt64(p.Size)
		}
	}
	if len(completed) != len(partSHA1s) {
		return wire.FileVersion{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: fmt.Sprintf("%d parts uploaded, %d expected", len(completed), len(partSHA1s))}
	}

	if _, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(id.Bucket),
		Key:             aws.String(id.Key),
		UploadId:        aws.String(id.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	}); err != nil {
		return wire.FileVersion{}, toWireError(err)
	}

	return wire.FileVersion{
		ID:              objectID{Bucket: id.Bucket, Key: id.Key}.String(),
		Name:            id.Key,
		BucketID:        id.Bucket,
		Size:            size,
		ContentSHA1:     "none",
		UploadTimestamp: time.Now().UnixMilli(),
	}, nil
}

// CancelLargeFile ...
func (c *Client) CancelLargeFile(ctx context.Context, _ wire.Auth, fileID string) error {
	id, err := parseLargeFileID(fileID)
	if err != nil {
		return &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}
	_, err = c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(id.Bucket),
		Key:      aws.String(id.Key),
		UploadId: aws.String(id.UploadID),
	})
	return toWireError(err)
}

// ListParts ...
func (c *Client) ListParts(ctx context.Context, _ wire.Auth, fileID string, startPartNumber, maxCount int) (wire.PartsPage, error) {
	id, err := parseLargeFileID(fileID)
	if err != nil {
		return wire.PartsPage{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}
	input := &s3.ListPartsInput{
		Bucket:   aws.String(id.Bucket),
		Key:      aws.String(id.Key),
		UploadId: aws.String(id.UploadID),
		MaxParts: aws.Int32(int32(maxCount)),
	}
	if startPartNumber > 1 {
		input.PartNumberMarker = aws.String(fmt.Sprint(startPartNumber - 1))
	}
	out, err := c.client.ListParts(ctx, input)
	if err != nil {
		return wire.PartsPage{}, toWireError(err)
	}

	page := wire.PartsPage{}
	for _, p := range out.Parts {
		page.Parts = append(page.Parts, wire.Part{
			FileID:      fileID,
			Number:      int(aws.ToInt32(p.PartNumber)),
			Size:        aws.ToInt64(p.Size),
			ContentSHA1: base64ToHex(aws.ToString(p.ChecksumSHA1)),
		})
	}
	if aws.ToBool(out.IsTruncated) && len(page.Parts) > 0 {
		page.NextPartNumber = page.Parts[len(page.Parts)-1].Number + 1
	}
	return page, nil
}

// ListUnfinishedLargeFiles lists multipart uploads. S3 does not return their metadata, so the
// files carry no file info.
func (c *Client) ListUnfinishedLargeFiles(ctx context.Context, _ wire.Auth, bucketID, namePrefix, startFileID string, maxCount int) (wire.UnfinishedFilesPage, error) {
	input := &s3.ListMultipartUploadsInput{
		Bucket:     aws.String(bucketID),
		MaxUploads: aws.Int32(int32(maxCount)),
	}
	if namePrefix != "" {
		input.Prefix = aws.String(namePrefix)
	}
	if startFileID != "" {
		start, err := parseLargeFileID(startFileID)
		if err != nil {
			return wire.UnfinishedFilesPage{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
		}
		input.KeyMarker = aws.String(start.Key)
		input.UploadIdMarker = aws.String(start.UploadID)
	}
	out, err := c.client.ListMultipartUploads(ctx, input)
	if err != nil {
		return wire.UnfinishedFilesPage{}, toWireError(err)
	}

	page := wire.UnfinishedFilesPage{}
	for _, u := range out.Uploads {
		page.Files = append(page.Files, wire.UnfinishedFile{
			ID:              objectID{Bucket: bucketID, Key: aws.ToString(u.Key), UploadID: aws.ToString(u.UploadId)}.String(),
			Name:            aws.ToString(u.Key),
			BucketID:        bucketID,
			FileInfo:        map[string]string{},
			UploadTimestamp: aws.ToTime(u.Initiated).UnixMilli(),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextFileID = objectID{Bucket: bucketID, Key: aws.ToString(out.NextKeyMarker), UploadID: aws.ToString(out.NextUploadIdMarker)}.String()
	}
	return page, nil
}

func copySource(id objectID) *string {
	return aws.String(id.Bucket + "/" + id.Key)
}

// CopyFile copies whole files with CopyObject. Ranges need a multipart upload of a single part.
func (c *Client) CopyFile(ctx context.Context, auth wire.Auth, req wire.CopyFileRequest) (wire.FileVersion, error) {
	source, err := parseObjectID(req.SourceFileID)
	if err != nil {
		return wire.FileVersion{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}
	if req.Range != nil {
		return c.copyRange(ctx, auth, source, req)
	}

	input := &s3.CopyObjectInput{
		Bucket:     aws.String(req.DestBucketID),
		Key:        aws.String(req.FileName),
		CopySource: copySource(source),
	}
	if req.MetadataDirective == wire.MetadataDirectiveReplace {
		input.MetadataDirective = types.MetadataDirectiveReplace
		input.ContentType = aws.String(req.Meta.ContentType)
		input.Metadata = req.Meta.FileInfo
	} else {
		input.MetadataDirective = types.MetadataDirectiveCopy
	}
	if req.Meta.Encryption.IsSSEB2() {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
	if req.SourceEncryption.Mode == wire.EncryptionModeSSEC {
		input.CopySourceSSECustomerAlgorithm = aws.String(req.SourceEncryption.Algorithm)
		input.CopySourceSSECustomerKey = aws.String(req.SourceEncryption.Key)
		input.CopySourceSSECustomerKeyMD5 = aws.String(customerKeyMD5(req.SourceEncryption.Key))
	}
	if _, err := c.client.CopyObject(ctx, input); err != nil {
		return wire.FileVersion{}, toWireError(err)
	}

	head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(req.DestBucketID), Key: aws.String(req.FileName)})
	if err != nil {
		return wire.FileVersion{}, toWireError(err)
	}
	return wire.FileVersion{
		ID:              objectID{Bucket: req.DestBucketID, Key: req.FileName}.String(),
		Name:            req.FileName,
		BucketID:        req.DestBucketID,
		Size:            aws.ToInt64(head.ContentLength),
		ContentType:     aws.ToString(head.ContentType),
		ContentSHA1:     "none",
		FileInfo:        head.Metadata,
		UploadTimestamp: aws.ToTime(head.LastModified).UnixMilli(),
		Encryption:      req.Meta.Encryption,
	}, nil
}

func (c *Client) copyRange(ctx context.Context, auth wire.Auth, source objectID, req wire.CopyFileRequest) (wire.FileVersion, error) {
	meta := req.Meta
	if req.MetadataDirective != wire.MetadataDirectiveReplace {
		head, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(source.Bucket), Key: aws.String(source.Key)})
		if err != nil {
			return wire.FileVersion{}, toWireError(err)
		}
		meta.ContentType = aws.ToString(head.ContentType)
		meta.FileInfo = head.Metadata
	}

	file, err := c.StartLargeFile(ctx, auth, wire.StartLargeFileRequest{BucketID: req.DestBucketID, FileName: req.FileName, Meta: meta})
	if err != nil {
		return wire.FileVersion{}, err
	}
	part, err := c.CopyPart(ctx, auth, wire.CopyPartRequest{
		SourceFileID:     req.SourceFileID,
		LargeFileID:      file.ID,
		PartNumber:       1,
		Range:            req.Range,
		DestEncryption:   meta.Encryption,
		SourceEncryption: req.SourceEncryption,
	})
	if err == nil {
		var version wire.FileVersion
		version, err = c.FinishLargeFile(ctx, auth, file.ID, []string{part.ContentSHA1})
		if err == nil {
			version.ContentType = file.ContentType
			version.FileInfo = meta.FileInfo
			return version, nil
		}
	}
	if cancelErr := c.CancelLargeFile(ctx, auth, file.ID); cancelErr != nil {
		c.logger.Warnf("Failed to abort multipart upload of %s: %s", req.FileName, cancelErr)
	}
	return wire.FileVersion{}, err
}

// CopyPart ...
func (c *Client) CopyPart(ctx context.Context, _ wire.Auth, req wire.CopyPartRequest) (wire.Part, error) {
	source, err := parseObjectID(req.SourceFileID)
	if err != nil {
		return wire.Part{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}
	id, err := parseLargeFileID(req.LargeFileID)
	if err != nil {
		return wire.Part{}, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}

	input := &s3.UploadPartCopyInput{
		Bucket:     aws.String(id.Bucket),
		Key:        aws.String(id.Key),
		UploadId:   aws.String(id.UploadID),
		PartNumber: aws.Int32(int32(req.PartNumber)),
		CopySource: copySource(source),
	}
	if req.Range != nil {
		input.CopySourceRange = aws.String(req.Range.HeaderValue())
	}
	if req.SourceEncryption.Mode == wire.EncryptionModeSSEC {
		input.CopySourceSSECustomerAlgorithm = aws.String(req.SourceEncryption.Algorithm)
		input.CopySourceSSECustomerKey = aws.String(req.SourceEncryption.Key)
		input.CopySourceSSECustomerKeyMD5 = aws.String(customerKeyMD5(req.SourceEncryption.Key))
	}
	if req.DestEncryption.Mode == wire.EncryptionModeSSEC {
		input.SSECustomerAlgorithm = aws.String(req.DestEncryption.Algorithm)
		input.SSECustomerKey = aws.String(req.DestEncryption.Key)
		input.SSECustomerKeyMD5 = aws.String(customerKeyMD5(req.DestEncryption.Key))
	}

	out, err := c.client.UploadPartCopy(ctx, input)
	if err != nil {
		return wire.Part{}, toWireError(err)
	}
	part := wire.Part{FileID: req.LargeFileID, Number: req.PartNumber}
	if req.Range != nil {
		part.Size = req.Range.Size()
	}
	if out.CopyPartResult != nil {
		part.ContentSHA1 = base64ToHex(aws.ToString(out.CopyPartResult.ChecksumSHA1))
	}
	return part, nil
}

// DownloadURLByID ...
func (c *Client) DownloadURLByID(_ wire.Auth, fileID string) string {
	return urlByID + fileID
}

// DownloadURLByName ...
func (c *Client) DownloadURLByName(_ wire.Auth, bucketName, fileName string) string {
	return urlByName + bucketName + "/" + fileName
}

// DownloadFileFromURL gets the object and presents its attributes as native download headers.
func (c *Client) DownloadFileFromURL(ctx context.Context, _ wire.Auth, req wire.DownloadRequest) (*wire.DownloadResponse, error) {
	id, err := parseDownloadURL(req.URL)
	if err != nil {
		return nil, &wire.Error{Status: http.StatusBadRequest, Code: wire.CodeBadRequest, Message: err.Error()}
	}

	input := &s3.GetObjectInput{
		Bucket:       aws.String(id.Bucket),
		Key:          aws.String(id.Key),
		ChecksumMode: types.ChecksumModeEnabled,
	}
	if req.Range != nil {
		input.Range = aws.String(req.Range.HeaderValue())
	}
	if req.Encryption.Mode == wire.EncryptionModeSSEC {
		input.SSECustomerAlgorithm = aws.String(req.Encryption.Algorithm)
		input.SSECustomerKey = aws.String(req.Encryption.Key)
		input.SSECustomerKeyMD5 = aws.String(customerKeyMD5(req.Encryption.Key))
	}

	out, err := c.client.GetObject(ctx, input)
	if err != nil {
		return nil, toWireError(err)
	}

	length := aws.ToInt64(out.ContentLength)
	version := wire.DownloadVersion{
		FileID:          objectID{Bucket: id.Bucket, Key: id.Key}.String(),
		FileName:        id.Key,
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		ContentLength:   length,
		Size:            length,
		Range:           wire.NewByteRange(0, length),
		FileInfo:        out.Metadata,
		UploadTimestamp: aws.ToTime(out.LastModified).UnixMilli(),
	}
	// Composite checksums of multipart objects are no content digests.
	if sum := aws.ToString(out.ChecksumSHA1); sum != "" && !strings.Contains(sum, "-") {
		version.ContentSHA1 = base64ToHex(sum)
	}
	status := http.StatusOK
	if contentRange := aws.ToString(out.ContentRange); contentRange != "" {
		status = http.StatusPartialContent
		var r wire.ByteRange
		var size int64
		if _, err := fmt.Sscanf(contentRange, "bytes %d-%d/%d", &r.Start, &r.End, &size); err != nil {
			out.Body.Close() //nolint:errcheck
			return nil, wire.NewTransportError(fmt.Errorf("parse content range %q: %w", contentRange, err))
		}
		version.Range, version.Size = r, size
	}

	header := http.Header{}
	wire.SetDownloadHeaders(header, version)
	return &wire.DownloadResponse{URL: req.URL, StatusCode: status, Header: header, Body: out.Body}, nil
}

func hexToBase64(digest string) string {
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func base64ToHex(sum string) string {
	raw, err := base64.StdEncoding.DecodeString(sum)
	if err != nil || len(raw) != sha1.Size {
		return ""
	}
	return hex.EncodeToString(raw)
}

func customerKeyMD5(key string) string {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		raw = []byte(key)
	}
	sum := md5.Sum(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
