// Package b2http implements wire.API over the native HTTP protocol of the service.
package b2http

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

const apiVersion = "b2api/v2"

// Realm URLs accepted by AuthorizeAccount.
const (
	ProductionRealmURL = "https://api.backblazeb2.com"
	StagingRealmURL    = "https://api.backblaze.net"
)

// RealmURL resolves a realm name to its URL. Other values are taken as URLs.
func RealmURL(realm string) string {
	switch realm {
	case "", "production":
		return ProductionRealmURL
	case "staging":
		return StagingRealmURL
	}
	return realm
}

// Header names of requests that are not part of download responses.
const (
	headerCustomUploadTimestamp = "X-Bz-Custom-Upload-Timestamp"
	headerSSE                   = "X-Bz-Server-Side-Encryption"
	headerSSECAlgorithm         = "X-Bz-Server-Side-Encryption-Customer-Algorithm"
	headerSSECKey               = "X-Bz-Server-Side-Encryption-Customer-Key"
	headerSSECKeyMD5            = "X-Bz-Server-Side-Encryption-Customer-Key-Md5"
	headerRetentionMode         = "X-Bz-File-Retention-Mode"
	headerRetainUntil           = "X-Bz-File-Retention-Retain-Until-Timestamp"
	headerLegalHold             = "X-Bz-File-Legal-Hold"
)

// DefaultRetryMax is the number of times a JSON API call is repeated by the HTTP layer, before
// the failure reaches the transfer managers.
const DefaultRetryMax = 2

// Client ...
type Client struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

var _ wire.API = (*Client)(nil)

// NewClient creates a client retrying JSON API calls at most retryMax times.
func NewClient(logger log.Logger, retryMax int) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = retryMax
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{httpClient: httpClient, logger: logger}
}

// NewClientWithHTTPClient uses httpClient as is. Its ErrorHandler should pass the last
// response through, or error responses lose their status.
func NewClientWithHTTPClient(httpClient *retryablehttp.Client, logger log.Logger) *Client {
	return &Client{httpClient: httpClient, logger: logger}
}

// createCustomRetryFunction follows the default policy, except for 401 responses: expired
// tokens are renewed by the session, which repeats the call itself.
func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		if requestErr == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// call posts body as JSON to a method of the account API and decodes the answer into out.
func (c *Client) call(ctx context.Context, apiURL, token, method string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s/%s", apiURL, apiVersion, method), payload)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wire.NewTransportError(err)
	}
	defer c.closeBody(resp.Body)

	return c.decode(resp, out)
}

func (c *Client) decode(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return wire.NewTransportError(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("close response body: %s", err)
	}
}

// unwrapError turns an error response into a *wire.Error.
func unwrapError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.NewTransportError(err)
	}
	e := &wire.Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Code != "" {
		e.Code = decoded.Code
		e.Message = decoded.Message
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		e.RetryAfter = time.Duration(seconds) * time.Second
	}
	return e
}

// AuthorizeAccount ...
func (c *Client) AuthorizeAccount(ctx context.Context, realmURL, keyID, applicationKey string) (wire.Auth, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/b2_authorize_account", realmURL, apiVersion), nil)
	if err != nil {
		return wire.Auth{}, err
	}
	req.SetBasicAuth(keyID, applicationKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wire.Auth{}, wire.NewTransportError(err)
	}
	defer c.closeBody(resp.Body)

	var r authorizeResponse
	if err := c.decode(resp, &r); err != nil {
		return wire.Auth{}, err
	}
	return wire.Auth{
		AccountID:               r.AccountID,
		Token:                   r.AuthorizationToken,
		APIURL:                  r.APIURL,
		DownloadURL:             r.DownloadURL,
		RecommendedPartSize:     r.RecommendedPartSize,
		AbsoluteMinimumPartSize: r.AbsoluteMinimumPartSize,
		Allowed: wire.Allowed{
			Capabilities: r.Allowed.Capabilities,
			BucketID:     r.Allowed.BucketID,
			BucketName:   r.Allowed.BucketName,
			NamePrefix:   r.Allowed.NamePrefix,
		},
	}, nil
}

// GetUploadURL ...
func (c *Client) GetUploadURL(ctx context.Context, auth wire.Auth, bucketID string) (wire.UploadURL, error) {
	var r uploadURLResponse
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_get_upload_url", map[string]string{"bucketId": bucketID}, &r); err != nil {
		return wire.UploadURL{}, err
	}
	return wire.UploadURL{URL: r.UploadURL, Token: r.AuthorizationToken}, nil
}

// GetUploadPartURL ...
func (c *Client) GetUploadPartURL(ctx context.Context, auth wire.Auth, fileID string) (wire.UploadURL, error) {
	var r uploadURLResponse
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_get_upload_part_url", fileIDRequest{FileID: fileID}, &r); err != nil {
		return wire.UploadURL{}, err
	}
	return wire.UploadURL{URL: r.UploadURL, Token: r.AuthorizationToken}, nil
}

// upload sends a body with a plain HTTP request. Bodies are streamed once; repeating the upload is
// left to the upload manager, which also needs a fresh upload URL for it.
func (c *Client) upload(ctx context.Context, upload wire.UploadURL, contentLength int64, body io.Reader, header http.Header, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upload.URL, body)
	if err != nil {
		return err
	}
	req.Header = header
	req.Header.Set("Authorization", upload.Token)
	req.ContentLength = contentLength

	resp, err := c.httpClient.HTTPClient.Do(req)
	if err != nil {
		return wire.NewTransportError(err)
	}
	defer c.closeBody(resp.Body)

	return c.decode(resp, out)
}

// UploadFile ...
func (c *Client) UploadFile(ctx context.Context, upload wire.UploadURL, req wire.UploadFileRequest) (wire.FileVersion, error) {
	header := http.Header{}
	header.Set(wire.HeaderFileName, url.PathEscape(req.FileName))
	contentType := req.Meta.ContentType
	if contentType == "" {
		contentType = wire.DefaultContentType
	}
	header.Set("Content-Type", contentType)
	header.Set(wire.HeaderContentSHA1, req.ContentSHA1)
	for k, v := range req.Meta.FileInfo {
		header.Set(wire.HeaderInfoPrefix+k, url.PathEscape(v))
	}
	if req.Meta.CustomUploadTimestamp != 0 {
		header.Set(headerCustomUploadTimestamp, strconv.FormatInt(req.Meta.CustomUploadTimestamp, 10))
	}
	setEncryptionHeaders(header, req.Meta.Encryption)
	if req.Meta.Retention.Mode != "" {
		header.Set(headerRetentionMode, req.Meta.Retention.Mode)
		header.Set(headerRetainUntil, strconv.FormatInt(req.Meta.Retention.RetainUntil, 10))
	}
	if req.Meta.LegalHold != wire.LegalHoldUnset {
		header.Set(headerLegalHold, string(req.Meta.LegalHold))
	}

	var f fileJSON
	if err := c.upload(ctx, upload, req.ContentLength, req.Body, header, &f); err != nil {
		return wire.FileVersion{}, err
	}
	return f.version(), nil
}

// UploadPart ...
func (c *Client) UploadPart(ctx context.Context, upload wire.UploadURL, req wire.UploadPartRequest) (wire.Part, error) {
	header := http.Header{}
	header.Set(wire.HeaderPartNumber, strconv.Itoa(req.PartNumber))
	header.Set(wire.HeaderContentSHA1, req.ContentSHA1)
	if req.Encryption.Mode == wire.EncryptionModeSSEC {
		setEncryptionHeaders(header, req.Encryption)
	}

	var p partJSON
	if err := c.upload(ctx, upload, req.ContentLength, req.Body, header, &p); err != nil {
		return wire.Part{}, err
	}
	return p.part(), nil
}

func setEncryptionHeaders(header http.Header, e wire.EncryptionSetting) {
	switch e.Mode {
	case wire.EncryptionModeSSEB2:
		header.Set(headerSSE, e.Algorithm)
	case wire.EncryptionModeSSEC:
		header.Set(headerSSECAlgorithm, e.Algorithm)
		header.Set(headerSSECKey, e.Key)
		header.Set(headerSSECKeyMD5, customerKeyMD5(e.Key))
	}
}

// customerKeyMD5 digests the raw bytes of a base64 encoded customer key.
func customerKeyMD5(key string) string {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		raw = []byte(key)
	}
	sum := md5.Sum(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// StartLargeFile ...
func (c *Client) StartLargeFile(ctx context.Context, auth wire.Auth, req wire.StartLargeFileRequest) (wire.UnfinishedFile, error) {
	contentType := req.Meta.ContentType
	if contentType == "" {
		contentType = wire.DefaultContentType
	}
	body := startLargeFileRequest{
		BucketID:             req.BucketID,
		FileName:             req.FileName,
		ContentType:          contentType,
		FileInfo:             req.Meta.FileInfo,
		ServerSideEncryption: encryptionToJSON(req.Meta.Encryption),
		FileRetention:        retentionToJSON(req.Meta.Retention),
		LegalHold:            string(req.Meta.LegalHold),
	}
	var f fileJSON
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_start_large_file", body, &f); err != nil {
		return wire.UnfinishedFile{}, err
	}
	return f.unfinished(), nil
}

// FinishLargeFile ...
func (c *Client) FinishLargeFile(ctx context.Context, auth wire.Auth, fileID string, partSHA1s []string) (wire.FileVersion, error) {
	var f fileJSON
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_finish_large_file", finishLargeFileRequest{FileID: fileID, PartSHA1Array: partSHA1s}, &f); err != nil {
		return wire.FileVersion{}, err
	}
	return f.version(), nil
}

// CancelLargeFile ...
func (c *Client) CancelLargeFile(ctx context.Context, auth wire.Auth, fileID string) error {
	return c.call(ctx, auth.APIURL, auth.Token, "b2_cancel_large_file", fileIDRequest{FileID: fileID}, nil)
}

// ListParts ...
func (c *Client) ListParts(ctx context.Context, auth wire.Auth, fileID string, startPartNumber, maxCount int) (wire.PartsPage, error) {
	var r listPartsResponse
	body := listPartsRequest{FileID: fileID, StartPartNumber: startPartNumber, MaxPartCount: maxCount}
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_list_parts", body, &r); err != nil {
		return wire.PartsPage{}, err
	}
	page := wire.PartsPage{Parts: make([]wire.Part, 0, len(r.Parts))}
	for _, p := range r.Parts {
		page.Parts = append(page.Parts, p.part())
	}
	if r.NextPartNumber != nil {
		page.NextPartNumber = *r.NextPartNumber
	}
	return page, nil
}

// ListUnfinishedLargeFiles ...
func (c *Client) ListUnfinishedLargeFiles(ctx context.Context, auth wire.Auth, bucketID, namePrefix, startFileID string, maxCount int) (wire.UnfinishedFilesPage, error) {
	var r listUnfinishedResponse
	body := listUnfinishedRequest{BucketID: bucketID, NamePrefix: namePrefix, StartFileID: startFileID, MaxFileCount: maxCount}
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_list_unfinished_large_files", body, &r); err != nil {
		return wire.UnfinishedFilesPage{}, err
	}
	page := wire.UnfinishedFilesPage{Files: make([]wire.UnfinishedFile, 0, len(r.Files))}
	for _, f := range r.Files {
		page.Files = append(page.Files, f.unfinished())
	}
	if r.NextFileID != nil {
		page.NextFileID = *r.NextFileID
	}
	return page, nil
}

// CopyFile ...
func (c *Client) CopyFile(ctx context.Context, auth wire.Auth, req wire.CopyFileRequest) (wire.FileVersion, error) {
	body := copyFileRequest{
		SourceFileID:                    req.SourceFileID,
		DestinationBucketID:             req.DestBucketID,
		FileName:                        req.FileName,
		Range:                           rangeValue(req.Range),
		MetadataDirective:               req.MetadataDirective,
		SourceServerSideEncryption:      encryptionToJSON(req.SourceEncryption),
		DestinationServerSideEncryption: encryptionToJSON(req.Meta.Encryption),
		FileRetention:                   retentionToJSON(req.Meta.Retention),
		LegalHold:                       string(req.Meta.LegalHold),
	}
	if req.MetadataDirective == wire.MetadataDirectiveReplace {
		body.ContentType = req.Meta.ContentType
		body.FileInfo = req.Meta.FileInfo
		if body.FileInfo == nil {
			body.FileInfo = map[string]string{}
		}
	}
	var f fileJSON
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_copy_file", body, &f); err != nil {
		return wire.FileVersion{}, err
	}
	return f.version(), nil
}

// CopyPart ...
func (c *Client) CopyPart(ctx context.Context, auth wire.Auth, req wire.CopyPartRequest) (wire.Part, error) {
	body := copyPartRequest{
		SourceFileID:                    req.SourceFileID,
		LargeFileID:                     req.LargeFileID,
		PartNumber:                      req.PartNumber,
		Range:                           rangeValue(req.Range),
		SourceServerSideEncryption:      encryptionToJSON(req.SourceEncryption),
		DestinationServerSideEncryption: encryptionToJSON(req.DestEncryption),
	}
	var p partJSON
	if err := c.call(ctx, auth.APIURL, auth.Token, "b2_copy_part", body, &p); err != nil {
		return wire.Part{}, err
	}
	return p.part(), nil
}

// DownloadURLByID ...
func (c *Client) DownloadURLByID(auth wire.Auth, fileID string) string {
	return fmt.Sprintf("%s/%s/b2_download_file_by_id?fileId=%s", auth.DownloadURL, apiVersion, url.QueryEscape(fileID))
}

// DownloadURLByName ...
func (c *Client) DownloadURLByName(auth wire.Auth, bucketName, fileName string) string {
	segments := strings.Split(fileName, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/file/%s/%s", auth.DownloadURL, url.PathEscape(bucketName), strings.Join(segments, "/"))
}

// DownloadFileFromURL opens the download. Download bodies are not retried by the HTTP layer;
// truncated streams are continued by the download manager with range requests.
func (c *Client) DownloadFileFromURL(ctx context.Context, auth wire.Auth, req wire.DownloadRequest) (*wire.DownloadResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", auth.Token)
	// Stored content encodings reach the caller undecoded.
	httpReq.Header.Set("Accept-Encoding", "identity")
	if req.Range != nil {
		httpReq.Header.Set("Range", req.Range.HeaderValue())
	}
	if req.Encryption.Mode == wire.EncryptionModeSSEC {
		setEncryptionHeaders(httpReq.Header, req.Encryption)
	}

	resp, err := c.httpClient.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, wire.NewTransportError(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		defer c.closeBody(resp.Body)
		return nil, unwrapError(resp)
	}
	if resp.Header.Get("Content-Length") == "" && resp.ContentLength >= 0 {
		resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	return &wire.DownloadResponse{URL: req.URL, StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}
