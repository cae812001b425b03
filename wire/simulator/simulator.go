// Package simulator is an in-memory implementation of wire.API with fault injection.
package simulator

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/google/uuid"
)

const (
	// RealmURL is accepted by AuthorizeAccount.
	RealmURL    = "sim://realm"
	downloadURL = "sim://download"
	apiURL      = "sim://api"
)

type storedFile struct {
	version wire.FileVersion
	data    []byte
}

type storedPart struct {
	part wire.Part
	data []byte
}

type largeFile struct {
	file  wire.UnfinishedFile
	parts map[int]storedPart
}

type uploadToken struct {
	key    string
	inUse  bool
	failed bool
}

type truncation struct {
	remaining int
	after     int64
}

// Simulator is safe for concurrent use.
type Simulator struct {
	mu sync.Mutex

	keyID          string
	applicationKey string
	capabilities   []string
	minPartSize    int64
	recommended    int64

	validToken string
	clock      int64

	buckets    map[string]string
	files      map[string]*storedFile
	largeFiles map[string]*largeFile
	tokens     map[string]*uploadToken

	uploadFaults   []error
	copyFaults     []error
	downloadFaults []error
	truncate       truncation
	denied         map[string]bool

	calls           map[string]int
	downloadRanges  []*wire.ByteRange
	tokenViolations []string

	// UploadDelay is slept inside every upload and copy call, holding no lock.
	UploadDelay time.Duration
}

// Option ...
type Option func(*Simulator)

// WithPartSizes sets the absolute minimum and the recommended part size reported on authorization.
func WithPartSizes(minimum, recommended int64) Option {
	return func(s *Simulator) {
		s.minPartSize = minimum
		s.recommended = recommended
	}
}

// WithCapabilities replaces the capabilities of the key.
func WithCapabilities(capabilities ...string) Option {
	return func(s *Simulator) {
		s.capabilities = capabilities
	}
}

// WithKey sets the accepted key id and application key.
func WithKey(keyID, applicationKey string) Option {
	return func(s *Simulator) {
		s.keyID = keyID
		s.applicationKey = applicationKey
	}
}

// New ...
func New(opts ...Option) *Simulator {
	s := &Simulator{
		keyID:          "key-id",
		applicationKey: "application-key",
		capabilities:   []string{wire.CapabilityListFiles, "readFiles", "writeFiles"},
		minPartSize:    wire.DefaultMinPartSize,
		recommended:    wire.DefaultRecommendedPartSize,
		clock:          1700000000000,
		buckets:        map[string]string{},
		files:          map[string]*storedFile{},
		largeFiles:     map[string]*largeFile{},
		tokens:         map[string]*uploadToken{},
		denied:         map[string]bool{},
		calls:          map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) tick() int64 {
	s.clock++
	return s.clock
}

func (s *Simulator) record(op string) {
	s.calls[op]++
}

// Calls returns how many times op was called.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// CreateBucket ...
func (s *Simulator) CreateBucket(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "bucket_" + uuid.NewString()
	s.buckets[id] = name
	return id
}

// PutFile stores a finished file directly.
func (s *Simulator) PutFile(bucketID, name, contentType string, data []byte, info map[string]string) wire.FileVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFile(bucketID, name, wire.FileMeta{ContentType: contentType, FileInfo: info}, data, sha1Hex(data))
}

func (s *Simulator) storeFile(bucketID, name string, meta wire.FileMeta, data []byte, contentSHA1 string) wire.FileVersion {
	contentType := meta.ContentType
	if contentType == "" || contentType == wire.AutoContentType {
		contentType = http.DetectContentType(data)
	}
	info := map[string]string{}
	for k, v := range meta.FileInfo {
		info[k] = v
	}
	timestamp := s.tick()
	if meta.CustomUploadTimestamp != 0 {
		timestamp = meta.CustomUploadTimestamp
	}
	v := wire.FileVersion{
		ID:              "4_z" + uuid.NewString(),
		Name:            name,
		BucketID:        bucketID,
		Size:            int64(len(data)),
		ContentType:     contentType,
		ContentSHA1:     contentSHA1,
		FileInfo:        info,
		UploadTimestamp: timestamp,
		Encryption:      meta.Encryption,
		Retention:       meta.Retention,
		LegalHold:       meta.LegalHold,
	}
	s.files[v.ID] = &storedFile{version: v, data: append([]byte(nil), data...)}
	return v
}

// FileData returns the content of a finished file.
func (s *Simulator) FileData(fileID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// FileVersion ...
func (s *Simulator) FileVersion(fileID string) (wire.FileVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return wire.FileVersion{}, false
	}
	return f.version, true
}

// UnfinishedFileCount ...
func (s *Simulator) UnfinishedFileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.largeFiles)
}

// ExpireAuthToken invalidates the account token handed out so far.
func (s *Simulator) ExpireAuthToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validToken = "expired-" + uuid.NewString()
}

// FailNextUploads makes the next upload attempts (files and parts) fail with errs, in order.
func (s *Simulator) FailNextUploads(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFaults = append(s.uploadFaults, errs...)
}

// FailNextCopies makes the next copy attempts (files and parts) fail with errs, in order.
func (s *Simulator) FailNextCopies(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.copyFaults = append(s.copyFaults, errs...)
}

// FailNextDownloads makes the next download requests fail with errs, in order.
func (s *Simulator) FailNextDownloads(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadFaults = append(s.downloadFaults, errs...)
}

// TruncateNextDownloads cuts the body of the next count download responses after the given
// number of bytes, ending it with io.ErrUnexpectedEOF.
func (s *Simulator) TruncateNextDownloads(count int, after int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncate = truncation{remaining: count, after: after}
}

// Deny makes op fail with a permission error.
func (s *Simulator) Deny(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[op] = true
}

// DownloadRanges returns the ranges of every download request so far. Whole file requests are nil.
func (s *Simulator) DownloadRanges() []*wire.ByteRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.ByteRange(nil), s.downloadRanges...)
}

// TokenViolations lists upload tokens that were used concurrently or reused after a failure.
func (s *Simulator) TokenViolations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokenViolations...)
}

func (s *Simulator) checkAuth(op string, auth wire.Auth) error {
	s.record(op)
	if auth.Token != s.validToken {
		return &wire.Error{Status: 401, Code: wire.CodeExpiredAuthToken, Message: "authorization token has expired"}
	}
	if s.denied[op] {
		return &wire.Error{Status: 401, Code: wire.CodeUnauthorized, Message: op + " not allowed"}
	}
	return nil
}

func popFault(faults *[]error) error {
	if len(*faults) == 0 {
		return nil
	}
	err := (*faults)[0]
	*faults = (*faults)[1:]
	return err
}

// AuthorizeAccount ...
func (s *Simulator) AuthorizeAccount(_ context.Context, realmURL, keyID, applicationKey string) (wire.Auth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("authorize_account")

	if realmURL != RealmURL || keyID != s.keyID || applicationKey != s.applicationKey {
		return wire.Auth{}, &wire.Error{Status: 401, Code: wire.CodeUnauthorized, Message: "invalid key"}
	}
	s.validToken = "token-" + uuid.NewString()
	return wire.Auth{
		AccountID:               "account",
		Token:                   s.validToken,
		APIURL:                  apiURL,
		DownloadURL:             downloadURL,
		RecommendedPartSize:     s.recommended,
		AbsoluteMinimumPartSize: s.minPartSize,
		Allowed:                 wire.Allowed{Capabilities: append([]string(nil), s.capabilities...)},
	}, nil
}

func (s *Simulator) newUploadToken(key string) wire.UploadURL {
	token := "upload-" + uuid.NewString()
	s.tokens[token] = &uploadToken{key: key}
	return wire.UploadURL{URL: "sim://upload/" + key, Token: token}
}

// GetUploadURL ...
func (s *Simulator) GetUploadURL(_ context.Context, auth wire.Auth, bucketID string) (wire.UploadURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("get_upload_url", auth); err != nil {
		return wire.UploadURL{}, err
	}
	if _, ok := s.buckets[bucketID]; !ok {
		return wire.UploadURL{}, &wire.Error{Status: 400, Code: "bad_bucket_id", Message: bucketID}
	}
	return s.newUploadToken(bucketID), nil
}

// GetUploadPartURL ...
func (s *Simulator) GetUploadPartURL(_ context.Context, auth wire.Auth, fileID string) (wire.UploadURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("get_upload_part_url", auth); err != nil {
		return wire.UploadURL{}, err
	}
	if _, ok := s.largeFiles[fileID]; !ok {
		return wire.UploadURL{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "no such large file " + fileID}
	}
	return s.newUploadToken(fileID), nil
}

// acquireToken marks an upload token busy. Callers hold s.mu.
func (s *Simulator) acquireToken(u wire.UploadURL, key string) (*uploadToken, error) {
	t, ok := s.tokens[u.Token]
	if !ok || t.key != key {
		return nil, &wire.Error{Status: 401, Code: wire.CodeBadAuthToken, Message: "invalid upload token"}
	}
	if t.inUse {
		s.tokenViolations = append(s.tokenViolations, "concurrent use of "+u.Token)
	}
	if t.failed {
		s.tokenViolations = append(s.tokenViolations, "reuse after failure of "+u.Token)
	}
	t.inUse = true
	return t, nil
}

// releaseToken remembers failed tokens. Callers hold s.mu.
func releaseToken(t *uploadToken, failed bool) {
	t.inUse = false
	if failed {
		t.failed = true
	}
}

// beginUpload validates the token and consumes an injected fault.
func (s *Simulator) beginUpload(op string, u wire.UploadURL, key string) (*uploadToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(op)
	t, err := s.acquireToken(u, key)
	if err != nil {
		return nil, err
	}
	if err := popFault(&s.uploadFaults); err != nil {
		releaseToken(t, true)
		return nil, err
	}
	return t, nil
}

func (s *Simulator) endUpload(t *uploadToken, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	releaseToken(t, failed)
}

func readBody(body io.Reader, contentLength int64, declaredSHA1 string) ([]byte, string, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, "", wire.NewTransportError(err)
	}
	if int64(len(raw)) != contentLength {
		return nil, "", &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: fmt.Sprintf("content length %d does not match %d bytes received", contentLength, len(raw))}
	}
	data := raw
	expected := declaredSHA1
	if declaredSHA1 == wire.HexDigitsAtEnd {
		if len(raw) < 40 {
			return nil, "", &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "missing trailing checksum"}
		}
		data = raw[:len(raw)-40]
		expected = string(raw[len(raw)-40:])
	}
	actual := sha1Hex(data)
	if expected != actual {
		return nil, "", &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "sha1 did not match data received"}
	}
	return data, actual, nil
}

// UploadFile ...
func (s *Simulator) UploadFile(ctx context.Context, upload wire.UploadURL, req wire.UploadFileRequest) (wire.FileVersion, error) {
	key := strings.TrimPrefix(upload.URL, "sim://upload/")
	t, err := s.beginUpload("upload_file", upload, key)
	if err != nil {
		return wire.FileVersion{}, err
	}

	s.sleep(ctx)
	data, digest, err := readBody(req.Body, req.ContentLength, req.ContentSHA1)
	s.endUpload(t, err != nil)
	if err != nil {
		return wire.FileVersion{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeFile(key, req.FileName, req.Meta, data, digest), nil
}

// UploadPart ...
func (s *Simulator) UploadPart(ctx context.Context, upload wire.UploadURL, req wire.UploadPartRequest) (wire.Part, error) {
	t, err := s.beginUpload("upload_part", upload, req.FileID)
	if err != nil {
		return wire.Part{}, err
	}

	s.sleep(ctx)
	data, digest, err := readBody(req.Body, req.ContentLength, req.ContentSHA1)
	s.endUpload(t, err != nil)
	if err != nil {
		return wire.Part{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storePart(req.FileID, req.PartNumber, data, digest)
}

func (s *Simulator) storePart(fileID string, number int, data []byte, digest string) (wire.Part, error) {
	lf, ok := s.largeFiles[fileID]
	if !ok {
		return wire.Part{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "no such large file " + fileID}
	}
	if number < 1 || number > wire.MaxPartCount {
		return wire.Part{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: fmt.Sprintf("invalid part number %d", number)}
	}
	part := wire.Part{FileID: fileID, Number: number, Size: int64(len(data)), ContentSHA1: digest}
	lf.parts[number] = storedPart{part: part, data: data}
	return part, nil
}

func (s *Simulator) sleep(ctx context.Context) {
	if s.UploadDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.UploadDelay):
	}
}

// SeedUnfinishedFile starts a large file and uploads the given parts (numbered from 1) without
// going through upload URLs.
func (s *Simulator) SeedUnfinishedFile(req wire.StartLargeFileRequest, parts ...[]byte) wire.UnfinishedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	file := s.startLargeFile(req)
	for i, data := range parts {
		if _, err := s.storePart(file.ID, i+1, data, sha1Hex(data)); err != nil {
			panic(err)
		}
	}
	return file
}

func (s *Simulator) startLargeFile(req wire.StartLargeFileRequest) wire.UnfinishedFile {
	info := map[string]string{}
	for k, v := range req.Meta.FileInfo {
		info[k] = v
	}
	timestamp := s.tick()
	if req.Meta.CustomUploadTimestamp != 0 {
		timestamp = req.Meta.CustomUploadTimestamp
	}
	file := wire.UnfinishedFile{
		ID:              "4_z" + uuid.NewString(),
		Name:            req.FileName,
		BucketID:        req.BucketID,
		ContentType:     req.Meta.ContentType,
		FileInfo:        info,
		UploadTimestamp: timestamp,
		Encryption:      req.Meta.Encryption,
		Retention:       req.Meta.Retention,
		LegalHold:       req.Meta.LegalHold,
	}
	s.largeFiles[file.ID] = &largeFile{file: file, parts: map[int]storedPart{}}
	return file
}

// StartLargeFile ...
func (s *Simulator) StartLargeFile(_ context.Context, auth wire.Auth, req wire.StartLargeFileRequest) (wire.UnfinishedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("start_large_file", auth); err != nil {
		return wire.UnfinishedFile{}, err
	}
	if _, ok := s.buckets[req.BucketID]; !ok {
		return wire.UnfinishedFile{}, &wire.Error{Status: 400, Code: "bad_bucket_id", Message: req.BucketID}
	}
	return s.startLargeFile(req), nil
}

// FinishLargeFile ...
func (s *Simulator) FinishLargeFile(_ context.Context, auth wire.Auth, fileID string, partSHA1s []string) (wire.FileVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("finish_large_file", auth); err != nil {
		return wire.FileVersion{}, err
	}
	lf, ok := s.largeFiles[fileID]
	if !ok {
		return wire.FileVersion{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "no such large file " + fileID}
	}
	if len(partSHA1s) != len(lf.parts) {
		return wire.FileVersion{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: fmt.Sprintf("%d part checksums for %d parts", len(partSHA1s), len(lf.parts))}
	}

	var content bytes.Buffer
	for i, digest := range partSHA1s {
		p, ok := lf.parts[i+1]
		if !ok {
			return wire.FileVersion{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: fmt.Sprintf("part %d is missing", i+1)}
		}
		if p.part.ContentSHA1 != digest {
			return wire.FileVersion{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: fmt.Sprintf("checksum of part %d does not match", i+1)}
		}
		if i < len(partSHA1s)-1 && p.part.Size < s.minPartSize {
			return wire.FileVersion{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: fmt.Sprintf("part %d is smaller than %d bytes", i+1, s.minPartSize)}
		}
		content.Write(p.data)
	}
	if len(partSHA1s) < 2 {
		return wire.FileVersion{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "large files need at least 2 parts"}
	}

	delete(s.largeFiles, fileID)
	f := lf.file
	v := s.storeFile(f.BucketID, f.Name, wire.FileMeta{
		ContentType: f.ContentType,
		FileInfo:    f.FileInfo,
		Encryption:  f.Encryption,
		Retention:   f.Retention,
		LegalHold:   f.LegalHold,
	}, content.Bytes(), "none")
	// The finished file keeps the id of the large file.
	delete(s.files, v.ID)
	v.ID = fileID
	s.files[fileID] = &storedFile{version: v, data: content.Bytes()}
	return v, nil
}

// CancelLargeFile ...
func (s *Simulator) CancelLargeFile(_ context.Context, auth wire.Auth, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("cancel_large_file", auth); err != nil {
		return err
	}
	if _, ok := s.largeFiles[fileID]; !ok {
		return &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "no such large file " + fileID}
	}
	delete(s.largeFiles, fileID)
	return nil
}

// ListParts ...
func (s *Simulator) ListParts(_ context.Context, auth wire.Auth, fileID string, startPartNumber, maxCount int) (wire.PartsPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("list_parts", auth); err != nil {
		return wire.PartsPage{}, err
	}
	lf, ok := s.largeFiles[fileID]
	if !ok {
		return wire.PartsPage{}, &wire.Error{Status: 400, Code: wire.CodeBadRequest, Message: "no such large file " + fileID}
	}

	var numbers []int
	for n := range lf.parts {
		if n >= startPartNumber {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	var page wire.PartsPage
	for i, n := range numbers {
		if i == maxCount {
			page.NextPartNumber = n
			break
		}
		page.Parts = append(page.Parts, lf.parts[n].part)
	}
	return page, nil
}

// ListUnfinishedLargeFiles ...
func (s *Simulator) ListUnfinishedLargeFiles(_ context.Context, auth wire.Auth, bucketID, namePrefix, startFileID string, maxCount int) (wire.UnfinishedFilesPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("list_unfinished_large_files", auth); err != nil {
		return wire.UnfinishedFilesPage{}, err
	}

	var files []wire.UnfinishedFile
	for _, lf := range s.largeFiles {
		if lf.file.BucketID == bucketID && strings.HasPrefix(lf.file.Name, namePrefix) {
			files = append(files, lf.file)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Name != files[j].Name {
			return files[i].Name < files[j].Name
		}
		return files[i].ID < files[j].ID
	})

	var page wire.UnfinishedFilesPage
	started := startFileID == ""
	for _, f := range files {
		if !started {
			started = f.ID == startFileID
			if !started {
				continue
			}
		}
		if len(page.Files) == maxCount {
			page.NextFileID = f.ID
			break
		}
		page.Files = append(page.Files, f)
	}
	return page, nil
}

func (s *Simulator) sourceRange(fileID string, r *wire.ByteRange) ([]byte, *storedFile, error) {
	src, ok := s.files[fileID]
	if !ok {
		return nil, nil, &wire.Error{Status: 404, Code: wire.CodeNotFound, Message: "file not present: " + fileID}
	}
	if r == nil {
		return src.data, src, nil
	}
	if r.Start < 0 || r.End >= int64(len(src.data)) || r.Start > r.End {
		return nil, nil, &wire.Error{Status: 416, Code: "range_not_satisfiable", Message: r.String()}
	}
	return src.data[r.Start : r.End+1], src, nil
}

// CopyFile ...
func (s *Simulator) CopyFile(ctx context.Context, auth wire.Auth, req wire.CopyFileRequest) (wire.FileVersion, error) {
	s.mu.Lock()
	err := s.checkAuth("copy_file", auth)
	if err == nil {
		err = popFault(&s.copyFaults)
	}
	s.mu.Unlock()
	if err != nil {
		return wire.FileVersion{}, err
	}
	s.sleep(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	data, src, err := s.sourceRange(req.SourceFileID, req.Range)
	if err != nil {
		return wire.FileVersion{}, err
	}
	meta := req.Meta
	if req.MetadataDirective != wire.MetadataDirectiveReplace {
		meta.ContentType = src.version.ContentType
		meta.FileInfo = src.version.FileInfo
	}
	return s.storeFile(req.DestBucketID, req.FileName, meta, data, sha1Hex(data)), nil
}

// CopyPart ...
func (s *Simulator) CopyPart(ctx context.Context, auth wire.Auth, req wire.CopyPartRequest) (wire.Part, error) {
	s.mu.Lock()
	err := s.checkAuth("copy_part", auth)
	if err == nil {
		err = popFault(&s.copyFaults)
	}
	s.mu.Unlock()
	if err != nil {
		return wire.Part{}, err
	}
	s.sleep(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	data, _, err := s.sourceRange(req.SourceFileID, req.Range)
	if err != nil {
		return wire.Part{}, err
	}
	return s.storePart(req.LargeFileID, req.PartNumber, append([]byte(nil), data...), sha1Hex(data))
}

// DownloadURLByID ...
func (s *Simulator) DownloadURLByID(auth wire.Auth, fileID string) string {
	return auth.DownloadURL + "/id/" + fileID
}

// DownloadURLByName ...
func (s *Simulator) DownloadURLByName(auth wire.Auth, bucketName, fileName string) string {
	return auth.DownloadURL + "/name/" + bucketName + "/" + fileName
}

func (s *Simulator) resolveDownloadURL(u string) (*storedFile, bool) {
	rest := strings.TrimPrefix(u, downloadURL)
	switch {
	case strings.HasPrefix(rest, "/id/"):
		f, ok := s.files[strings.TrimPrefix(rest, "/id/")]
		return f, ok
	case strings.HasPrefix(rest, "/name/"):
		bucketAndName := strings.SplitN(strings.TrimPrefix(rest, "/name/"), "/", 2)
		if len(bucketAndName) != 2 {
			return nil, false
		}
		var latest *storedFile
		for _, f := range s.files {
			if s.buckets[f.version.BucketID] != bucketAndName[0] || f.version.Name != bucketAndName[1] {
				continue
			}
			if latest == nil || f.version.UploadTimestamp > latest.version.UploadTimestamp {
				latest = f
			}
		}
		return latest, latest != nil
	}
	return nil, false
}

// DownloadFileFromURL ...
func (s *Simulator) DownloadFileFromURL(_ context.Context, auth wire.Auth, req wire.DownloadRequest) (*wire.DownloadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth("download_file", auth); err != nil {
		return nil, err
	}
	s.downloadRanges = append(s.downloadRanges, req.Range)
	if err := popFault(&s.downloadFaults); err != nil {
		return nil, err
	}

	f, ok := s.resolveDownloadURL(req.URL)
	if !ok {
		return nil, &wire.Error{Status: 404, Code: wire.CodeNotFound, Message: "file not present: " + req.URL}
	}

	data, _, err := s.sourceRange(f.version.ID, req.Range)
	if err != nil {
		return nil, err
	}
	r := wire.NewByteRange(0, int64(len(f.data)))
	if req.Range != nil {
		r = *req.Range
	}

	header := http.Header{}
	wire.SetDownloadHeaders(header, wire.DownloadVersion{
		FileID:          f.version.ID,
		FileName:        f.version.Name,
		ContentType:     f.version.ContentType,
		ContentSHA1:     f.version.ContentSHA1,
		ContentLength:   int64(len(data)),
		Size:            int64(len(f.data)),
		Range:           r,
		FileInfo:        f.version.FileInfo,
		UploadTimestamp: f.version.UploadTimestamp,
	})

	var body io.Reader = bytes.NewReader(data)
	if s.truncate.remaining > 0 {
		s.truncate.remaining--
		body = &truncatedReader{r: io.LimitReader(body, s.truncate.after)}
	}
	status := http.StatusOK
	if req.Range != nil {
		status = http.StatusPartialContent
	}
	return &wire.DownloadResponse{URL: req.URL, StatusCode: status, Header: header, Body: io.NopCloser(body)}, nil
}

type truncatedReader struct {
	r io.Reader
}

func (t *truncatedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func sha1Hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
