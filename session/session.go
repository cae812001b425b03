// Package session wraps a wire.API with reauthorization and upload URL reuse.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bitrise-io/go-objtransfer/wire"
	"github.com/bitrise-io/go-utils/v2/log"
)

const listPageSize = 1000

// UnauthorizedError is a permission failure annotated with the restrictions of the key in use.
type UnauthorizedError struct {
	Op      string
	Allowed wire.Allowed
	Err     error
}

func (e *UnauthorizedError) Error() string {
	var restrictions []string
	if len(e.Allowed.Capabilities) > 0 {
		restrictions = append(restrictions, fmt.Sprintf("capabilities '%s'", strings.Join(e.Allowed.Capabilities, ",")))
	}
	if e.Allowed.BucketName != "" || e.Allowed.BucketID != "" {
		bucket := e.Allowed.BucketName
		if bucket == "" {
			bucket = e.Allowed.BucketID
		}
		restrictions = append(restrictions, fmt.Sprintf("restricted to bucket '%s'", bucket))
	}
	if e.Allowed.NamePrefix != "" {
		restrictions = append(restrictions, fmt.Sprintf("restricted to files that start with '%s'", e.Allowed.NamePrefix))
	}
	if len(restrictions) == 0 {
		return fmt.Sprintf("%s: unauthorized: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unauthorized for application key with %s: %s", e.Op, strings.Join(restrictions, ", "), e.Err)
}

func (e *UnauthorizedError) Unwrap() error {
	return e.Err
}

// Session is safe for concurrent use.
type Session struct {
	api     wire.API
	account *AccountInfo
	logger  log.Logger

	authMu sync.Mutex
}

// New ...
func New(api wire.API, account *AccountInfo, logger log.Logger) *Session {
	return &Session{
		api:     api,
		account: account,
		logger:  logger,
	}
}

// Account ...
func (s *Session) Account() *AccountInfo {
	return s.account
}

// Allowed returns the restrictions of the authorized key.
func (s *Session) Allowed() wire.Allowed {
	return s.account.Allowed()
}

// Authorize authorizes the account with its stored credentials.
func (s *Session) Authorize(ctx context.Context) error {
	credentials := s.account.Credentials()
	auth, err := s.api.AuthorizeAccount(ctx, credentials.RealmURL, credentials.KeyID, credentials.ApplicationKey)
	if err != nil {
		return fmt.Errorf("authorize account: %w", err)
	}
	s.account.SetAuth(auth)
	return nil
}

func (s *Session) reauthorize(ctx context.Context, expiredToken string) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if s.account.Auth().Token != expiredToken {
		return nil
	}
	s.logger.Debugf("Authorization token expired, reauthorizing")
	return s.Authorize(ctx)
}

// call runs fn with the current authorization. An expired token is renewed once and fn is repeated.
func (s *Session) call(ctx context.Context, op string, fn func(auth wire.Auth) error) error {
	auth := s.account.Auth()
	err := fn(auth)
	if wire.IsExpiredAuthToken(err) {
		if err := s.reauthorize(ctx, auth.Token); err != nil {
			return err
		}
		err = fn(s.account.Auth())
	}
	if wire.IsUnauthorized(err) {
		return &UnauthorizedError{Op: op, Allowed: s.account.Allowed(), Err: err}
	}
	return err
}

// GetUploadURL fetches a fresh small file upload URL.
func (s *Session) GetUploadURL(ctx context.Context, bucketID string) (wire.UploadURL, error) {
	var u wire.UploadURL
	err := s.call(ctx, "get upload url", func(auth wire.Auth) error {
		var err error
		u, err = s.api.GetUploadURL(ctx, auth, bucketID)
		return err
	})
	return u, err
}

// GetUploadPartURL fetches a fresh part upload URL.
func (s *Session) GetUploadPartURL(ctx context.Context, fileID string) (wire.UploadURL, error) {
	var u wire.UploadURL
	err := s.call(ctx, "get upload part url", func(auth wire.Auth) error {
		var err error
		u, err = s.api.GetUploadPartURL(ctx, auth, fileID)
		return err
	})
	return u, err
}

// UploadFile uploads with a pooled (or fresh) upload URL of the bucket. The URL goes back to the
// pool only if the upload succeeded.
func (s *Session) UploadFile(ctx context.Context, bucketID string, req wire.UploadFileRequest) (wire.FileVersion, error) {
	pool := s.account.BucketUploadURLs()
	u, ok := pool.Take(bucketID)
	if !ok {
		var err error
		if u, err = s.GetUploadURL(ctx, bucketID); err != nil {
			return wire.FileVersion{}, err
		}
	}

	file, err := s.api.UploadFile(ctx, u, req)
	if err != nil {
		return wire.FileVersion{}, err
	}
	pool.Put(bucketID, u)
	return file, nil
}

// UploadPart is UploadFile for parts of a large file; URLs are pooled per large file id.
func (s *Session) UploadPart(ctx context.Context, req wire.UploadPartRequest) (wire.Part, error) {
	pool := s.account.LargeFileUploadURLs()
	u, ok := pool.Take(req.FileID)
	if !ok {
		var err error
		if u, err = s.GetUploadPartURL(ctx, req.FileID); err != nil {
			return wire.Part{}, err
		}
	}

	part, err := s.api.UploadPart(ctx, u, req)
	if err != nil {
		return wire.Part{}, err
	}
	pool.Put(req.FileID, u)
	return part, nil
}

// ClearBucketUploadURLs ...
func (s *Session) ClearBucketUploadURLs(bucketID string) {
	s.account.BucketUploadURLs().ClearForKey(bucketID)
}

// ClearLargeFileUploadURLs ...
func (s *Session) ClearLargeFileUploadURLs(fileID string) {
	s.account.LargeFileUploadURLs().ClearForKey(fileID)
}

// StartLargeFile ...
func (s *Session) StartLargeFile(ctx context.Context, req wire.StartLargeFileRequest) (wire.UnfinishedFile, error) {
	var file wire.UnfinishedFile
	err := s.call(ctx, "start large file", func(auth wire.Auth) error {
		var err error
		file, err = s.api.StartLargeFile(ctx, auth, req)
		return err
	})
	return file, err
}

// FinishLargeFile ...
func (s *Session) FinishLargeFile(ctx context.Context, fileID string, partSHA1s []string) (wire.FileVersion, error) {
	var file wire.FileVersion
	err := s.call(ctx, "finish large file", func(auth wire.Auth) error {
		var err error
		file, err = s.api.FinishLargeFile(ctx, auth, fileID, partSHA1s)
		return err
	})
	if err == nil {
		s.ClearLargeFileUploadURLs(fileID)
	}
	return file, err
}

// CancelLargeFile ...
func (s *Session) CancelLargeFile(ctx context.Context, fileID string) error {
	err := s.call(ctx, "cancel large file", func(auth wire.Auth) error {
		return s.api.CancelLargeFile(ctx, auth, fileID)
	})
	if err == nil {
		s.ClearLargeFileUploadURLs(fileID)
	}
	return err
}

// ListParts returns every uploaded part of a large file, following pagination.
func (s *Session) ListParts(ctx context.Context, fileID string) ([]wire.Part, error) {
	var parts []wire.Part
	start := 1
	for {
		var page wire.PartsPage
		err := s.call(ctx, "list parts", func(auth wire.Auth) error {
			var err error
			page, err = s.api.ListParts(ctx, auth, fileID, start, listPageSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		parts = append(parts, page.Parts...)
		if page.NextPartNumber == 0 {
			return parts, nil
		}
		start = page.NextPartNumber
	}
}

// ListUnfinishedLargeFiles returns every unfinished large file whose name starts with namePrefix.
func (s *Session) ListUnfinishedLargeFiles(ctx context.Context, bucketID, namePrefix string) ([]wire.UnfinishedFile, error) {
	var files []wire.UnfinishedFile
	startFileID := ""
	for {
		var page wire.UnfinishedFilesPage
		err := s.call(ctx, "list unfinished large files", func(auth wire.Auth) error {
			var err error
			page, err = s.api.ListUnfinishedLargeFiles(ctx, auth, bucketID, namePrefix, startFileID, listPageSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		files = append(files, page.Files...)
		if page.NextFileID == "" {
			return files, nil
		}
		startFileID = page.NextFileID
	}
}

// CopyFile ...
func (s *Session) CopyFile(ctx context.Context, req wire.CopyFileRequest) (wire.FileVersion, error) {
	var file wire.FileVersion
	err := s.call(ctx, "copy file", func(auth wire.Auth) error {
		var err error
		file, err = s.api.CopyFile(ctx, auth, req)
		return err
	})
	return file, err
}

// CopyPart ...
func (s *Session) CopyPart(ctx context.Context, req wire.CopyPartRequest) (wire.Part, error) {
	var part wire.Part
	err := s.call(ctx, "copy part", func(auth wire.Auth) error {
		var err error
		part, err = s.api.CopyPart(ctx, auth, req)
		return err
	})
	return part, err
}

// DownloadFileFromURL opens a download. The caller closes the response body.
func (s *Session) DownloadFileFromURL(ctx context.Context, req wire.DownloadRequest) (*wire.DownloadResponse, error) {
	var resp *wire.DownloadResponse
	err := s.call(ctx, "download file", func(auth wire.Auth) error {
		var err error
		resp, err = s.api.DownloadFileFromURL(ctx, auth, req)
		return err
	})
	return resp, err
}

// DownloadURLByID ...
func (s *Session) DownloadURLByID(fileID string) string {
	return s.api.DownloadURLByID(s.account.Auth(), fileID)
}

// DownloadURLByName ...
func (s *Session) DownloadURLByName(bucketName, fileName string) string {
	return s.api.DownloadURLByName(s.account.Auth(), bucketName, fileName)
}
