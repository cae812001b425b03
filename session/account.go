package session

import (
	"sync"

	"github.com/bitrise-io/go-objtransfer/wire"
)

// Credentials are used to (re)authorize the account.
type Credentials struct {
	RealmURL       string
	KeyID          string
	ApplicationKey string
}

// AccountInfo is the in-memory state of an authorized account.
type AccountInfo struct {
	mu          sync.RWMutex
	credentials Credentials
	auth        wire.Auth

	bucketUploads    *UploadURLPool
	largeFileUploads *UploadURLPool
}

// NewAccountInfo ...
func NewAccountInfo(credentials Credentials) *AccountInfo {
	return &AccountInfo{
		credentials:      credentials,
		bucketUploads:    NewUploadURLPool(),
		largeFileUploads: NewUploadURLPool(),
	}
}

// Credentials ...
func (a *AccountInfo) Credentials() Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.credentials
}

// Auth returns the current authorization.
func (a *AccountInfo) Auth() wire.Auth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.auth
}

// SetAuth replaces the current authorization.
func (a *AccountInfo) SetAuth(auth wire.Auth) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.auth = auth
}

// Allowed ...
func (a *AccountInfo) Allowed() wire.Allowed {
	return a.Auth().Allowed
}

// RecommendedPartSize falls back to the service default before authorization.
func (a *AccountInfo) RecommendedPartSize() int64 {
	if size := a.Auth().RecommendedPartSize; size > 0 {
		return size
	}
	return wire.DefaultRecommendedPartSize
}

// MinimumPartSize falls back to the service default before authorization.
func (a *AccountInfo) MinimumPartSize() int64 {
	if size := a.Auth().AbsoluteMinimumPartSize; size > 0 {
		return size
	}
	return wire.DefaultMinPartSize
}

// BucketUploadURLs is the pool of small file upload URLs, keyed by bucket id.
func (a *AccountInfo) BucketUploadURLs() *UploadURLPool {
	return a.bucketUploads
}

// LargeFileUploadURLs is the pool of part upload URLs, keyed by large file id.
func (a *AccountInfo) LargeFileUploadURLs() *UploadURLPool {
	return a.largeFileUploads
}
