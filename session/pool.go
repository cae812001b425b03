package session

import (
	"sync"

	"github.com/bitrise-io/go-objtransfer/wire"
)

// UploadURLPool caches upload URLs per bucket id or large file id.
//
// A URL in the pool is unused. Take hands it out exclusively; only a successful request may Put
// it back.
type UploadURLPool struct {
	mu   sync.Mutex
	urls map[string][]wire.UploadURL
}

// NewUploadURLPool ...
func NewUploadURLPool() *UploadURLPool {
	return &UploadURLPool{urls: map[string][]wire.UploadURL{}}
}

// Take removes an upload URL from the pool. It never blocks; ok is false if the pool has none for key.
func (p *UploadURLPool) Take(key string) (wire.UploadURL, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	urls := p.urls[key]
	if len(urls) == 0 {
		return wire.UploadURL{}, false
	}
	u := urls[len(urls)-1]
	p.urls[key] = urls[:len(urls)-1]
	return u, true
}

// Put returns an upload URL after a successful request.
func (p *UploadURLPool) Put(key string, u wire.UploadURL) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.urls[key] = append(p.urls[key], u)
}

// ClearForKey drops every cached URL of key.
func (p *UploadURLPool) ClearForKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.urls, key)
}

// Len ...
func (p *UploadURLPool) Len(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.urls[key])
}
