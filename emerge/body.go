package emerge

import (
	"context"
	"io"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/transfer"
)

type uploadPartBody struct {
	part *UploadPart
}

func (b uploadPartBody) Length() int64 { return b.part.Len }

func (b uploadPartBody) Open(context.Context) (io.ReadCloser, error) {
	return b.part.open()
}

func (b uploadPartBody) KnownSHA1() (string, bool) { return b.part.KnownSHA1() }

type compositeBody struct {
	part    *CompositeUploadPart
	fetcher RangeFetcher
}

func (b compositeBody) Length() int64 { return b.part.Length() }

func (b compositeBody) Open(ctx context.Context) (io.ReadCloser, error) {
	return b.part.open(ctx, b.fetcher)
}

func (b compositeBody) KnownSHA1() (string, bool) { return b.part.KnownSHA1() }

func (e *Executor) uploadBody(part Part) transfer.Body {
	switch p := part.(type) {
	case *UploadPart:
		return uploadPartBody{part: p}
	case *CompositeUploadPart:
		return compositeBody{part: p, fetcher: e.fetcher}
	}
	return nil
}

// releaseSources frees stream buffers backing the part.
func releaseSources(part Part) {
	release := func(source outbound.Source) {
		if r, ok := source.(outbound.Releaser); ok {
			r.Release()
		}
	}
	switch p := part.(type) {
	case *UploadPart:
		release(p.Source)
	case *CompositeUploadPart:
		for _, s := range p.Subparts {
			release(s.Source)
		}
	}
}
