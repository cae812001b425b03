package emerge

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
)

// PartIterator yields plan parts in destination order and io.EOF at the end. It is not restartable.
type PartIterator interface {
	Next() (Part, error)
}

// Plan is the ordered sequence of parts materializing a destination file.
type Plan interface {
	// IsLargeFile reports whether the plan needs the multipart API.
	IsLargeFile() bool
	// Parts returns the part iterator. Streaming plans can be iterated only once.
	Parts() PartIterator
}

func collectParts(it PartIterator) ([]Part, error) {
	var parts []Part
	for {
		part, err := it.Next()
		if errors.Is(err, io.EOF) {
			return parts, nil
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
}

// BoundedPlan is a plan with all of its parts known up front.
type BoundedPlan struct {
	parts []Part
}

// NewBoundedPlan ...
func NewBoundedPlan(parts ...Part) *BoundedPlan {
	return &BoundedPlan{parts: parts}
}

func (p *BoundedPlan) IsLargeFile() bool {
	return len(p.parts) > 1
}

// PartList returns the parts of the plan.
func (p *BoundedPlan) PartList() []Part {
	return p.parts
}

func (p *BoundedPlan) Parts() PartIterator {
	return &sliceParts{parts: p.parts}
}

// TotalLength ...
func (p *BoundedPlan) TotalLength() int64 {
	var total int64
	for _, part := range p.parts {
		total += part.Length()
	}
	return total
}

// AnyHashable reports whether at least one part has a locally computable digest.
func (p *BoundedPlan) AnyHashable() bool {
	for _, part := range p.parts {
		if part.Hashable() {
			return true
		}
	}
	return false
}

// PlanID fingerprints the part identities, so an unfinished large file started for the same
// plan can be found later. Plans made of hashable parts only need no fingerprint: ok is false.
func (p *BoundedPlan) PlanID() (id string, ok bool, err error) {
	hashable := true
	for _, part := range p.parts {
		if !part.Hashable() {
			hashable = false
			break
		}
	}
	if hashable {
		return "", false, nil
	}

	identities := make([]interface{}, 0, len(p.parts))
	for _, part := range p.parts {
		identity, err := part.identity()
		if err != nil {
			return "", false, err
		}
		identities = append(identities, identity)
	}
	encoded, err := json.Marshal(identities)
	if err != nil {
		return "", false, err
	}
	sum := sha1.Sum(encoded)
	return hex.EncodeToString(sum[:]), true, nil
}

type sliceParts struct {
	parts []Part
	pos   int
}

func (s *sliceParts) Next() (Part, error) {
	if s.pos == len(s.parts) {
		return nil, io.EOF
	}
	part := s.parts[s.pos]
	s.pos++
	return part, nil
}

// StreamingPlan plans its parts lazily while they are executed. Whether it is a large file is
// decided by peeking for a second part.
type StreamingPlan struct {
	peeked []Part
	large  bool
	rest   PartIterator
	err    error
	ended  bool
}

func newStreamingPlan(parts PartIterator) (*StreamingPlan, error) {
	plan := &StreamingPlan{rest: parts}
	for len(plan.peeked) < 2 {
		part, err := parts.Next()
		if errors.Is(err, io.EOF) {
			plan.ended = true
			break
		}
		if err != nil {
			return nil, err
		}
		plan.peeked = append(plan.peeked, part)
	}
	if len(plan.peeked) == 0 {
		return nil, ErrNoWriteIntents
	}
	plan.large = len(plan.peeked) > 1
	return plan, nil
}

func (p *StreamingPlan) IsLargeFile() bool {
	return p.large
}

func (p *StreamingPlan) Parts() PartIterator {
	return p
}

// Next ...
func (p *StreamingPlan) Next() (Part, error) {
	if len(p.peeked) > 0 {
		part := p.peeked[0]
		p.peeked = p.peeked[1:]
		return part, nil
	}
	if p.ended {
		return nil, io.EOF
	}
	if p.err != nil {
		return nil, p.err
	}
	part, err := p.rest.Next()
	if errors.Is(err, io.EOF) {
		p.ended = true
		return nil, io.EOF
	}
	if err != nil {
		p.err = err
		return nil, err
	}
	return part, nil
}
