package emerge

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/bitrise-io/go-objtransfer/outbound"
	"github.com/bitrise-io/go-objtransfer/wire"
)

// ConfigurationError is returned for part sizes violating min <= recommended <= max.
type ConfigurationError struct {
	Min, Recommended, Max int64
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid part sizes: min %d, recommended %d, max %d (min <= recommended <= max is required)",
		e.Min, e.Recommended, e.Max)
}

// HoleError is returned when the write intents leave [Start, End) of the destination uncovered.
type HoleError struct {
	Start, End int64
}

func (e *HoleError) Error() string {
	return fmt.Sprintf("cannot emerge file with holes: found hole range [%d, %d)", e.Start, e.End)
}

// Planner errors without payload.
var (
	ErrUnsortedIntents = errors.New("write intents have to be sorted by destination offset")
	ErrNoWriteIntents  = errors.New("no write intents to emerge")
)

// IntentIterator yields write intents ordered by destination offset and io.EOF at the end.
type IntentIterator interface {
	Next() (outbound.WriteIntent, error)
}

// Planner turns write intents into an emerge plan. It is stateless and safe for concurrent use.
type Planner struct {
	minPartSize         int64
	recommendedPartSize int64
	maxPartSize         int64
}

// NewPlanner ...
func NewPlanner(minPartSize, recommendedPartSize, maxPartSize int64) (*Planner, error) {
	if minPartSize <= 0 || minPartSize > recommendedPartSize || recommendedPartSize > maxPartSize {
		return nil, &ConfigurationError{Min: minPartSize, Recommended: recommendedPartSize, Max: maxPartSize}
	}
	return &Planner{
		minPartSize:         minPartSize,
		recommendedPartSize: recommendedPartSize,
		maxPartSize:         maxPartSize,
	}, nil
}

// MinPartSize ...
func (p *Planner) MinPartSize() int64 { return p.minPartSize }

// RecommendedPartSize ...
func (p *Planner) RecommendedPartSize() int64 { return p.recommendedPartSize }

// MaxPartSize ...
func (p *Planner) MaxPartSize() int64 { return p.maxPartSize }

// Plan builds a bounded plan. Intents are sorted by destination offset first.
func (p *Planner) Plan(intents []outbound.WriteIntent) (*BoundedPlan, error) {
	if len(intents) == 0 {
		return nil, ErrNoWriteIntents
	}
	sorted := append([]outbound.WriteIntent(nil), intents...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DestinationOffset < sorted[j].DestinationOffset
	})

	var end int64
	for _, intent := range sorted {
		if intent.EndOffset() > end {
			end = intent.EndOffset()
		}
	}

	// Grow the upload part size so the plan stays within the part count limit.
	tuned := *p
	needed := (3*end + 2*wire.MaxPartCount - 1) / (2 * wire.MaxPartCount)
	if needed > tuned.maxPartSize {
		needed = tuned.maxPartSize
	}
	if needed > tuned.recommendedPartSize {
		tuned.recommendedPartSize = needed
	}

	parts, err := collectParts(tuned.parts(&sliceIntents{intents: sorted}))
	if err != nil {
		return nil, err
	}
	return &BoundedPlan{parts: parts}, nil
}

// PlanStream builds a streaming plan from intents already sorted by destination offset.
// Parts are planned lazily, while the plan is executed.
func (p *Planner) PlanStream(intents IntentIterator) (*StreamingPlan, error) {
	return newStreamingPlan(p.parts(intents))
}

// PlanUnbound builds a streaming plan with exactly one upload part per intent. It is meant for
// the buffers of an unbound stream, which are contiguous upload sources of the right size.
func (p *Planner) PlanUnbound(intents IntentIterator) (*StreamingPlan, error) {
	return newStreamingPlan(&unboundParts{intents: intents})
}

func (p *Planner) parts(intents IntentIterator) PartIterator {
	validated := &validatingIntents{intents: intents}
	return &partBuilder{
		planner:   p,
		fragments: newFragmentSelector(validated, p.minPartSize),
		intents:   validated,
		first:     true,
	}
}

type sliceIntents struct {
	intents []outbound.WriteIntent
	pos     int
}

func (s *sliceIntents) Next() (outbound.WriteIntent, error) {
	if s.pos == len(s.intents) {
		return outbound.WriteIntent{}, io.EOF
	}
	intent := s.intents[s.pos]
	s.pos++
	return intent, nil
}

// validatingIntents checks ordering and length and drops empty intents. The first intent is
// remembered so an empty destination still gets one (empty) part.
type validatingIntents struct {
	intents    IntentIterator
	lastOffset int64
	first      *outbound.WriteIntent
}

func (v *validatingIntents) Next() (*outbound.WriteIntent, error) {
	for {
		intent, err := v.intents.Next()
		if err != nil {
			return nil, err
		}
		if intent.Length() < 0 {
			return nil, fmt.Errorf("%v: %w", intent.Source, outbound.ErrUnknownLength)
		}
		if intent.DestinationOffset < v.lastOffset {
			return nil, ErrUnsortedIntents
		}
		v.lastOffset = intent.DestinationOffset
		if v.first == nil {
			first := intent
			v.first = &first
		}
		if intent.Length() == 0 {
			if r, ok := intent.Source.(outbound.Releaser); ok {
				r.Release()
			}
			continue
		}
		return &intent, nil
	}
}

type unboundParts struct {
	intents IntentIterator
	offset  int64
}

func (u *unboundParts) Next() (Part, error) {
	intent, err := u.intents.Next()
	if err != nil {
		return nil, err
	}
	if intent.DestinationOffset != u.offset {
		return nil, &HoleError{Start: u.offset, End: intent.DestinationOffset}
	}
	source, ok := intent.Source.(outbound.UploadSource)
	if !ok {
		return nil, fmt.Errorf("unbound plans only accept upload sources, got %v", intent.Source)
	}
	u.offset = intent.EndOffset()
	return &UploadPart{Source: source, RelativeOffset: 0, Len: intent.Length()}, nil
}

// fragment is a selected stretch of an intent, ending at end. A nil intent marks the end of input.
type fragment struct {
	intent *outbound.WriteIntent
	end    int64
}

type stateFragment struct {
	intent    *outbound.WriteIntent
	end       int64
	protected bool
}

// intentsState is the sliding window of the current and the next intent of one kind.
// protectedLength is the shortest stretch of an intent that may be selected once it was started.
type intentsState struct {
	protectedLength int64

	current      *outbound.WriteIntent
	currentStart int64
	currentEnd   int64

	next    *outbound.WriteIntent
	nextEnd int64
}

// add must be called after update. An intent ending within the current or the next one adds
// nothing and is dropped.
func (s *intentsState) add(incoming *outbound.WriteIntent) {
	if incoming.EndOffset() <= s.coveredEnd() {
		if r, ok := incoming.Source.(outbound.Releaser); ok {
			r.Release()
		}
		return
	}
	s.setNext(incoming)
}

func (s *intentsState) coveredEnd() int64 {
	end := s.nextEnd
	if s.current != nil && s.currentEnd > end {
		end = s.currentEnd
	}
	return end
}

// update returns the fragments of this kind of intents from lastSent up to the incoming offset.
// hasIncoming is false once the input is exhausted.
func (s *intentsState) update(lastSent, incomingOffset int64, hasIncoming bool) []stateFragment {
	if s.current != nil && lastSent >= s.currentEnd {
		s.setCurrent(nil, 0)
	}

	var effective int64
	switch {
	case hasIncoming:
		effective = incomingOffset
	case s.next != nil:
		effective = s.coveredEnd()
	case s.current != nil:
		effective = s.currentEnd
	default:
		return nil
	}

	if s.current == nil && s.next != nil && (s.next.DestinationOffset != effective || !hasIncoming) {
		s.setCurrent(s.next, lastSent)
		s.setNext(nil)
	}

	var out []stateFragment

	// Current and next both exist only if they overlap.
	if s.current != nil && s.next != nil && effective > s.currentEnd {
		if !s.currentProtected() {
			s.setCurrent(s.next, lastSent)
			s.setNext(nil)
		} else {
			remaining := s.protectedLength - (lastSent - s.currentStart)
			if remaining > 0 {
				lastSent += remaining
				if !s.canBeProtected(lastSent, s.nextEnd) {
					lastSent = s.currentEnd
				}
				out = append(out, stateFragment{intent: s.current, end: lastSent, protected: true})
			}
			s.setCurrent(s.next, lastSent)
			s.setNext(nil)
		}
	}

	if s.current != nil {
		end := s.currentEnd
		if effective < end {
			end = effective
		}
		out = append(out, stateFragment{intent: s.current, end: end, protected: s.currentProtected()})
	}
	return out
}

func (s *intentsState) setCurrent(intent *outbound.WriteIntent, start int64) {
	s.current = intent
	s.currentStart = start
	if intent != nil {
		s.currentEnd = intent.EndOffset()
	} else {
		s.currentEnd = 0
	}
}

func (s *intentsState) setNext(intent *outbound.WriteIntent) {
	s.next = intent
	if intent != nil {
		s.nextEnd = intent.EndOffset()
	} else {
		s.nextEnd = 0
	}
}

func (s *intentsState) currentProtected() bool {
	return s.canBeProtected(s.currentStart, s.currentEnd)
}

func (s *intentsState) canBeProtected(start, end int64) bool {
	return end-start >= s.protectedLength
}

// mergeFragments selects between overlapping upload and copy fragments. Copy wins unless its
// fragment is unprotected, that is too short to be worth a copy request.
func mergeFragments(uploads, copies []stateFragment) []fragment {
	var out []fragment
	for len(uploads) > 0 || len(copies) > 0 {
		switch {
		case len(uploads) > 0 && len(copies) > 0:
			u, c := uploads[0], copies[0]
			selected := c.intent
			if !c.protected {
				selected = u.intent
			}
			end := u.end
			if c.end < end {
				end = c.end
			}
			out = append(out, fragment{intent: selected, end: end})
			if end >= u.end {
				uploads = uploads[1:]
			}
			if end >= c.end {
				copies = copies[1:]
			}
		case len(uploads) > 0:
			out = append(out, fragment{intent: uploads[0].intent, end: uploads[0].end})
			uploads = uploads[1:]
		default:
			out = append(out, fragment{intent: copies[0].intent, end: copies[0].end})
			copies = copies[1:]
		}
	}
	return out
}

// fragmentSelector yields the selected fragments in destination order, then a nil intent fragment.
type fragmentSelector struct {
	intents  *validatingIntents
	uploads  intentsState
	copies   intentsState
	lastSent int64
	pending  []fragment
	done     bool
}

func newFragmentSelector(intents *validatingIntents, minPartSize int64) *fragmentSelector {
	return &fragmentSelector{
		intents: intents,
		copies:  intentsState{protectedLength: minPartSize},
	}
}

func (s *fragmentSelector) Next() (fragment, error) {
	for len(s.pending) == 0 {
		if s.done {
			return fragment{}, io.EOF
		}
		if err := s.step(); err != nil {
			return fragment{}, err
		}
	}
	f := s.pending[0]
	s.pending = s.pending[1:]
	return f, nil
}

func (s *fragmentSelector) step() error {
	incoming, err := s.intents.Next()
	hasIncoming := true
	if errors.Is(err, io.EOF) {
		hasIncoming = false
	} else if err != nil {
		return err
	}

	var incomingOffset int64
	if hasIncoming {
		incomingOffset = incoming.DestinationOffset
	}

	uploads := s.uploads.update(s.lastSent, incomingOffset, hasIncoming)
	copies := s.copies.update(s.lastSent, incomingOffset, hasIncoming)
	for _, f := range mergeFragments(uploads, copies) {
		s.pending = append(s.pending, f)
		s.lastSent = f.end
	}

	if hasIncoming && s.lastSent < incomingOffset {
		return &HoleError{Start: s.lastSent, End: incomingOffset}
	}

	if !hasIncoming {
		s.pending = append(s.pending, fragment{})
		s.done = true
		return nil
	}
	if incoming.Source.IsUpload() {
		s.uploads.add(incoming)
	} else {
		s.copies.add(incoming)
	}
	return nil
}

type bufferItem struct {
	intent *outbound.WriteIntent
	end    int64
}

// uploadBuffer accumulates fragments not yet emitted as parts.
type uploadBuffer struct {
	start int64
	items []bufferItem
}

func newUploadBuffer(start int64) *uploadBuffer {
	return &uploadBuffer{start: start}
}

func (b *uploadBuffer) end() int64 {
	if len(b.items) == 0 {
		return b.start
	}
	return b.items[len(b.items)-1].end
}

func (b *uploadBuffer) length() int64 {
	return b.end() - b.start
}

func (b *uploadBuffer) append(intent *outbound.WriteIntent, end int64) {
	b.items = append(b.items, bufferItem{intent: intent, end: end})
}

// slice returns the buffer of items from idx on. start defaults to the end of item idx-1.
func (b *uploadBuffer) slice(idx int, start *int64) *uploadBuffer {
	s := b.start
	switch {
	case start != nil:
		s = *start
	case idx > 0:
		s = b.items[idx-1].end
	}
	return &uploadBuffer{start: s, items: append([]bufferItem(nil), b.items[idx:]...)}
}

// partBuilder glues fragments of the same intent and packs them into parts.
type partBuilder struct {
	planner   *Planner
	fragments *fragmentSelector
	intents   *validatingIntents

	started    bool
	first      bool
	current    *outbound.WriteIntent
	currentEnd int64
	buffer     *uploadBuffer
	emitted    int

	pending []Part
	done    bool
}

func (b *partBuilder) Next() (Part, error) {
	for len(b.pending) == 0 {
		if b.done {
			return nil, io.EOF
		}
		if err := b.step(); err != nil {
			return nil, err
		}
	}
	part := b.pending[0]
	b.pending = b.pending[1:]
	return part, nil
}

func (b *partBuilder) emit(parts ...Part) {
	b.pending = append(b.pending, parts...)
	b.emitted += len(parts)
}

func (b *partBuilder) finish() error {
	b.done = true
	if b.emitted > 0 {
		return nil
	}
	// Only empty intents were given: the destination is an empty file.
	if b.intents.first == nil {
		return ErrNoWriteIntents
	}
	b.emit(&UploadPart{Source: outbound.NewBytesSource(nil)})
	return nil
}

func (b *partBuilder) step() error {
	f, err := b.fragments.Next()
	if errors.Is(err, io.EOF) {
		return b.finish()
	}
	if err != nil {
		return err
	}

	if !b.started {
		b.started = true
		b.buffer = newUploadBuffer(0)
		if f.intent == nil {
			return b.finish()
		}
		b.current = f.intent
		b.currentEnd = f.end
		return nil
	}

	if f.intent != nil && f.intent == b.current {
		b.currentEnd = f.end
		return nil
	}

	last := f.intent == nil
	minPartSize := b.planner.minPartSize
	currentLength := b.currentEnd - b.buffer.end()

	switch {
	case b.current.Source.IsCopy() && currentLength >= minPartSize:
		var missing int64
		if b.buffer.length() > 0 && b.buffer.length() < minPartSize {
			missing = minPartSize - b.buffer.length()
		}
		if missing > 0 && currentLength-missing < minPartSize {
			// Borrowing the missing bytes would leave too short a copy: download it all instead.
			b.buffer.append(b.current, b.currentEnd)
		} else {
			if missing > 0 {
				b.buffer.append(b.current, b.buffer.end()+missing)
			}
			for _, ub := range b.planner.splitBuffer(b.buffer) {
				b.emit(b.planner.uploadPart(ub))
			}
			b.emit(b.planner.copyParts(b.current, b.buffer.end(), b.currentEnd)...)
			b.buffer = newUploadBuffer(b.currentEnd)
		}
	case b.current.Source.IsCopy() && b.first && last:
		// A short copy that is the whole destination is still copied, with a single request.
		b.emit(b.planner.copyParts(b.current, b.buffer.end(), b.currentEnd)...)
	default:
		b.buffer.append(b.current, b.currentEnd)
		buffers := b.planner.splitBuffer(b.buffer)
		// The last buffer may still grow with the next intent.
		for _, ub := range buffers[:len(buffers)-1] {
			b.emit(b.planner.uploadPart(ub))
		}
		b.buffer = buffers[len(buffers)-1]
	}

	b.current = f.intent
	b.currentEnd = f.end
	b.first = false
	if last {
		for _, ub := range b.planner.splitBuffer(b.buffer) {
			b.emit(b.planner.uploadPart(ub))
		}
		return b.finish()
	}
	return nil
}

// splitBuffer cuts the buffer at recommended part size boundaries while it is longer than
// recommended + min, so the tail never ends up below the minimum.
func (p *Planner) splitBuffer(buffer *uploadBuffer) []*uploadBuffer {
	if len(buffer.items) == 0 {
		return nil
	}
	var out []*uploadBuffer
	tail := buffer
	for tail.length() >= p.recommendedPartSize+p.minPartSize {
		var head *uploadBuffer
		head, tail = p.partitionBuffer(tail)
		out = append(out, head)
	}
	return append(out, tail)
}

// partitionBuffer splits off a head of exactly recommended part size.
func (p *Planner) partitionBuffer(buffer *uploadBuffer) (*uploadBuffer, *uploadBuffer) {
	head := newUploadBuffer(buffer.start)
	for idx, item := range buffer.items {
		size := item.end - buffer.start
		if size > p.recommendedPartSize {
			headEnd := item.end - (size - p.recommendedPartSize)
			head.append(item.intent, headEnd)
			return head, buffer.slice(idx, &headEnd)
		}
		head.append(item.intent, item.end)
		if size == p.recommendedPartSize {
			return head, buffer.slice(idx+1, nil)
		}
	}
	return head, newUploadBuffer(head.end())
}

func (p *Planner) uploadPart(buffer *uploadBuffer) Part {
	if len(buffer.items) == 1 && buffer.items[0].intent.Source.IsUpload() {
		intent := buffer.items[0].intent
		return &UploadPart{
			Source:         intent.Source.(outbound.UploadSource),
			RelativeOffset: buffer.start - intent.DestinationOffset,
			Len:            buffer.length(),
		}
	}

	subparts := make([]Subpart, 0, len(buffer.items))
	start := buffer.start
	for _, item := range buffer.items {
		subparts = append(subparts, Subpart{
			Source:         item.intent.Source,
			RelativeOffset: start - item.intent.DestinationOffset,
			Len:            item.end - start,
		})
		start = item.end
	}
	return &CompositeUploadPart{Subparts: subparts}
}

// copyParts splits a copy fragment into balanced parts no longer than the max part size.
func (p *Planner) copyParts(intent *outbound.WriteIntent, start, end int64) []Part {
	length := end - start
	if length <= 0 {
		return nil
	}
	count := length / p.maxPartSize
	lastLength := length % p.maxPartSize
	if lastLength == 0 {
		lastLength = p.maxPartSize
	} else {
		count++
	}

	var sizes []int64
	if count == 1 {
		sizes = []int64{lastLength}
	} else {
		if lastLength < length/(count+1) {
			count++
		}
		base := length / count
		remainder := length % count
		for i := int64(0); i < count; i++ {
			size := base
			if i < remainder {
				size++
			}
			sizes = append(sizes, size)
		}
	}

	source := intent.Source.(*outbound.CopySource)
	relative := start - intent.DestinationOffset
	parts := make([]Part, 0, len(sizes))
	for _, size := range sizes {
		parts = append(parts, &CopyPart{Source: source, RelativeOffset: relative, Len: size})
		relative += size
	}
	return parts
}
