package emerge

import (
	"context"
	"fmt"

	"github.com/bitrise-io/go-objtransfer/wire"
)

// findUnfinishedFile looks for a large file to resume, with its finished parts by number.
// plan is nil for streaming plans, which can only be resumed by an explicit continuation id.
func (e *Executor) findUnfinishedFile(ctx context.Context, plan *BoundedPlan, bucketID, fileName string, meta wire.FileMeta, continueFileID string) (*wire.UnfinishedFile, map[int]wire.Part, error) {
	if !e.session.Allowed().Has(wire.CapabilityListFiles) {
		if continueFileID != "" {
			return nil, nil, fmt.Errorf("%s: %w", continueFileID, ErrContinuationNotAllowed)
		}
		return nil, nil, nil
	}

	if continueFileID != "" {
		return e.continueUnfinishedFile(ctx, bucketID, fileName, meta, continueFileID)
	}
	if plan == nil {
		return nil, nil, nil
	}

	files, err := e.session.ListUnfinishedLargeFiles(ctx, bucketID, fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("list unfinished large files: %w", err)
	}

	for _, ignoreLargeFileSHA1 := range []bool{false, true} {
		file, finished, err := e.bestCandidate(ctx, plan, files, fileName, meta, ignoreLargeFileSHA1)
		if err != nil {
			return nil, nil, err
		}
		if file != nil {
			return file, finished, nil
		}
	}
	return nil, nil, nil
}

func (e *Executor) continueUnfinishedFile(ctx context.Context, bucketID, fileName string, meta wire.FileMeta, fileID string) (*wire.UnfinishedFile, map[int]wire.Part, error) {
	files, err := e.session.ListUnfinishedLargeFiles(ctx, bucketID, fileName)
	if err != nil {
		return nil, nil, fmt.Errorf("list unfinished large files: %w", err)
	}
	var file *wire.UnfinishedFile
	for i := range files {
		if files[i].ID == fileID && files[i].Name == fileName {
			file = &files[i]
			break
		}
	}
	if file == nil {
		return nil, nil, fmt.Errorf("%s: %w", fileID, ErrUnfinishedFileNotFound)
	}

	switch {
	case !fileInfoEqual(file.FileInfo, meta.FileInfo, false):
		return nil, nil, &ResumeMetadataMismatchError{FileID: fileID, Field: "file info"}
	case !file.Encryption.Equal(meta.Encryption):
		return nil, nil, &ResumeMetadataMismatchError{FileID: fileID, Field: "encryption"}
	case !file.Retention.Equal(meta.Retention):
		return nil, nil, &ResumeMetadataMismatchError{FileID: fileID, Field: "file retention"}
	case file.LegalHold != meta.LegalHold:
		return nil, nil, &ResumeMetadataMismatchError{FileID: fileID, Field: "legal hold"}
	}

	parts, err := e.session.ListParts(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("list parts: %w", err)
	}
	finished := map[int]wire.Part{}
	for _, part := range parts {
		finished[part.Number] = part
	}
	return file, finished, nil
}

// bestCandidate returns the matching unfinished file with the most reusable parts.
func (e *Executor) bestCandidate(ctx context.Context, plan *BoundedPlan, files []wire.UnfinishedFile, fileName string, meta wire.FileMeta, ignoreLargeFileSHA1 bool) (*wire.UnfinishedFile, map[int]wire.Part, error) {
	var best *wire.UnfinishedFile
	var bestParts map[int]wire.Part

	for i := range files {
		file := &files[i]
		if !metadataMatches(file, fileName, meta, ignoreLargeFileSHA1) {
			continue
		}
		parts, err := e.session.ListParts(ctx, file.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("list parts of %s: %w", file.ID, err)
		}
		finished, ok := matchParts(plan.parts, parts)
		if !ok {
			continue
		}
		if best == nil || betterCandidate(file, len(finished), best, len(bestParts)) {
			best, bestParts = file, finished
		}
	}
	return best, bestParts, nil
}

func betterCandidate(file *wire.UnfinishedFile, parts int, best *wire.UnfinishedFile, bestParts int) bool {
	if parts != bestParts {
		return parts > bestParts
	}
	if file.UploadTimestamp != best.UploadTimestamp {
		return file.UploadTimestamp > best.UploadTimestamp
	}
	return file.ID > best.ID
}

func metadataMatches(file *wire.UnfinishedFile, fileName string, meta wire.FileMeta, ignoreLargeFileSHA1 bool) bool {
	if file.Name != fileName {
		return false
	}
	if meta.CustomUploadTimestamp != 0 && file.UploadTimestamp != meta.CustomUploadTimestamp {
		return false
	}
	return fileInfoEqual(file.FileInfo, meta.FileInfo, ignoreLargeFileSHA1) &&
		file.Encryption.Equal(meta.Encryption) &&
		file.Retention.Equal(meta.Retention) &&
		file.LegalHold == meta.LegalHold
}

func fileInfoEqual(a, b map[string]string, ignoreLargeFileSHA1 bool) bool {
	count := func(m map[string]string) int {
		n := 0
		for k := range m {
			if ignoreLargeFileSHA1 && k == wire.FileInfoLargeFileSHA1 {
				continue
			}
			n++
		}
		return n
	}
	if count(a) != count(b) {
		return false
	}
	for k, v := range a {
		if ignoreLargeFileSHA1 && k == wire.FileInfoLargeFileSHA1 {
			continue
		}
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}

// matchParts checks every uploaded part against the plan. A single unknown or different part
// disqualifies the unfinished file, as does having no parts at all.
func matchParts(plan []Part, uploaded []wire.Part) (map[int]wire.Part, bool) {
	if len(uploaded) == 0 {
		return nil, false
	}
	finished := map[int]wire.Part{}
	for _, part := range uploaded {
		if part.Number < 1 || part.Number > len(plan) {
			return nil, false
		}
		if !partMatches(plan[part.Number-1], part) {
			return nil, false
		}
		finished[part.Number] = part
	}
	return finished, true
}

// partMatches compares sizes, and digests of hashable parts.
func partMatches(part Part, uploaded wire.Part) bool {
	if part.Length() != uploaded.Size {
		return false
	}
	if !part.Hashable() {
		return true
	}
	digest, err := part.SHA1()
	return err == nil && digest == uploaded.ContentSHA1
}
