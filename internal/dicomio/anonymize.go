package dicomio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/voxmill/voxmill/internal/audit"
	"github.com/voxmill/voxmill/internal/model"
	"github.com/voxmill/voxmill/internal/parallel"
)

// Anonymizer removes identifying tags from DICOM files in place.
type Anonymizer struct {
	logger   *slog.Logger
	workers  int
	auditLog *audit.Log
}

// NewAnonymizer creates an Anonymizer. auditLog may be nil in tests.
func NewAnonymizer(logger *slog.Logger, workers int, auditLog *audit.Log) *Anonymizer {
	return &Anonymizer{logger: logger, workers: workers, auditLog: auditLog}
}

// Anonymize redacts the profile's tag set from each file, rewriting files
// in place via a temp-file rename. Geometry tags (orientation, position,
// spacing, thickness, image type, modality) are always preserved.
//
// Re-running on already-redacted files is safe: absent tags are simply
// skipped. A single file's failure is logged, recorded in the per-file
// results, and does not fail the batch. The returned count is the number of
// files successfully anonymized; the error is model.ErrPartialFailure only
// when files were present and every one failed.
//
// Anonymize(ctx, nil, profile) returns 0 without touching disk or the audit log.
func (a *Anonymizer) Anonymize(ctx context.Context, files []string, profile model.AnonymizerProfile) (int, []model.FileResult, error) {
	if len(files) == 0 {
		return 0, nil, nil
	}

	redact, err := TagsFor(profile)
	if err != nil {
		return 0, nil, err
	}

	var succeeded atomic.Int64
	results, runErr := parallel.RunBatch(ctx, files, a.workers,
		func(_ context.Context, _ int, path string) (struct{}, error) {
			if err := redactFile(path, redact); err != nil {
				return struct{}{}, err
			}
			succeeded.Add(1)
			return struct{}{}, nil
		})

	perFile := make([]model.FileResult, len(files))
	for i, r := range results {
		perFile[i] = model.FileResult{Path: files[i], Err: r.Err}
		if r.Err != nil {
			a.logger.Warn("dicomio: anonymize skipped file", "path", files[i], "error", r.Err)
		}
	}

	count := int(succeeded.Load())
	if a.auditLog != nil {
		profileName := profile.Name
		if profileName == "" {
			profileName = ProfileBasic
		}
		a.auditLog.Append(model.OpAnonymize, uuid.New(), fmt.Sprintf("%d files", len(files)),
			fmt.Sprintf("%d/%d", count, len(files)),
			fmt.Sprintf("profile=%s", profileName))
	}

	if runErr != nil {
		return count, perFile, runErr
	}
	if count == 0 {
		return 0, perFile, fmt.Errorf("dicomio: anonymize batch: %w", model.ErrPartialFailure)
	}
	return count, perFile, nil
}

// redactFile parses path, drops every element whose tag is in redact, and
// atomically replaces the file. Files with none of the tags present are
// rewritten unchanged, which keeps the operation idempotent.
func redactFile(path string, redact map[tag.Tag]struct{}) error {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	kept := ds.Elements[:0]
	for _, el := range ds.Elements {
		if _, drop := redact[el.Tag]; drop {
			continue
		}
		kept = append(kept, el)
	}
	ds.Elements = kept

	tmp, err := os.CreateTemp(filepath.Dir(path), ".voxmill-anon-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if err := dicom.Write(tmp, ds, dicom.SkipVRVerification()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace original: %w", err)
	}
	return nil
}
