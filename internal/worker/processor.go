package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"photoflow/internal/database"
	"photoflow/internal/derivatives"
	"photoflow/internal/logging"
	"photoflow/internal/metadata"
	"photoflow/internal/metrics"
	"photoflow/internal/paths"
	"photoflow/internal/profile"
	"photoflow/internal/queue"
	"photoflow/internal/sweep"
	"photoflow/internal/telemetry"
)

// Catalog is the slice of the media catalog the processors depend on.
type Catalog interface {
	FindByID(ctx context.Context, assetID string) (*database.MediaAsset, error)
	AcquireProcessingLock(ctx context.Context, assetID string, tryOnly bool) (*database.ProcessingLock, error)
	ReleaseProcessingLock(ctx context.Context, lock *database.ProcessingLock) error
	UpsertMetadata(ctx context.Context, record database.MetadataRecord) error
	GetEncodingProfile(ctx context.Context) (*profile.Profile, error)
	SetReadyIfProcessing(ctx context.Context, assetID string) (bool, error)
	SetFailedIfProcessing(ctx context.Context, assetID string) (bool, error)
	FindCleanupCandidate(ctx context.Context, assetID, ownerID string) (*database.MediaAsset, error)
	HardDeleteIfStillSoftDeleted(ctx context.Context, assetID, ownerID string) (bool, error)
}

// MetadataExtractor produces capture metadata for one original.
type MetadataExtractor interface {
	Extract(ctx context.Context, in metadata.Input) (*metadata.Result, error)
}

// DerivativeGenerator produces the derivative artifact set for one original.
type DerivativeGenerator interface {
	Generate(ctx context.Context, in derivatives.Input) ([]derivatives.Artifact, error)
}

// ProcessPayload is the process job message from the ingestion side.
type ProcessPayload struct {
	AssetID           string           `json:"assetId"`
	OwnerID           string           `json:"ownerId"`
	RelativePath      string           `json:"relativePath"`
	Checksum          string           `json:"checksum,omitempty"`
	UploadedAt        time.Time        `json:"uploadedAt,omitempty"`
	ProfileOverride   *profile.Profile `json:"videoEncodingProfileOverride,omitempty"`
	LockRetryAttempts int              `json:"lockRetryAttempts,omitempty"`
	LockRetryDelayMs  int              `json:"lockRetryDelayMs,omitempty"`
}

// CleanupPayload is the cleanup job message for a soft-deleted asset.
type CleanupPayload struct {
	AssetID           string `json:"assetId"`
	OwnerID           string `json:"ownerId"`
	LockRetryAttempts int    `json:"lockRetryAttempts,omitempty"`
	LockRetryDelayMs  int    `json:"lockRetryDelayMs,omitempty"`
}

// Cleanup job outcomes.
const (
	CleanupMissing      = "missing"
	CleanupRestoredSkip = "restored-skip"
	CleanupRestoredRace = "restored-race-skip"
	CleanupDeleted      = "deleted"
)

// Processor drives process and cleanup jobs against the catalog and the
// storage roots.
type Processor struct {
	catalog       Catalog
	extractor     MetadataExtractor
	generator     DerivativeGenerator
	store         *telemetry.Store
	originalsRoot string
	derivedRoot   string
	now           func() time.Time
}

func NewProcessor(catalog Catalog, extractor MetadataExtractor, generator DerivativeGenerator, store *telemetry.Store, originalsRoot, derivedRoot string) *Processor {
	return &Processor{
		catalog:       catalog,
		extractor:     extractor,
		generator:     generator,
		store:         store,
		originalsRoot: originalsRoot,
		derivedRoot:   derivedRoot,
		now:           time.Now,
	}
}

// failureDetails maps an error onto telemetry failure code and class.
func failureDetails(err error) (code, class string) {
	var lockErr *LockUnavailableError
	switch {
	case errors.As(err, &lockErr):
		return "PROCESSING_LOCK_UNAVAILABLE", "LockUnavailableError"
	case errors.Is(err, derivatives.ErrUnsupportedMedia):
		return "UNSUPPORTED_MEDIA", "UnsupportedMediaError"
	case errors.Is(err, paths.ErrPathEscapesRoot):
		return "PATH_ESCAPES_ROOT", "ValidationError"
	case errors.Is(err, sweep.ErrInvalidScope):
		return "INVALID_SWEEP_SCOPE", "ValidationError"
	default:
		return "", "Error"
	}
}

// instrument wraps a job body with telemetry lifecycle events.
func (p *Processor) instrument(queueName string, env *queue.Envelope, assetID string, run func() error) error {
	started := p.now()
	p.store.RecordEvent(telemetry.Event{
		Kind:     telemetry.EventActive,
		Queue:    queueName,
		JobID:    env.ID,
		AssetID:  assetID,
		Attempts: env.AttemptsMade,
	})

	err := run()
	duration := p.now().Sub(started).Milliseconds()

	if err == nil {
		p.store.RecordEvent(telemetry.Event{
			Kind:       telemetry.EventCompleted,
			Queue:      queueName,
			JobID:      env.ID,
			AssetID:    assetID,
			Attempts:   env.AttemptsMade,
			DurationMs: &duration,
		})
		return nil
	}

	code, class := failureDetails(err)
	p.store.RecordEvent(telemetry.Event{
		Kind:        telemetry.EventFailed,
		Queue:       queueName,
		JobID:       env.ID,
		AssetID:     assetID,
		Attempts:    env.AttemptsMade,
		DurationMs:  &duration,
		FailureCode: code,
		ErrorClass:  class,
	})
	return err
}

// isTerminalAttempt reports whether the attempt now finishing is the last one
// the envelope allows.
func isTerminalAttempt(env *queue.Envelope) bool {
	return env.AttemptsMade+1 >= env.MaxAttempts
}

// ProcessHandler returns the queue handler for process jobs.
func (p *Processor) ProcessHandler() queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		var payload ProcessPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return queue.NoRetry(fmt.Errorf("invalid process payload: %w", err))
		}
		if payload.AssetID == "" || payload.RelativePath == "" {
			return queue.NoRetry(errors.New("invalid process payload: assetId and relativePath are required"))
		}

		err := p.instrument(queue.QueueMediaProcess, env, payload.AssetID, func() error {
			return p.handleProcess(ctx, env, &payload)
		})
		if err != nil && isTerminalAttempt(env) {
			p.persistTerminalFailure(payload.AssetID)
		}
		return err
	}
}

func (p *Processor) handleProcess(ctx context.Context, env *queue.Envelope, payload *ProcessPayload) error {
	lock, err := p.acquireLockWithRetry(ctx, queue.QueueMediaProcess, env.ID, payload.AssetID,
		payload.LockRetryAttempts, time.Duration(payload.LockRetryDelayMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer p.releaseLock(lock)

	asset, err := p.catalog.FindByID(ctx, payload.AssetID)
	if err != nil {
		return err
	}

	mimeType := ""
	uploadedAt := payload.UploadedAt
	if asset != nil {
		mimeType = asset.MimeType
		if uploadedAt.IsZero() {
			uploadedAt = asset.CreatedAt
		}
	}
	if uploadedAt.IsZero() {
		uploadedAt = p.now().UTC()
	}

	p.extractAndStoreMetadata(ctx, env, payload, mimeType, uploadedAt)

	saved, err := p.catalog.GetEncodingProfile(ctx)
	if err != nil {
		return err
	}
	playback, err := profile.Resolve(saved, payload.ProfileOverride)
	if err != nil {
		return err
	}

	artifacts, err := p.generator.Generate(ctx, derivatives.Input{
		AssetID:      payload.AssetID,
		RelativePath: payload.RelativePath,
		MimeType:     mimeType,
		Profile:      playback,
	})
	if err != nil {
		return err
	}

	variants := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		variants = append(variants, string(artifact.Variant))
		metrics.DerivativesGeneratedTotal.WithLabelValues(string(artifact.Variant)).Inc()
	}
	logging.Info("worker: generated %d derivative(s) for %s: %v", len(artifacts), payload.AssetID, variants)

	if _, err := p.catalog.SetReadyIfProcessing(ctx, payload.AssetID); err != nil {
		return err
	}
	return nil
}

// extractAndStoreMetadata never fails the job: extraction errors are logged
// and processing continues with fallback values.
func (p *Processor) extractAndStoreMetadata(ctx context.Context, env *queue.Envelope, payload *ProcessPayload, mimeType string, uploadedAt time.Time) {
	sourcePath, err := paths.ResolveAbsolute(p.originalsRoot, payload.RelativePath)
	if err != nil {
		logging.Warn("worker: metadata extraction skipped for %s (job %s): %v", payload.AssetID, env.ID, err)
		return
	}

	result, err := p.extractor.Extract(ctx, metadata.Input{
		SourceAbsolutePath: sourcePath,
		RelativePath:       payload.RelativePath,
		MimeType:           mimeType,
		UploadedAt:         uploadedAt,
	})
	if err != nil {
		logging.Warn("worker: metadata extraction failed for %s (job %s), continuing: %v", payload.AssetID, env.ID, err)
		return
	}

	err = p.catalog.UpsertMetadata(ctx, database.MetadataRecord{
		AssetID:    payload.AssetID,
		TakenAt:    result.TakenAt,
		UploadedAt: uploadedAt,
		Width:      result.Width,
		Height:     result.Height,
		Location:   result.Location,
		Attributes: result.Attributes,
	})
	if err != nil {
		logging.Warn("worker: metadata persistence failed for %s (job %s), continuing: %v", payload.AssetID, env.ID, err)
	}
}

// persistTerminalFailure records the guarded failed status once the retry
// budget is spent. Best effort; the job outcome is already decided.
func (p *Processor) persistTerminalFailure(assetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.catalog.SetFailedIfProcessing(ctx, assetID); err != nil {
		logging.Error("worker: failed to persist terminal status for %s: %v", assetID, err)
		p.store.MarkWorkerError(queue.QueueMediaProcess, "StatusPersistenceError")
	}
}

// CleanupHandler returns the queue handler for cleanup jobs.
func (p *Processor) CleanupHandler() queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		var payload CleanupPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return queue.NoRetry(fmt.Errorf("invalid cleanup payload: %w", err))
		}
		if payload.AssetID == "" || payload.OwnerID == "" {
			return queue.NoRetry(errors.New("invalid cleanup payload: assetId and ownerId are required"))
		}

		return p.instrument(queue.QueueMediaCleanup, env, payload.AssetID, func() error {
			outcome, err := p.handleCleanup(ctx, env, &payload)
			if err != nil {
				return err
			}
			logging.Info("worker: cleanup for %s finished: %s", payload.AssetID, outcome)
			return nil
		})
	}
}

func (p *Processor) handleCleanup(ctx context.Context, env *queue.Envelope, payload *CleanupPayload) (string, error) {
	lock, err := p.acquireLockWithRetry(ctx, queue.QueueMediaCleanup, env.ID, payload.AssetID,
		payload.LockRetryAttempts, time.Duration(payload.LockRetryDelayMs)*time.Millisecond)
	if err != nil {
		return "", err
	}
	defer p.releaseLock(lock)

	target, err := p.catalog.FindCleanupCandidate(ctx, payload.AssetID, payload.OwnerID)
	if err != nil {
		return "", err
	}
	if target == nil {
		return CleanupMissing, nil
	}
	if !target.DeletedSoft {
		return CleanupRestoredSkip, nil
	}

	candidates, err := p.cleanupCandidatePaths(target)
	if err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		if err := removeIfPresent(candidate); err != nil {
			return "", err
		}
	}

	deleted, err := p.catalog.HardDeleteIfStillSoftDeleted(ctx, payload.AssetID, payload.OwnerID)
	if err != nil {
		return "", err
	}
	if !deleted {
		return CleanupRestoredRace, nil
	}
	return CleanupDeleted, nil
}

// cleanupCandidatePaths lists the original plus every canonical derivative
// location for the asset.
func (p *Processor) cleanupCandidatePaths(target *database.MediaAsset) ([]string, error) {
	original, err := paths.ResolveAbsolute(p.originalsRoot, target.RelativePath)
	if err != nil {
		return nil, err
	}

	candidates := []string{original}
	derived := []struct {
		variant   paths.Variant
		extension string
	}{
		{paths.VariantThumb, paths.DerivedImageExtension},
		{paths.VariantSmall, paths.DerivedImageExtension},
		{paths.VariantPlayback, "webm"},
		{paths.VariantPlayback, "mp4"},
	}
	for _, d := range derived {
		rel := paths.BuildDerivativeRelativePath(target.RelativePath, target.ID, d.variant, d.extension)
		abs, err := paths.ResolveAbsolute(p.derivedRoot, rel)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, abs)
	}
	return candidates, nil
}

// removeIfPresent deletes a file, tolerating an already-absent target.
func removeIfPresent(absolutePath string) error {
	if err := os.Remove(absolutePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", absolutePath, err)
	}
	return nil
}

// releaseLock is the shared unlock path for every job exit.
func (p *Processor) releaseLock(lock *database.ProcessingLock) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.catalog.ReleaseProcessingLock(ctx, lock); err != nil {
		logging.Warn("worker: failed to release processing lock for %s: %v", lock.AssetID, err)
	}
}
