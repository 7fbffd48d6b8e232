package sweep

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"photoflow/internal/database"
	"photoflow/internal/logging"
	"photoflow/internal/metrics"
	"photoflow/internal/paths"
)

// Sweep scopes. Each scope is swept by a separate job invocation.
const (
	ScopeOriginals = "originals"
	ScopeDerived   = "derived"
)

const (
	DefaultGraceMs   = int64(6 * 60 * 60 * 1000)
	DefaultBatchSize = 1000

	sampledDeleteLimit = 25
)

// ErrInvalidScope reports a sweep payload naming an unknown scope.
var ErrInvalidScope = errors.New("sweep scope must be 'originals' or 'derived'")

// Payload is the orphan sweep job message. DryRun defaults to true when
// absent so a malformed trigger can never destroy files.
type Payload struct {
	Scope       string    `json:"scope"`
	DryRun      *bool     `json:"dryRun,omitempty"`
	GraceMs     int64     `json:"graceMs,omitempty"`
	BatchSize   int       `json:"batchSize,omitempty"`
	RequestID   string    `json:"requestId,omitempty"`
	Trigger     string    `json:"trigger,omitempty"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
}

// Result carries the sweep classification counts. Dry-run and destructive
// runs produce the same shape; only DeletedCount reflects real deletions.
type Result struct {
	Scope                  string   `json:"scope"`
	DryRun                 bool     `json:"dryRun"`
	ScannedCount           int      `json:"scannedCount"`
	OrphanCandidateCount   int      `json:"orphanCandidateCount"`
	DeletedCount           int      `json:"deletedCount"`
	SkippedRecentCount     int      `json:"skippedRecentCount"`
	SkippedReferencedCount int      `json:"skippedReferencedCount"`
	DuplicateDerivedCount  int      `json:"duplicateDerivedCount"`
	SampledDeletes         []string `json:"-"`
}

// Catalog is the slice of the media catalog the sweep consults.
type Catalog interface {
	ExistsByRelativePath(ctx context.Context, relativePath string) (bool, error)
	FindByID(ctx context.Context, assetID string) (*database.MediaAsset, error)
}

// Processor reconciles a storage root against the catalog and deletes
// unreferenced files past the grace period.
type Processor struct {
	originalsRoot string
	derivedRoot   string
	catalog       Catalog
	now           func() time.Time
}

func NewProcessor(originalsRoot, derivedRoot string, catalog Catalog) *Processor {
	return &Processor{
		originalsRoot: originalsRoot,
		derivedRoot:   derivedRoot,
		catalog:       catalog,
		now:           time.Now,
	}
}

type fileEntry struct {
	relativePath string
	absolutePath string
}

// Sweep runs one scan over the scope root. Correctness against in-flight
// generation comes entirely from the grace period; sweep takes no locks.
func (p *Processor) Sweep(ctx context.Context, payload Payload) (Result, error) {
	if payload.Scope != ScopeOriginals && payload.Scope != ScopeDerived {
		return Result{}, fmt.Errorf("%w: got %q", ErrInvalidScope, payload.Scope)
	}

	dryRun := true
	if payload.DryRun != nil {
		dryRun = *payload.DryRun
	}
	graceMs := payload.GraceMs
	if graceMs <= 0 {
		graceMs = DefaultGraceMs
	}
	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	root := p.originalsRoot
	if payload.Scope == ScopeDerived {
		root = p.derivedRoot
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve sweep root: %w", err)
	}

	files, err := listFilesSorted(rootAbs, batchSize)
	if err != nil {
		return Result{}, err
	}

	result := Result{Scope: payload.Scope, DryRun: dryRun}
	now := p.now()

	// Per-asset lookups and canonical sets are memoized across the batch.
	assetsByID := map[string]*database.MediaAsset{}
	canonicalByID := map[string]map[string]struct{}{}

	for _, entry := range files {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.ScannedCount++

		referenced, err := p.isReferenced(ctx, payload.Scope, entry, assetsByID, canonicalByID, &result)
		if err != nil {
			return result, err
		}
		if referenced {
			result.SkippedReferencedCount++
			continue
		}

		old, err := olderThanGrace(entry.absolutePath, graceMs, now)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return result, err
		}
		if !old {
			result.SkippedRecentCount++
			continue
		}

		result.OrphanCandidateCount++
		if dryRun {
			continue
		}

		if err := os.Remove(entry.absolutePath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return result, fmt.Errorf("failed to delete orphan %s: %w", entry.relativePath, err)
		}
		result.DeletedCount++
		if len(result.SampledDeletes) < sampledDeleteLimit {
			result.SampledDeletes = append(result.SampledDeletes, entry.relativePath)
		}
	}

	mode := "destructive"
	if dryRun {
		mode = "dry-run"
	}
	metrics.SweepRunsTotal.WithLabelValues(payload.Scope, mode).Inc()
	metrics.SweepFilesScanned.WithLabelValues(payload.Scope).Add(float64(result.ScannedCount))
	metrics.SweepFilesDeleted.WithLabelValues(payload.Scope).Add(float64(result.DeletedCount))
	metrics.SweepLastRunTimestamp.WithLabelValues(payload.Scope).Set(float64(p.now().Unix()))

	logging.Info("sweep: %s scope=%s dryRun=%v scanned=%d candidates=%d deleted=%d skippedRecent=%d skippedReferenced=%d duplicates=%d sampled=%v",
		payload.RequestID, payload.Scope, dryRun, result.ScannedCount, result.OrphanCandidateCount,
		result.DeletedCount, result.SkippedRecentCount, result.SkippedReferencedCount,
		result.DuplicateDerivedCount, result.SampledDeletes)

	return result, nil
}

// isReferenced decides whether the catalog still references the file. In the
// derived scope a parseable artifact whose asset exists but whose path falls
// outside the canonical set counts as a duplicate.
func (p *Processor) isReferenced(ctx context.Context, scope string, entry fileEntry, assetsByID map[string]*database.MediaAsset, canonicalByID map[string]map[string]struct{}, result *Result) (bool, error) {
	if scope == ScopeOriginals {
		exists, err := p.catalog.ExistsByRelativePath(ctx, entry.relativePath)
		if err != nil {
			return false, err
		}
		return exists, nil
	}

	artifact := paths.ParseDerivedArtifact(entry.relativePath)
	if artifact == nil {
		// Not an artifact filename; leave it alone.
		return true, nil
	}

	asset, seen := assetsByID[artifact.AssetID]
	if !seen {
		var err error
		asset, err = p.catalog.FindByID(ctx, artifact.AssetID)
		if err != nil {
			return false, err
		}
		assetsByID[artifact.AssetID] = asset
	}
	if asset == nil {
		return false, nil
	}

	canonical, ok := canonicalByID[artifact.AssetID]
	if !ok {
		canonical = paths.CanonicalDerivedPathSet(asset.RelativePath, asset.ID)
		canonicalByID[artifact.AssetID] = canonical
	}

	if _, member := canonical[entry.relativePath]; member {
		return true, nil
	}
	result.DuplicateDerivedCount++
	return false, nil
}

// listFilesSorted walks the root deterministically (sorted entries) and stops
// once the limit is reached. A missing root yields zero files.
func listFilesSorted(rootAbs string, limit int) ([]fileEntry, error) {
	var collected []fileEntry

	var walk func(absDir, relDir string) error
	walk = func(absDir, relDir string) error {
		if len(collected) >= limit {
			return nil
		}

		entries, err := os.ReadDir(absDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to list %s: %w", absDir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if len(collected) >= limit {
				return nil
			}

			rel := entry.Name()
			if relDir != "" {
				rel = relDir + "/" + rel
			}
			abs := filepath.Join(absDir, entry.Name())

			if entry.IsDir() {
				if err := walk(abs, rel); err != nil {
					return err
				}
			} else if entry.Type().IsRegular() {
				collected = append(collected, fileEntry{
					relativePath: paths.NormalizeForStorage(rel),
					absolutePath: abs,
				})
			}
		}
		return nil
	}

	if err := walk(rootAbs, ""); err != nil {
		return nil, err
	}
	return collected, nil
}

func olderThanGrace(absolutePath string, graceMs int64, now time.Time) (bool, error) {
	info, err := os.Stat(absolutePath)
	if err != nil {
		return false, err
	}
	return now.Sub(info.ModTime()) >= time.Duration(graceMs)*time.Millisecond, nil
}
