package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"photoflow/internal/metadata"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Asset status values. Transitions out of processing are guarded: they only
// apply while the persisted status is still processing.
const (
	StatusProcessing = "processing"
	StatusReady      = "ready"
	StatusFailed     = "failed"
)

// MediaAsset is one catalog row for an uploaded original.
type MediaAsset struct {
	ID           string
	OwnerID      string
	RelativePath string
	MimeType     string
	Checksum     string
	Status       string
	DeletedSoft  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const mediaColumns = "id, owner_id, relative_path, COALESCE(mime_type, ''), COALESCE(checksum_sha256, ''), status, deleted_soft, created_at, updated_at"

func scanMediaAsset(row pgx.Row) (*MediaAsset, error) {
	var asset MediaAsset
	err := row.Scan(&asset.ID, &asset.OwnerID, &asset.RelativePath, &asset.MimeType,
		&asset.Checksum, &asset.Status, &asset.DeletedSoft, &asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// FindByID returns the asset or nil when no row exists.
func (d *Database) FindByID(ctx context.Context, assetID string) (*MediaAsset, error) {
	row := d.pool.QueryRow(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE id = $1", assetID)

	asset, err := scanMediaAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load media %s: %w", assetID, err)
	}
	return asset, nil
}

// ExistsByRelativePath reports whether any asset references the given
// storage-relative path.
func (d *Database) ExistsByRelativePath(ctx context.Context, relativePath string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM media WHERE relative_path = $1)", relativePath).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check relative path: %w", err)
	}
	return exists, nil
}

// setStatusIfProcessing performs the guarded transition and reports whether a
// row actually changed.
func (d *Database) setStatusIfProcessing(ctx context.Context, assetID, status string) (bool, error) {
	tag, err := d.pool.Exec(ctx,
		`UPDATE media SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status = $3`,
		assetID, status, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to set status %s for %s: %w", status, assetID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetReadyIfProcessing marks an asset ready, only while it is still
// processing.
func (d *Database) SetReadyIfProcessing(ctx context.Context, assetID string) (bool, error) {
	return d.setStatusIfProcessing(ctx, assetID, StatusReady)
}

// SetFailedIfProcessing marks an asset failed, only while it is still
// processing.
func (d *Database) SetFailedIfProcessing(ctx context.Context, assetID string) (bool, error) {
	return d.setStatusIfProcessing(ctx, assetID, StatusFailed)
}

// MetadataRecord carries one extraction result for persistence.
type MetadataRecord struct {
	AssetID    string
	TakenAt    time.Time
	UploadedAt time.Time
	Width      int
	Height     int
	Location   *metadata.Location
	Attributes metadata.Attributes
}

// UpsertMetadata inserts or merges the metadata row. The merge coalesces on
// write: a re-extraction that yields no value for a field never erases a
// previously stored one.
func (d *Database) UpsertMetadata(ctx context.Context, record MetadataRecord) error {
	var locationJSON []byte
	if record.Location != nil {
		locationJSON, _ = json.Marshal(record.Location)
	}

	var attrsJSON []byte
	if record.Attributes.Image != nil || record.Attributes.Video != nil {
		attrsJSON, _ = json.Marshal(record.Attributes)
	}

	var takenAt *time.Time
	if !record.TakenAt.IsZero() {
		t := record.TakenAt
		takenAt = &t
	}

	var width, height *int
	if record.Width > 0 {
		width = &record.Width
	}
	if record.Height > 0 {
		height = &record.Height
	}

	_, err := d.pool.Exec(ctx,
		`INSERT INTO media_metadata (media_id, taken_at, uploaded_at, width, height, location_json, attrs_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (media_id) DO UPDATE SET
		   taken_at = COALESCE(EXCLUDED.taken_at, media_metadata.taken_at),
		   uploaded_at = COALESCE(media_metadata.uploaded_at, EXCLUDED.uploaded_at),
		   width = COALESCE(EXCLUDED.width, media_metadata.width),
		   height = COALESCE(EXCLUDED.height, media_metadata.height),
		   location_json = COALESCE(EXCLUDED.location_json, media_metadata.location_json),
		   attrs_json = COALESCE(EXCLUDED.attrs_json, media_metadata.attrs_json),
		   updated_at = NOW()`,
		record.AssetID, takenAt, record.UploadedAt, width, height, locationJSON, attrsJSON)
	if err != nil {
		return fmt.Errorf("failed to upsert metadata for %s: %w", record.AssetID, err)
	}
	return nil
}

// ProcessingLock is a held per-asset lock. The advisory lock lives on the
// connection pinned inside the handle, so release must go through the same
// handle and never re-derives the lock from ambient state.
type ProcessingLock struct {
	AssetID string

	conn     *pgxpool.Conn
	mu       sync.Mutex
	released bool
}

// AcquireProcessingLock attempts to take the per-asset advisory lock. With
// tryOnly it returns (nil, nil) immediately when the lock is busy instead of
// blocking.
func (d *Database) AcquireProcessingLock(ctx context.Context, assetID string, tryOnly bool) (*ProcessingLock, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock connection: %w", err)
	}

	if tryOnly {
		var acquired bool
		if err := conn.QueryRow(ctx,
			"SELECT pg_try_advisory_lock(hashtext($1))", assetID).Scan(&acquired); err != nil {
			conn.Release()
			return nil, fmt.Errorf("failed to try processing lock for %s: %w", assetID, err)
		}
		if !acquired {
			conn.Release()
			return nil, nil
		}
		return &ProcessingLock{AssetID: assetID, conn: conn}, nil
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext($1))", assetID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to take processing lock for %s: %w", assetID, err)
	}
	return &ProcessingLock{AssetID: assetID, conn: conn}, nil
}

// ReleaseProcessingLock releases the advisory lock and returns its connection
// to the pool. Safe to call more than once.
func (d *Database) ReleaseProcessingLock(ctx context.Context, lock *ProcessingLock) error {
	if lock == nil {
		return nil
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	if lock.released {
		return nil
	}
	lock.released = true

	defer lock.conn.Release()
	if _, err := lock.conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", lock.AssetID); err != nil {
		return fmt.Errorf("failed to release processing lock for %s: %w", lock.AssetID, err)
	}
	return nil
}

// FindCleanupCandidate loads an asset for cleanup processing, scoped to its
// owner. Returns nil when the row no longer exists.
func (d *Database) FindCleanupCandidate(ctx context.Context, assetID, ownerID string) (*MediaAsset, error) {
	row := d.pool.QueryRow(ctx,
		"SELECT "+mediaColumns+" FROM media WHERE id = $1 AND owner_id = $2", assetID, ownerID)

	asset, err := scanMediaAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cleanup candidate %s: %w", assetID, err)
	}
	return asset, nil
}

// HardDeleteIfStillSoftDeleted removes the catalog row (metadata cascades)
// only if the asset is still soft-deleted, guarding against a concurrent
// restore.
func (d *Database) HardDeleteIfStillSoftDeleted(ctx context.Context, assetID, ownerID string) (bool, error) {
	tag, err := d.pool.Exec(ctx,
		"DELETE FROM media WHERE id = $1 AND owner_id = $2 AND deleted_soft = TRUE",
		assetID, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to hard delete media %s: %w", assetID, err)
	}
	return tag.RowsAffected() > 0, nil
}
