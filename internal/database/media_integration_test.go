package database

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"photoflow/internal/metadata"

	"github.com/google/uuid"
)

// setupTestDB connects to the database named by TEST_DATABASE_URL and runs
// migrations. Tests are skipped when no test database is configured.
func setupTestDB(t testing.TB) *Database {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	db, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func insertTestAsset(t testing.TB, db *Database, status string, deletedSoft bool) *MediaAsset {
	t.Helper()

	asset := &MediaAsset{
		ID:           uuid.NewString(),
		OwnerID:      uuid.NewString(),
		RelativePath: "2026/08/" + uuid.NewString() + ".jpg",
		MimeType:     "image/jpeg",
		Status:       status,
		DeletedSoft:  deletedSoft,
	}
	_, err := db.pool.Exec(context.Background(),
		`INSERT INTO media (id, owner_id, relative_path, mime_type, status, deleted_soft)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		asset.ID, asset.OwnerID, asset.RelativePath, asset.MimeType, asset.Status, asset.DeletedSoft)
	if err != nil {
		t.Fatalf("Failed to insert test asset: %v", err)
	}
	return asset
}

func TestSetReadyIfProcessingIntegration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := insertTestAsset(t, db, StatusProcessing, false)

	changed, err := db.SetReadyIfProcessing(ctx, asset.ID)
	if err != nil {
		t.Fatalf("SetReadyIfProcessing failed: %v", err)
	}
	if !changed {
		t.Fatal("Expected transition from processing to ready")
	}

	loaded, err := db.FindByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if loaded == nil || loaded.Status != StatusReady {
		t.Fatalf("Expected status ready, got %+v", loaded)
	}

	// The guard must refuse once the asset has left processing.
	changed, err = db.SetReadyIfProcessing(ctx, asset.ID)
	if err != nil {
		t.Fatalf("SetReadyIfProcessing failed: %v", err)
	}
	if changed {
		t.Error("SetReadyIfProcessing must not apply to a ready asset")
	}

	changed, err = db.SetFailedIfProcessing(ctx, asset.ID)
	if err != nil {
		t.Fatalf("SetFailedIfProcessing failed: %v", err)
	}
	if changed {
		t.Error("SetFailedIfProcessing must not apply to a ready asset")
	}

	loaded, err = db.FindByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if loaded.Status != StatusReady {
		t.Errorf("Status changed to %s after refused transitions", loaded.Status)
	}
}

func TestSetFailedIfProcessingIntegration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := insertTestAsset(t, db, StatusProcessing, false)

	changed, err := db.SetFailedIfProcessing(ctx, asset.ID)
	if err != nil {
		t.Fatalf("SetFailedIfProcessing failed: %v", err)
	}
	if !changed {
		t.Fatal("Expected transition from processing to failed")
	}

	loaded, err := db.FindByID(ctx, asset.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if loaded.Status != StatusFailed {
		t.Fatalf("Expected status failed, got %s", loaded.Status)
	}

	changed, err = db.SetReadyIfProcessing(ctx, asset.ID)
	if err != nil {
		t.Fatalf("SetReadyIfProcessing failed: %v", err)
	}
	if changed {
		t.Error("SetReadyIfProcessing must not apply to a failed asset")
	}
}

func TestUpsertMetadataMergeIntegration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	asset := insertTestAsset(t, db, StatusProcessing, false)

	takenAt := time.Date(2025, 6, 14, 9, 30, 0, 0, time.UTC)
	uploadedAt := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	err := db.UpsertMetadata(ctx, MetadataRecord{
		AssetID:    asset.ID,
		TakenAt:    takenAt,
		UploadedAt: uploadedAt,
		Width:      4032,
		Height:     3024,
		Location:   &metadata.Location{Lat: 48.8584, Lon: 2.2945},
		Attributes: metadata.Attributes{Image: &metadata.ImageAttributes{Make: "Canon"}},
	})
	if err != nil {
		t.Fatalf("UpsertMetadata failed: %v", err)
	}

	// A re-extraction that yields nothing must not erase stored values.
	err = db.UpsertMetadata(ctx, MetadataRecord{
		AssetID:    asset.ID,
		UploadedAt: uploadedAt.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Second UpsertMetadata failed: %v", err)
	}

	var gotTaken, gotUploaded *time.Time
	var gotWidth, gotHeight *int
	var locationJSON, attrsJSON []byte
	err = db.pool.QueryRow(ctx,
		`SELECT taken_at, uploaded_at, width, height, location_json, attrs_json
		 FROM media_metadata WHERE media_id = $1`, asset.ID).
		Scan(&gotTaken, &gotUploaded, &gotWidth, &gotHeight, &locationJSON, &attrsJSON)
	if err != nil {
		t.Fatalf("Failed to read metadata row: %v", err)
	}

	if gotTaken == nil || !gotTaken.Equal(takenAt) {
		t.Errorf("taken_at = %v, want preserved %v", gotTaken, takenAt)
	}
	if gotUploaded == nil || !gotUploaded.Equal(uploadedAt) {
		t.Errorf("uploaded_at = %v, want original %v", gotUploaded, uploadedAt)
	}
	if gotWidth == nil || *gotWidth != 4032 || gotHeight == nil || *gotHeight != 3024 {
		t.Errorf("dimensions = %v x %v, want preserved 4032 x 3024", gotWidth, gotHeight)
	}

	var loc metadata.Location
	if err := json.Unmarshal(locationJSON, &loc); err != nil {
		t.Fatalf("Failed to decode stored location: %v", err)
	}
	if loc.Lat != 48.8584 || loc.Lon != 2.2945 {
		t.Errorf("location = %+v, want preserved coordinates", loc)
	}

	var attrs metadata.Attributes
	if err := json.Unmarshal(attrsJSON, &attrs); err != nil {
		t.Fatalf("Failed to decode stored attributes: %v", err)
	}
	if attrs.Image == nil || attrs.Image.Make != "Canon" {
		t.Errorf("attributes = %+v, want preserved image attributes", attrs)
	}

	// New values from a later extraction do replace stored ones.
	newTaken := takenAt.Add(-time.Hour)
	err = db.UpsertMetadata(ctx, MetadataRecord{
		AssetID:    asset.ID,
		TakenAt:    newTaken,
		UploadedAt: uploadedAt,
		Width:      1920,
		Height:     1080,
	})
	if err != nil {
		t.Fatalf("Third UpsertMetadata failed: %v", err)
	}

	err = db.pool.QueryRow(ctx,
		"SELECT taken_at, width FROM media_metadata WHERE media_id = $1", asset.ID).
		Scan(&gotTaken, &gotWidth)
	if err != nil {
		t.Fatalf("Failed to re-read metadata row: %v", err)
	}
	if gotTaken == nil || !gotTaken.Equal(newTaken) {
		t.Errorf("taken_at = %v, want updated %v", gotTaken, newTaken)
	}
	if gotWidth == nil || *gotWidth != 1920 {
		t.Errorf("width = %v, want updated 1920", gotWidth)
	}
}

func TestAcquireProcessingLockIntegration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	assetID := uuid.NewString()

	lock, err := db.AcquireProcessingLock(ctx, assetID, true)
	if err != nil {
		t.Fatalf("AcquireProcessingLock failed: %v", err)
	}
	if lock == nil {
		t.Fatal("Expected lock to be acquired")
	}

	busy, err := db.AcquireProcessingLock(ctx, assetID, true)
	if err != nil {
		t.Fatalf("Second AcquireProcessingLock failed: %v", err)
	}
	if busy != nil {
		_ = db.ReleaseProcessingLock(ctx, busy)
		t.Fatal("Lock must not be acquirable while held")
	}

	if err := db.ReleaseProcessingLock(ctx, lock); err != nil {
		t.Fatalf("ReleaseProcessingLock failed: %v", err)
	}
	// Releasing twice is a no-op.
	if err := db.ReleaseProcessingLock(ctx, lock); err != nil {
		t.Fatalf("Repeated ReleaseProcessingLock failed: %v", err)
	}

	again, err := db.AcquireProcessingLock(ctx, assetID, true)
	if err != nil {
		t.Fatalf("Reacquire failed: %v", err)
	}
	if again == nil {
		t.Fatal("Expected lock to be acquirable after release")
	}
	_ = db.ReleaseProcessingLock(ctx, again)
}

func TestHardDeleteIfStillSoftDeletedIntegration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	softDeleted := insertTestAsset(t, db, StatusReady, true)
	deleted, err := db.HardDeleteIfStillSoftDeleted(ctx, softDeleted.ID, softDeleted.OwnerID)
	if err != nil {
		t.Fatalf("HardDeleteIfStillSoftDeleted failed: %v", err)
	}
	if !deleted {
		t.Fatal("Expected soft-deleted asset to be removed")
	}
	if loaded, _ := db.FindByID(ctx, softDeleted.ID); loaded != nil {
		t.Error("Asset row still present after hard delete")
	}

	// A restored asset survives the guarded delete.
	restored := insertTestAsset(t, db, StatusReady, false)
	deleted, err = db.HardDeleteIfStillSoftDeleted(ctx, restored.ID, restored.OwnerID)
	if err != nil {
		t.Fatalf("HardDeleteIfStillSoftDeleted failed: %v", err)
	}
	if deleted {
		t.Fatal("Restored asset must not be deleted")
	}
	if loaded, _ := db.FindByID(ctx, restored.ID); loaded == nil {
		t.Error("Restored asset row missing")
	}
}
