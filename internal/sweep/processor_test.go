package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"photoflow/internal/database"
)

type fakeCatalog struct {
	referenced map[string]bool
	assets     map[string]*database.MediaAsset
}

func (c *fakeCatalog) ExistsByRelativePath(_ context.Context, relativePath string) (bool, error) {
	return c.referenced[relativePath], nil
}

func (c *fakeCatalog) FindByID(_ context.Context, assetID string) (*database.MediaAsset, error) {
	return c.assets[assetID], nil
}

func writeAgedFile(t *testing.T, root, relativePath string, age time.Duration) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("failed to create dir for %s: %v", relativePath, err)
	}
	if err := os.WriteFile(abs, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", relativePath, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(abs, mtime, mtime); err != nil {
		t.Fatalf("failed to age %s: %v", relativePath, err)
	}
	return abs
}

func boolPtr(v bool) *bool {
	return &v
}

func TestSweepInvalidScope(t *testing.T) {
	p := NewProcessor(t.TempDir(), t.TempDir(), &fakeCatalog{})
	_, err := p.Sweep(context.Background(), Payload{Scope: "everything"})
	if !errors.Is(err, ErrInvalidScope) {
		t.Errorf("Sweep() error = %v, want ErrInvalidScope", err)
	}
}

func TestSweepMissingRoot(t *testing.T) {
	p := NewProcessor(filepath.Join(t.TempDir(), "never-created"), t.TempDir(), &fakeCatalog{})
	result, err := p.Sweep(context.Background(), Payload{Scope: ScopeOriginals})
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}
	if result.ScannedCount != 0 || result.OrphanCandidateCount != 0 {
		t.Errorf("missing root should scan nothing, got %+v", result)
	}
}

func TestSweepOriginalsDryRun(t *testing.T) {
	root := t.TempDir()
	writeAgedFile(t, root, "2026/02/kept.jpg", 24*time.Hour)
	orphanAbs := writeAgedFile(t, root, "2026/02/orphan.jpg", 24*time.Hour)
	writeAgedFile(t, root, "2026/02/recent.jpg", time.Minute)

	catalog := &fakeCatalog{referenced: map[string]bool{"2026/02/kept.jpg": true}}
	p := NewProcessor(root, t.TempDir(), catalog)

	result, err := p.Sweep(context.Background(), Payload{Scope: ScopeOriginals})
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}

	if !result.DryRun {
		t.Error("DryRun should default to true")
	}
	if result.ScannedCount != 3 {
		t.Errorf("ScannedCount = %d, want 3", result.ScannedCount)
	}
	if result.SkippedReferencedCount != 1 {
		t.Errorf("SkippedReferencedCount = %d, want 1", result.SkippedReferencedCount)
	}
	if result.SkippedRecentCount != 1 {
		t.Errorf("SkippedRecentCount = %d, want 1", result.SkippedRecentCount)
	}
	if result.OrphanCandidateCount != 1 {
		t.Errorf("OrphanCandidateCount = %d, want 1", result.OrphanCandidateCount)
	}
	if result.DeletedCount != 0 {
		t.Errorf("DeletedCount = %d, want 0 in dry run", result.DeletedCount)
	}
	if _, err := os.Stat(orphanAbs); err != nil {
		t.Errorf("dry run must not touch files: %v", err)
	}
}

func TestSweepOriginalsDestructive(t *testing.T) {
	root := t.TempDir()
	keptAbs := writeAgedFile(t, root, "kept.jpg", 24*time.Hour)
	orphanAbs := writeAgedFile(t, root, "orphan.jpg", 24*time.Hour)

	catalog := &fakeCatalog{referenced: map[string]bool{"kept.jpg": true}}
	p := NewProcessor(root, t.TempDir(), catalog)

	result, err := p.Sweep(context.Background(), Payload{Scope: ScopeOriginals, DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}

	if result.DeletedCount != 1 {
		t.Errorf("DeletedCount = %d, want 1", result.DeletedCount)
	}
	if len(result.SampledDeletes) != 1 || result.SampledDeletes[0] != "orphan.jpg" {
		t.Errorf("SampledDeletes = %v, want [orphan.jpg]", result.SampledDeletes)
	}
	if _, err := os.Stat(orphanAbs); !errors.Is(err, os.ErrNotExist) {
		t.Error("orphan should be deleted")
	}
	if _, err := os.Stat(keptAbs); err != nil {
		t.Errorf("referenced file must survive: %v", err)
	}
}

func TestSweepGracePeriod(t *testing.T) {
	root := t.TempDir()
	writeAgedFile(t, root, "fresh-orphan.jpg", 30*time.Minute)

	p := NewProcessor(root, t.TempDir(), &fakeCatalog{})

	result, err := p.Sweep(context.Background(), Payload{
		Scope:   ScopeOriginals,
		DryRun:  boolPtr(false),
		GraceMs: int64(time.Hour / time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}
	if result.SkippedRecentCount != 1 || result.DeletedCount != 0 {
		t.Errorf("file inside grace must be kept, got %+v", result)
	}
}

func TestSweepBatchLimit(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"} {
		writeAgedFile(t, root, name, 24*time.Hour)
	}

	p := NewProcessor(root, t.TempDir(), &fakeCatalog{})
	result, err := p.Sweep(context.Background(), Payload{Scope: ScopeOriginals, BatchSize: 3})
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}
	if result.ScannedCount != 3 {
		t.Errorf("ScannedCount = %d, want batch bound 3", result.ScannedCount)
	}
}

func TestSweepDerivedScope(t *testing.T) {
	const liveID = "3f1c2d84-5a6b-4c7d-8e9f-0a1b2c3d4e5f"
	const goneID = "9b8a7c6d-5e4f-4a3b-2c1d-0e9f8a7b6c5d"

	derived := t.TempDir()
	// Canonical artifact of a live asset.
	canonicalAbs := writeAgedFile(t, derived, "2026/02/"+liveID+"-thumb.webp", 24*time.Hour)
	// Legacy-named duplicate of the same live asset.
	writeAgedFile(t, derived, "2026/02/"+liveID+"-preview320.jpeg", 24*time.Hour)
	// Artifact of a deleted asset.
	writeAgedFile(t, derived, "2026/02/"+goneID+"-small.webp", 24*time.Hour)
	// Not an artifact name at all.
	strayAbs := writeAgedFile(t, derived, "2026/02/notes.txt", 24*time.Hour)

	catalog := &fakeCatalog{
		assets: map[string]*database.MediaAsset{
			liveID: {ID: liveID, RelativePath: "2026/02/photo.jpg"},
		},
	}
	p := NewProcessor(t.TempDir(), derived, catalog)

	result, err := p.Sweep(context.Background(), Payload{Scope: ScopeDerived, DryRun: boolPtr(false)})
	if err != nil {
		t.Fatalf("Sweep() unexpected error: %v", err)
	}

	if result.ScannedCount != 4 {
		t.Errorf("ScannedCount = %d, want 4", result.ScannedCount)
	}
	// Canonical artifact and the unparseable filename are both left alone.
	if result.SkippedReferencedCount != 2 {
		t.Errorf("SkippedReferencedCount = %d, want 2", result.SkippedReferencedCount)
	}
	if result.DuplicateDerivedCount != 1 {
		t.Errorf("DuplicateDerivedCount = %d, want 1", result.DuplicateDerivedCount)
	}
	// The duplicate and the dead asset's artifact are deleted.
	if result.DeletedCount != 2 {
		t.Errorf("DeletedCount = %d, want 2", result.DeletedCount)
	}
	if _, err := os.Stat(canonicalAbs); err != nil {
		t.Errorf("canonical artifact must survive: %v", err)
	}
	if _, err := os.Stat(strayAbs); err != nil {
		t.Errorf("non-artifact file must survive: %v", err)
	}
}

func TestSweepDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	writeAgedFile(t, root, "b/two.jpg", 24*time.Hour)
	writeAgedFile(t, root, "a/one.jpg", 24*time.Hour)
	writeAgedFile(t, root, "zero.jpg", 24*time.Hour)

	files, err := listFilesSorted(root, 10)
	if err != nil {
		t.Fatalf("listFilesSorted() unexpected error: %v", err)
	}

	want := []string{"a/one.jpg", "b/two.jpg", "zero.jpg"}
	if len(files) != len(want) {
		t.Fatalf("listed %d files, want %d", len(files), len(want))
	}
	for i, entry := range files {
		if entry.relativePath != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, entry.relativePath, want[i])
		}
	}
}
