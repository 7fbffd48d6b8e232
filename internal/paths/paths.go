// Package paths maps catalog-relative storage paths to absolute filesystem
// paths and defines the canonical naming scheme for derivative artifacts.
package paths

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ErrPathEscapesRoot is returned when a relative path resolves outside of the
// configured storage root.
var ErrPathEscapesRoot = errors.New("resolved path escapes root directory")

// Variant identifies one derivative artifact flavor of an asset.
type Variant string

const (
	// VariantThumb is the square cover-cropped thumbnail.
	VariantThumb Variant = "thumb"
	// VariantSmall is the bounded-box preview.
	VariantSmall Variant = "small"
	// VariantPlayback is the transcoded playback file for motion media.
	VariantPlayback Variant = "playback"
)

// DerivedImageExtension is the container for thumb/small artifacts.
const DerivedImageExtension = "webp"

// canonicalArtifactPattern matches the two-token derivative naming scheme:
// {assetId}-{variant}.{ext} with a known variant and extension.
var canonicalArtifactPattern = regexp.MustCompile(`^([0-9a-f-]{36})-(thumb|small|playback)\.(webp|webm|mp4)$`)

// legacyArtifactPattern matches older derivative names that still embed an
// asset id but use a free-form variant token.
var legacyArtifactPattern = regexp.MustCompile(`^([0-9a-f-]{36})-([^.]+)\.([^./]+)$`)

// NormalizeForStorage converts a filesystem path to the forward-slash form
// stored in the catalog.
func NormalizeForStorage(relativePath string) string {
	return strings.ReplaceAll(relativePath, string(filepath.Separator), "/")
}

// ResolveAbsolute joins a storage-relative path onto root and verifies the
// result stays inside root.
func ResolveAbsolute(root, relativePath string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	joined := filepath.Join(absRoot, filepath.FromSlash(relativePath))
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", relativePath, err)
	}

	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(filepath.Separator)) {
		return "", ErrPathEscapesRoot
	}

	return abs, nil
}

// BuildDerivativeRelativePath returns the canonical storage-relative path for
// one derivative artifact: {dir of original}/{assetId}-{variant}.{ext}.
func BuildDerivativeRelativePath(assetRelativePath, assetID string, variant Variant, extension string) string {
	normalized := strings.ReplaceAll(assetRelativePath, "\\", "/")
	dir := path.Dir(normalized)
	return fmt.Sprintf("%s/%s-%s.%s", dir, assetID, variant, extension)
}

// DerivedArtifact describes a derivative filename parsed back into its parts.
type DerivedArtifact struct {
	AssetID   string
	Variant   string
	Extension string
	Canonical bool
}

// isAssetIDToken reports whether a filename token is a well-formed asset id.
func isAssetIDToken(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

// ParseDerivedArtifact parses a derived filename into {assetId, variant, ext}.
// It accepts both the canonical two-token suffix and the legacy free-form
// variant token, and returns (nil) for names that embed no asset id at all.
func ParseDerivedArtifact(relativePath string) *DerivedArtifact {
	base := path.Base(NormalizeForStorage(relativePath))
	lowered := strings.ToLower(base)

	if m := canonicalArtifactPattern.FindStringSubmatch(lowered); m != nil && isAssetIDToken(m[1]) {
		return &DerivedArtifact{AssetID: m[1], Variant: m[2], Extension: m[3], Canonical: true}
	}

	if m := legacyArtifactPattern.FindStringSubmatch(lowered); m != nil && isAssetIDToken(m[1]) {
		return &DerivedArtifact{AssetID: m[1], Variant: m[2], Extension: m[3]}
	}

	return nil
}

// CanonicalDerivedPathSet returns every storage-relative path a derivative of
// the given asset is allowed to occupy. Playback is listed for both supported
// containers so a profile change never orphans the previous transcode.
func CanonicalDerivedPathSet(assetRelativePath, assetID string) map[string]struct{} {
	id := strings.ToLower(assetID)
	rel := NormalizeForStorage(assetRelativePath)

	set := make(map[string]struct{}, 4)
	set[BuildDerivativeRelativePath(rel, id, VariantThumb, DerivedImageExtension)] = struct{}{}
	set[BuildDerivativeRelativePath(rel, id, VariantSmall, DerivedImageExtension)] = struct{}{}
	set[BuildDerivativeRelativePath(rel, id, VariantPlayback, "webm")] = struct{}{}
	set[BuildDerivativeRelativePath(rel, id, VariantPlayback, "mp4")] = struct{}{}
	return set
}
