// Package derivatives generates the viewable artifacts for an asset: a
// square thumbnail, a bounded preview, and for motion media a transcoded
// playback file. Every write is write-then-publish so a failed generation
// never corrupts a previously valid derivative.
package derivatives

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"photoflow/internal/logging"
	"photoflow/internal/mediatypes"
	"photoflow/internal/metrics"
	"photoflow/internal/paths"
	"photoflow/internal/profile"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	_ "golang.org/x/image/webp"
)

const (
	thumbSize    = 320
	smallSize    = 1280
	webpQuality  = 82
	posterOffset = "00:00:01"
)

// ErrUnsupportedMedia marks a source that is neither a decodable image nor a
// decodable video. This is a hard processing failure.
var ErrUnsupportedMedia = errors.New("source is neither an image nor a video")

// Artifact describes one generated derivative.
type Artifact struct {
	Variant      paths.Variant `json:"variant"`
	RelativePath string        `json:"relativePath"`
	AbsolutePath string        `json:"absolutePath"`
}

// Input describes one generation request.
type Input struct {
	AssetID      string
	RelativePath string
	MimeType     string
	Profile      profile.Profile
}

// Generator produces derivative artifacts under the derived storage root.
type Generator struct {
	originalsRoot  string
	derivedRoot    string
	encodeTimeout  time.Duration
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New creates a Generator. encodeTimeout bounds each external ffmpeg
// invocation so a wedged encode cannot hold a worker slot forever.
func New(originalsRoot, derivedRoot string, encodeTimeout time.Duration) *Generator {
	return &Generator{
		originalsRoot:  originalsRoot,
		derivedRoot:    derivedRoot,
		encodeTimeout:  encodeTimeout,
		commandContext: exec.CommandContext,
	}
}

// Generate produces every derivative for the asset: thumb+small for images,
// thumb+small+playback for motion media.
func (g *Generator) Generate(ctx context.Context, in Input) ([]Artifact, error) {
	sourcePath, err := paths.ResolveAbsolute(g.originalsRoot, in.RelativePath)
	if err != nil {
		return nil, err
	}

	kind := mediatypes.DetectKind(in.RelativePath, in.MimeType)
	if kind == mediatypes.KindUnknown {
		// Extension and mime type were inconclusive; a decodable video stream
		// still qualifies the file for the motion pipeline.
		if g.hasVideoStream(ctx, sourcePath) {
			kind = mediatypes.KindVideo
		} else {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, in.RelativePath)
		}
	}

	switch kind {
	case mediatypes.KindImage:
		return g.generateImageArtifacts(ctx, sourcePath, in)
	default:
		return g.generateVideoArtifacts(ctx, sourcePath, in)
	}
}

func (g *Generator) generateImageArtifacts(ctx context.Context, sourcePath string, in Input) ([]Artifact, error) {
	artifacts := make([]Artifact, 0, 2)

	for _, variant := range []paths.Variant{paths.VariantThumb, paths.VariantSmall} {
		data, err := g.renderImageVariant(ctx, sourcePath, variant)
		if err != nil {
			return nil, fmt.Errorf("failed to render %s for %s: %w", variant, in.RelativePath, err)
		}

		artifact, err := g.publish(in, variant, paths.DerivedImageExtension, data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}

	return artifacts, nil
}

func (g *Generator) generateVideoArtifacts(ctx context.Context, sourcePath string, in Input) ([]Artifact, error) {
	frame, err := g.extractPosterFrame(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to extract poster frame for %s: %w", in.RelativePath, err)
	}

	artifacts := make([]Artifact, 0, 3)
	for _, variant := range []paths.Variant{paths.VariantThumb, paths.VariantSmall} {
		data, err := renderPosterVariant(frame, variant)
		if err != nil {
			return nil, fmt.Errorf("failed to render poster %s for %s: %w", variant, in.RelativePath, err)
		}

		artifact, err := g.publish(in, variant, paths.DerivedImageExtension, data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}

	playback, err := g.transcodePlayback(ctx, sourcePath, in)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, playback)

	return artifacts, nil
}

// renderImageVariant produces webp bytes for one image variant, preferring the
// vips decode-time pipeline and falling back to ffmpeg for formats vips cannot
// open.
func (g *Generator) renderImageVariant(ctx context.Context, sourcePath string, variant paths.Variant) ([]byte, error) {
	crop := variant == paths.VariantThumb
	size := smallSize
	if crop {
		size = thumbSize
	}

	data, err := exportWebpFromFile(sourcePath, size, size, crop)
	if err == nil {
		return data, nil
	}
	logging.Debug("vips pipeline failed for %s: %v, trying ffmpeg decode", sourcePath, err)

	frame, ffErr := g.decodeFrameWithFFmpeg(ctx, sourcePath, false)
	if ffErr != nil {
		return nil, fmt.Errorf("all decode methods failed: %v; ffmpeg: %w", err, ffErr)
	}
	return renderPosterVariant(frame, variant)
}

// renderPosterVariant applies the variant transform to a decoded frame and
// encodes it to webp.
func renderPosterVariant(frame image.Image, variant paths.Variant) ([]byte, error) {
	var transformed image.Image
	if variant == paths.VariantThumb {
		transformed = imaging.Fill(frame, thumbSize, thumbSize, imaging.Center, imaging.Lanczos)
	} else {
		transformed = imaging.Fit(frame, smallSize, smallSize, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, transformed); err != nil {
		return nil, fmt.Errorf("failed to encode intermediate frame: %w", err)
	}

	return exportWebpFromBuffer(buf.Bytes(), smallSize, smallSize, false)
}

// extractPosterFrame grabs a representative frame one second in, retrying from
// the first frame for very short clips.
func (g *Generator) extractPosterFrame(ctx context.Context, sourcePath string) (image.Image, error) {
	frame, err := g.decodeFrameWithFFmpeg(ctx, sourcePath, true)
	if err == nil {
		return frame, nil
	}
	logging.Debug("poster frame at %s failed for %s: %v, retrying from start", posterOffset, sourcePath, err)
	return g.decodeFrameWithFFmpeg(ctx, sourcePath, false)
}

func (g *Generator) decodeFrameWithFFmpeg(ctx context.Context, sourcePath string, seek bool) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, g.encodeTimeout)
	defer cancel()

	args := []string{}
	if seek {
		args = append(args, "-ss", posterOffset)
	}
	args = append(args,
		"-i", sourcePath,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)

	cmd := g.commandContext(ctx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w, stderr: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output for %s", sourcePath)
	}

	img, _, err := image.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

// transcodePlayback runs the profile-driven ffmpeg transcode into a temporary
// file and publishes it with a rename.
func (g *Generator) transcodePlayback(ctx context.Context, sourcePath string, in Input) (Artifact, error) {
	relative := paths.BuildDerivativeRelativePath(in.RelativePath, in.AssetID, paths.VariantPlayback, in.Profile.OutputFormat)
	target, err := paths.ResolveAbsolute(g.derivedRoot, relative)
	if err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create derivative directory: %w", err)
	}

	tmp := tempPathFor(target)
	args, err := profile.PlaybackArgs(sourcePath, tmp, in.Profile)
	if err != nil {
		return Artifact{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.encodeTimeout)
	defer cancel()

	cmd := g.commandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return Artifact{}, fmt.Errorf("playback transcode timed out: %w", ctx.Err())
		}
		return Artifact{}, fmt.Errorf("playback transcode failed: %w, stderr: %s", err, stderr.String())
	}
	metrics.TranscodeDurationSeconds.Observe(time.Since(start).Seconds())

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, fmt.Errorf("failed to publish playback derivative: %w", err)
	}

	return Artifact{Variant: paths.VariantPlayback, RelativePath: relative, AbsolutePath: target}, nil
}

// publish atomically writes derivative bytes to their canonical location.
func (g *Generator) publish(in Input, variant paths.Variant, extension string, data []byte) (Artifact, error) {
	relative := paths.BuildDerivativeRelativePath(in.RelativePath, in.AssetID, variant, extension)
	target, err := paths.ResolveAbsolute(g.derivedRoot, relative)
	if err != nil {
		return Artifact{}, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create derivative directory: %w", err)
	}

	tmp := tempPathFor(target)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return Artifact{}, fmt.Errorf("failed to write derivative: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, fmt.Errorf("failed to publish derivative: %w", err)
	}

	return Artifact{Variant: variant, RelativePath: relative, AbsolutePath: target}, nil
}

// tempPathFor builds a sibling temp path so the final rename stays on one
// filesystem.
func tempPathFor(target string) string {
	return filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".tmp-"+uuid.NewString()[:8])
}

// hasVideoStream probes for at least one decodable video stream.
func (g *Generator) hasVideoStream(ctx context.Context, sourcePath string) bool {
	cmd := g.commandContext(ctx, "ffprobe",
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "csv=p=0",
		sourcePath,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return false
	}
	return strings.TrimSpace(stdout.String()) != ""
}
