// Package metadata extracts capture metadata (timestamp, dimensions,
// location, camera and codec attributes) from uploaded originals. Extraction
// is best effort: missing or malformed tags degrade to fallback values and
// never fail the surrounding job.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"photoflow/internal/logging"
	"photoflow/internal/mediatypes"

	"github.com/rwcarlsen/goexif/exif"
)

// CommandRunner executes an external probe command and returns its stdout.
// Injectable for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// DefaultRunner runs commands with exec.CommandContext.
func DefaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s error: %w - %s", name, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ImageAttributes is the camera attribute bag stored for still images.
type ImageAttributes struct {
	Make         string   `json:"make,omitempty"`
	Model        string   `json:"model,omitempty"`
	LensModel    string   `json:"lensModel,omitempty"`
	ExposureTime string   `json:"exposureTime,omitempty"`
	FNumber      string   `json:"fNumber,omitempty"`
	ISO          *float64 `json:"iso,omitempty"`
	FocalLength  string   `json:"focalLength,omitempty"`
}

// VideoAttributes is the codec attribute bag stored for motion media.
type VideoAttributes struct {
	DurationSec *float64 `json:"durationSec,omitempty"`
	Codec       string   `json:"codec,omitempty"`
	FPS         *float64 `json:"fps,omitempty"`
	Bitrate     *float64 `json:"bitrate,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
}

// Attributes is the per-kind attribute bag persisted alongside an asset.
type Attributes struct {
	Image *ImageAttributes `json:"image,omitempty"`
	Video *VideoAttributes `json:"video,omitempty"`
}

// Result is the extracted metadata for one asset.
type Result struct {
	TakenAt    time.Time
	Width      int
	Height     int
	Location   *Location
	Attributes Attributes
}

// Input describes the source file to extract from.
type Input struct {
	SourceAbsolutePath string
	RelativePath       string
	MimeType           string
	UploadedAt         time.Time
}

// Extractor probes originals with ffprobe and, for images, the embedded EXIF
// block.
type Extractor struct {
	runner CommandRunner
}

// New creates an Extractor. A nil runner uses DefaultRunner.
func New(runner CommandRunner) *Extractor {
	if runner == nil {
		runner = DefaultRunner
	}
	return &Extractor{runner: runner}
}

// probeResult mirrors the ffprobe -of json output we care about.
type probeResult struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Duration string            `json:"duration"`
	BitRate  string            `json:"bit_rate"`
	Tags     map[string]string `json:"tags"`
}

type probeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Duration     string            `json:"duration"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	RFrameRate   string            `json:"r_frame_rate"`
	Tags         map[string]string `json:"tags"`
}

func (e *Extractor) probe(ctx context.Context, sourcePath string) (*probeResult, error) {
	out, err := e.runner(ctx, "ffprobe",
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-print_format", "json",
		sourcePath,
	)
	if err != nil {
		return nil, err
	}

	var result probeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &result, nil
}

func (p *probeResult) videoStream() *probeStream {
	for i := range p.Streams {
		if p.Streams[i].CodecType == "video" {
			return &p.Streams[i]
		}
	}
	return nil
}

// pickFirstValue returns the first non-empty value for any of the given keys
// in a lowercased tag map.
func pickFirstValue(tags map[string]string, keys ...string) string {
	for _, key := range keys {
		if value, ok := tags[key]; ok && strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// mergeTags folds tag maps into one lowercased map; later maps win.
func mergeTags(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for key, value := range m {
			if strings.TrimSpace(value) != "" {
				merged[strings.ToLower(key)] = value
			}
		}
	}
	return merged
}

// parseRational converts an ffprobe rational like "30000/1001" to a float.
// Plain numbers pass through.
func parseRational(value string) *float64 {
	if value == "" {
		return nil
	}

	if !strings.Contains(value, "/") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return &f
		}
		return nil
	}

	parts := strings.SplitN(value, "/", 2)
	num, errN := strconv.ParseFloat(parts[0], 64)
	den, errD := strconv.ParseFloat(parts[1], 64)
	if errN != nil || errD != nil || den == 0 {
		return nil
	}
	f := num / den
	return &f
}

func parseNumeric(value string) *float64 {
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	return &f
}

// captureTimestamp resolves the capture instant from tags: an ISO-8601 tag
// first, then the EXIF "YYYY:MM:DD HH:MM:SS" form (treated as UTC since it
// carries no timezone), then the upload time.
func captureTimestamp(tags map[string]string, uploadedAt time.Time) time.Time {
	raw := pickFirstValue(tags,
		"datetimeoriginal",
		"creation_time",
		"createdate",
		"date_time_original",
		"com.apple.quicktime.creationdate",
		"datetime",
	)
	if raw == "" {
		return uploadedAt.UTC()
	}

	if parsed, ok := parseISOTimestamp(raw); ok {
		return parsed
	}
	if parsed, ok := parseExifTimestamp(raw); ok {
		return parsed
	}
	return uploadedAt.UTC()
}

func parseISOTimestamp(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseExifTimestamp(value string) (time.Time, bool) {
	parsed, err := time.Parse("2006:01:02 15:04:05", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

// exifTags reads the embedded EXIF block of an image and flattens it into a
// lowercased tag map. A file without EXIF yields an empty map.
func exifTags(sourcePath string) map[string]string {
	tags := make(map[string]string)

	file, err := os.Open(sourcePath)
	if err != nil {
		return tags
	}
	defer file.Close()

	decoded, err := exif.Decode(file)
	if err != nil {
		return tags
	}

	fields := []exif.FieldName{
		exif.DateTimeOriginal, exif.DateTime, exif.Make, exif.Model,
		exif.LensModel, exif.ExposureTime, exif.FNumber, exif.ISOSpeedRatings,
		exif.FocalLength,
	}
	for _, field := range fields {
		tag, err := decoded.Get(field)
		if err != nil {
			continue
		}
		value := strings.Trim(tag.String(), `"`)
		if value != "" {
			tags[strings.ToLower(string(field))] = value
		}
	}

	if lat, lon, err := decoded.LatLong(); err == nil {
		tags["gpslatitude"] = strconv.FormatFloat(lat, 'f', -1, 64)
		tags["gpslongitude"] = strconv.FormatFloat(lon, 'f', -1, 64)
	}

	return tags
}

func selectImageAttributes(tags map[string]string) *ImageAttributes {
	return &ImageAttributes{
		Make:         pickFirstValue(tags, "make"),
		Model:        pickFirstValue(tags, "model"),
		LensModel:    pickFirstValue(tags, "lensmodel", "lens_model"),
		ExposureTime: pickFirstValue(tags, "exposuretime", "exposure_time"),
		FNumber:      pickFirstValue(tags, "fnumber", "f_number"),
		ISO:          parseNumeric(pickFirstValue(tags, "iso", "isospeedratings", "photographicsensitivity")),
		FocalLength:  pickFirstValue(tags, "focallength", "focal_length"),
	}
}

func selectVideoAttributes(stream *probeStream, format *probeFormat) *VideoAttributes {
	fps := parseRational(stream.AvgFrameRate)
	if fps == nil {
		fps = parseRational(stream.RFrameRate)
	}

	duration := parseNumeric(format.Duration)
	if duration == nil {
		duration = parseNumeric(stream.Duration)
	}

	return &VideoAttributes{
		DurationSec: duration,
		Codec:       stream.CodecName,
		FPS:         fps,
		Bitrate:     parseNumeric(format.BitRate),
		Rotation:    parseNumeric(stream.Tags["rotate"]),
	}
}

// Extract probes the source file and returns its capture metadata. The
// returned Result always carries a usable TakenAt; individual fields may be
// zero when the source exposes nothing better.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Result, error) {
	kind := mediatypes.DetectKind(in.SourceAbsolutePath, in.MimeType)
	if kind == mediatypes.KindVideo {
		return e.extractVideo(ctx, in)
	}
	return e.extractImage(ctx, in)
}

func (e *Extractor) extractImage(ctx context.Context, in Input) (*Result, error) {
	embedded := exifTags(in.SourceAbsolutePath)

	var formatTags, streamTags map[string]string
	width, height := 0, 0

	// ffprobe still runs for images: container tags take priority over the
	// EXIF block, and the video stream entry carries pixel dimensions.
	probe, err := e.probe(ctx, in.SourceAbsolutePath)
	if err != nil {
		logging.Debug("image probe failed for %s: %v", in.SourceAbsolutePath, err)
	} else {
		formatTags = probe.Format.Tags
		if stream := probe.videoStream(); stream != nil {
			streamTags = stream.Tags
			width, height = stream.Width, stream.Height
		}
	}

	tags := mergeTags(embedded, formatTags, streamTags)

	return &Result{
		TakenAt:  captureTimestamp(tags, in.UploadedAt),
		Width:    width,
		Height:   height,
		Location: extractLocation(tags),
		Attributes: Attributes{
			Image: selectImageAttributes(tags),
		},
	}, nil
}

func (e *Extractor) extractVideo(ctx context.Context, in Input) (*Result, error) {
	probe, err := e.probe(ctx, in.SourceAbsolutePath)
	if err != nil {
		return nil, err
	}

	stream := probe.videoStream()
	if stream == nil {
		return nil, fmt.Errorf("unable to identify video stream for metadata extraction")
	}

	tags := mergeTags(probe.Format.Tags, stream.Tags)

	return &Result{
		TakenAt:  captureTimestamp(tags, in.UploadedAt),
		Width:    stream.Width,
		Height:   stream.Height,
		Location: extractLocation(tags),
		Attributes: Attributes{
			Video: selectVideoAttributes(stream, &probe.Format),
		},
	}, nil
}
