// Package profile defines the video playback encoding profile and its
// validation rules. Exactly one saved profile drives playback transcodes
// unless a per-job override is supplied.
package profile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// SettingsKey is the settings-record key under which the default playback
// profile is persisted.
const SettingsKey = "default_video_playback"

// Profile is a validated video encoding configuration.
type Profile struct {
	Codec            string `json:"codec"`
	Resolution       string `json:"resolution"`
	BitrateKbps      int    `json:"bitrateKbps"`
	FrameRate        int    `json:"frameRate"`
	AudioCodec       string `json:"audioCodec"`
	AudioBitrateKbps int    `json:"audioBitrateKbps"`
	Preset           string `json:"preset"`
	OutputFormat     string `json:"outputFormat"`
}

// Default returns the built-in playback profile used when nothing is saved.
func Default() Profile {
	return Profile{
		Codec:            "libvpx-vp9",
		Resolution:       "1280x720",
		BitrateKbps:      1800,
		FrameRate:        30,
		AudioCodec:       "libopus",
		AudioBitrateKbps: 96,
		Preset:           "balanced",
		OutputFormat:     "webm",
	}
}

// containerCompat is the closed compatibility table keyed by output container.
// A container only pairs with the codecs registered for it; anything else is
// rejected before ffmpeg is ever invoked.
var containerCompat = map[string]struct {
	codecs      map[string]bool
	audioCodecs map[string]bool
}{
	"webm": {
		codecs:      map[string]bool{"libvpx-vp9": true},
		audioCodecs: map[string]bool{"libopus": true},
	},
	"mp4": {
		codecs:      map[string]bool{"libx264": true},
		audioCodecs: map[string]bool{"aac": true},
	},
}

var validPresets = map[string]bool{"fast": true, "balanced": true, "quality": true}

var resolutionPattern = regexp.MustCompile(`^(\d{2,5})x(\d{2,5})$`)

// ParseResolution validates a WIDTHxHEIGHT string and returns its dimensions.
func ParseResolution(value string) (width, height int, err error) {
	text := strings.ToLower(strings.TrimSpace(value))
	m := resolutionPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, fmt.Errorf("resolution must use WIDTHxHEIGHT format, for example 1280x720")
	}

	width, _ = strconv.Atoi(m[1])
	height, _ = strconv.Atoi(m[2])
	if width < 16 || width > 8192 || height < 16 || height > 8192 {
		return 0, 0, fmt.Errorf("resolution dimensions must be between 16 and 8192")
	}
	return width, height, nil
}

func checkIntRange(value int, field string, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be an integer between %d and %d", field, min, max)
	}
	return nil
}

// Normalize fills empty fields from defaults, lowercases enumerated fields and
// validates the result against the compatibility table.
func Normalize(in Profile, defaults Profile) (Profile, error) {
	out := Profile{
		Codec:            strings.TrimSpace(in.Codec),
		Resolution:       strings.TrimSpace(in.Resolution),
		BitrateKbps:      in.BitrateKbps,
		FrameRate:        in.FrameRate,
		AudioCodec:       strings.TrimSpace(in.AudioCodec),
		AudioBitrateKbps: in.AudioBitrateKbps,
		Preset:           strings.ToLower(strings.TrimSpace(in.Preset)),
		OutputFormat:     strings.ToLower(strings.TrimSpace(in.OutputFormat)),
	}

	if out.Codec == "" {
		out.Codec = defaults.Codec
	}
	if out.Resolution == "" {
		out.Resolution = defaults.Resolution
	}
	if out.BitrateKbps == 0 {
		out.BitrateKbps = defaults.BitrateKbps
	}
	if out.FrameRate == 0 {
		out.FrameRate = defaults.FrameRate
	}
	if out.AudioCodec == "" {
		out.AudioCodec = defaults.AudioCodec
	}
	if out.AudioBitrateKbps == 0 {
		out.AudioBitrateKbps = defaults.AudioBitrateKbps
	}
	if out.Preset == "" {
		out.Preset = defaults.Preset
	}
	if out.OutputFormat == "" {
		out.OutputFormat = defaults.OutputFormat
	}

	width, height, err := ParseResolution(out.Resolution)
	if err != nil {
		return Profile{}, err
	}
	out.Resolution = fmt.Sprintf("%dx%d", width, height)

	if err := checkIntRange(out.BitrateKbps, "bitrateKbps", 64, 100000); err != nil {
		return Profile{}, err
	}
	if err := checkIntRange(out.FrameRate, "frameRate", 1, 120); err != nil {
		return Profile{}, err
	}
	if err := checkIntRange(out.AudioBitrateKbps, "audioBitrateKbps", 32, 512); err != nil {
		return Profile{}, err
	}

	compat, ok := containerCompat[out.OutputFormat]
	if !ok {
		return Profile{}, fmt.Errorf("outputFormat must be one of: webm, mp4")
	}
	if !compat.codecs[out.Codec] {
		return Profile{}, fmt.Errorf("codec %q is not valid for outputFormat %q", out.Codec, out.OutputFormat)
	}
	if !compat.audioCodecs[out.AudioCodec] {
		return Profile{}, fmt.Errorf("audioCodec %q is not valid for outputFormat %q", out.AudioCodec, out.OutputFormat)
	}
	if !validPresets[out.Preset] {
		return Profile{}, fmt.Errorf("preset must be one of: fast, balanced, quality")
	}

	return out, nil
}

// Resolve picks the effective playback profile for one job:
// override > saved > built-in default. The override inherits unset fields
// from the saved profile.
func Resolve(saved, override *Profile) (Profile, error) {
	base := Default()
	if saved != nil {
		normalized, err := Normalize(*saved, Default())
		if err != nil {
			return Profile{}, fmt.Errorf("saved encoding profile is invalid: %w", err)
		}
		base = normalized
	}

	if override == nil {
		return base, nil
	}
	return Normalize(*override, base)
}

// ScaleFilter returns the ffmpeg scale filter for the profile's resolution:
// aspect-preserving, downscale only.
func ScaleFilter(resolution string) (string, error) {
	width, height, err := ParseResolution(resolution)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", width, height), nil
}

// PlaybackArgs builds the full ffmpeg argument list for a playback transcode.
// The profile is re-normalized first so a mismatched container/codec pair can
// never reach the encoder.
func PlaybackArgs(sourceAbsolutePath, targetAbsolutePath string, p Profile) ([]string, error) {
	normalized, err := Normalize(p, Default())
	if err != nil {
		return nil, err
	}

	scale, err := ScaleFilter(normalized.Resolution)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-y",
		"-v", "error",
		"-i", sourceAbsolutePath,
		"-map", "0:v:0",
		"-map", "0:a?",
		"-vf", scale,
		"-r", strconv.Itoa(normalized.FrameRate),
		"-c:v", normalized.Codec,
		"-b:v", fmt.Sprintf("%dk", normalized.BitrateKbps),
		"-c:a", normalized.AudioCodec,
		"-b:a", fmt.Sprintf("%dk", normalized.AudioBitrateKbps),
	}

	if normalized.OutputFormat == "webm" {
		cpuUsed := map[string]string{"fast": "4", "balanced": "2", "quality": "1"}
		args = append(args, "-row-mt", "1", "-threads", "0", "-cpu-used", cpuUsed[normalized.Preset])
	} else {
		x264Preset := map[string]string{"fast": "veryfast", "balanced": "medium", "quality": "slow"}
		args = append(args, "-preset", x264Preset[normalized.Preset], "-movflags", "+faststart")
	}

	args = append(args, "-f", normalized.OutputFormat, targetAbsolutePath)
	return args, nil
}
