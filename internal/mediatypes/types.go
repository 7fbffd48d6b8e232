// Package mediatypes classifies catalog assets into processing kinds.
package mediatypes

import (
	"path/filepath"
	"strings"
)

// Kind represents the processing category of a media asset.
type Kind string

const (
	// KindImage is a still image processed with the image pipeline.
	KindImage Kind = "image"
	// KindVideo is motion media processed with the transcode pipeline.
	KindVideo Kind = "video"
	// KindUnknown is anything the worker cannot process.
	KindUnknown Kind = "unknown"
)

// ImageExtensions maps file extensions to whether they are supported image formats.
var ImageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".webp": true, ".tiff": true, ".tif": true,
	".heic": true, ".heif": true, ".avif": true,
}

// VideoExtensions maps file extensions to whether they are supported video formats.
var VideoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".webm": true, ".m4v": true, ".mpeg": true, ".mpg": true,
	".3gp": true, ".ts": true,
}

// DetectKind classifies an asset from its declared mime type, falling back to
// the file extension when no mime type was recorded at upload time.
func DetectKind(relativePath, mimeType string) Kind {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	if strings.HasPrefix(mime, "image/") {
		return KindImage
	}
	if strings.HasPrefix(mime, "video/") {
		return KindVideo
	}

	ext := strings.ToLower(filepath.Ext(relativePath))
	if ImageExtensions[ext] {
		return KindImage
	}
	if VideoExtensions[ext] {
		return KindVideo
	}
	return KindUnknown
}
