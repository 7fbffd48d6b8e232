package derivatives

import (
	"fmt"
	"sync"

	"photoflow/internal/logging"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	vipsInitialized bool
	vipsInitMutex   sync.Mutex
	vipsAvailable   bool
)

// InitVips initializes the libvips library.
// This should be called once at startup.
func InitVips() error {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		return nil
	}

	// Route vips log output through our logger, keeping the noise level tied
	// to LOG_LEVEL.
	vipsLogLevel := vips.LogLevelWarning
	if logging.IsDebugEnabled() {
		vipsLogLevel = vips.LogLevelInfo
	}
	vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
		switch {
		case level <= vips.LogLevelCritical || level == vips.LogLevelError:
			logging.Error("[%s] %s", domain, msg)
		case level == vips.LogLevelWarning:
			logging.Warn("[%s] %s", domain, msg)
		default:
			logging.Debug("[%s] %s", domain, msg)
		}
	}, vipsLogLevel)

	// Conservative memory settings: derivative workers run next to ffmpeg.
	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
	})

	vipsInitialized = true
	vipsAvailable = true
	logging.Info("libvips initialized (version: %s)", vips.Version)
	return nil
}

// ShutdownVips cleans up libvips resources.
func ShutdownVips() {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		vips.Shutdown()
		vipsInitialized = false
		vipsAvailable = false
		logging.Info("libvips shutdown complete")
	}
}

// IsVipsAvailable returns whether libvips is initialized and available.
func IsVipsAvailable() bool {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()
	return vipsAvailable
}

// exportWebpFromFile loads an image file, applies the variant transform at
// decode time and returns webp bytes.
func exportWebpFromFile(path string, width, height int, crop bool) ([]byte, error) {
	if !IsVipsAvailable() {
		return nil, fmt.Errorf("libvips not available")
	}

	ref, err := vips.LoadImageFromFile(path, vips.NewImportParams())
	if err != nil {
		return nil, fmt.Errorf("vips failed to load image: %w", err)
	}
	defer ref.Close()

	if err := transformForVariant(ref, width, height, crop); err != nil {
		return nil, err
	}

	return exportWebp(ref)
}

// exportWebpFromBuffer is the same pipeline for an already-decoded frame held
// in an encoded buffer (png from ffmpeg).
func exportWebpFromBuffer(buf []byte, width, height int, crop bool) ([]byte, error) {
	if !IsVipsAvailable() {
		return nil, fmt.Errorf("libvips not available")
	}

	ref, err := vips.NewImageFromBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("vips failed to load frame buffer: %w", err)
	}
	defer ref.Close()

	if err := transformForVariant(ref, width, height, crop); err != nil {
		return nil, err
	}

	return exportWebp(ref)
}

func transformForVariant(ref *vips.ImageRef, width, height int, crop bool) error {
	if err := ref.AutoRotate(); err != nil {
		return fmt.Errorf("vips auto-rotate failed: %w", err)
	}

	if crop {
		// Cover-crop fills the box exactly, extracting the attention-neutral
		// centre region.
		if err := ref.ThumbnailWithSize(width, height, vips.InterestingCentre, vips.SizeBoth); err != nil {
			return fmt.Errorf("vips crop resize failed: %w", err)
		}
		return nil
	}

	// Bounded box, aspect preserved, never upscaled.
	if err := ref.ThumbnailWithSize(width, height, vips.InterestingNone, vips.SizeDown); err != nil {
		return fmt.Errorf("vips resize failed: %w", err)
	}
	return nil
}

func exportWebp(ref *vips.ImageRef) ([]byte, error) {
	params := vips.NewWebpExportParams()
	params.Quality = webpQuality
	out, _, err := ref.ExportWebp(params)
	if err != nil {
		return nil, fmt.Errorf("vips webp export failed: %w", err)
	}
	return out, nil
}
