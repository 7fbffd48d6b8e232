package handlers

import (
	"encoding/json"
	"net/http"

	"photoflow/internal/logging"
	"photoflow/internal/profile"
)

// GetEncodingProfile returns the active default playback profile. With no
// saved override the built-in default is returned.
func (h *Handlers) GetEncodingProfile(w http.ResponseWriter, r *http.Request) {
	saved, err := h.settings.GetEncodingProfile(r.Context())
	if err != nil {
		logging.Error("failed to load encoding profile: %v", err)
		writeJSONError(w, "failed to load encoding profile", http.StatusInternalServerError)
		return
	}

	active := profile.Default()
	if saved != nil {
		active = *saved
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, active)
}

// encodingProfileRequest decodes the PUT body with pointer numerics so an
// absent field (inherit the default) is distinguishable from an explicit
// zero (invalid).
type encodingProfileRequest struct {
	Codec            string `json:"codec"`
	Resolution       string `json:"resolution"`
	BitrateKbps      *int   `json:"bitrateKbps"`
	FrameRate        *int   `json:"frameRate"`
	AudioCodec       string `json:"audioCodec"`
	AudioBitrateKbps *int   `json:"audioBitrateKbps"`
	Preset           string `json:"preset"`
	OutputFormat     string `json:"outputFormat"`
}

// UpdateEncodingProfile validates the submitted profile against the
// container/codec compatibility table and persists it.
func (h *Handlers) UpdateEncodingProfile(w http.ResponseWriter, r *http.Request) {
	var req encodingProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	for _, field := range []struct {
		name  string
		value *int
	}{
		{"bitrateKbps", req.BitrateKbps},
		{"frameRate", req.FrameRate},
		{"audioBitrateKbps", req.AudioBitrateKbps},
	} {
		if field.value != nil && *field.value <= 0 {
			writeJSONError(w, field.name+" must be a positive integer", http.StatusBadRequest)
			return
		}
	}

	submitted := profile.Profile{
		Codec:        req.Codec,
		Resolution:   req.Resolution,
		AudioCodec:   req.AudioCodec,
		Preset:       req.Preset,
		OutputFormat: req.OutputFormat,
	}
	if req.BitrateKbps != nil {
		submitted.BitrateKbps = *req.BitrateKbps
	}
	if req.FrameRate != nil {
		submitted.FrameRate = *req.FrameRate
	}
	if req.AudioBitrateKbps != nil {
		submitted.AudioBitrateKbps = *req.AudioBitrateKbps
	}

	normalized, err := profile.Normalize(submitted, profile.Default())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.settings.SaveEncodingProfile(r.Context(), normalized); err != nil {
		logging.Error("failed to save encoding profile: %v", err)
		writeJSONError(w, "failed to save encoding profile", http.StatusInternalServerError)
		return
	}

	logging.Info("encoding profile updated: %s/%s %s", normalized.OutputFormat, normalized.Codec, normalized.Resolution)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, normalized)
}
