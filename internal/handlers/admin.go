package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"photoflow/internal/logging"
	"photoflow/internal/queue"
	"photoflow/internal/sweep"

	"github.com/google/uuid"
)

type sweepTriggerRequest struct {
	Scope     string `json:"scope,omitempty"`
	DryRun    *bool  `json:"dryRun,omitempty"`
	GraceMs   *int64 `json:"graceMs,omitempty"`
	BatchSize *int   `json:"batchSize,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type sweepTriggerResponse struct {
	Status      string   `json:"status"`
	RequestID   string   `json:"requestId"`
	QueuedCount int      `json:"queuedCount"`
	Scopes      []string `json:"scopes"`
	DryRun      bool     `json:"dryRun"`
	GraceMs     int64    `json:"graceMs"`
	BatchSize   int      `json:"batchSize"`
}

// TriggerOrphanSweep enqueues one sweep job per requested scope. An empty
// scope means both scopes; all other parameters fall back to the configured
// defaults.
func (h *Handlers) TriggerOrphanSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepTriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	var scopes []string
	switch req.Scope {
	case "":
		scopes = []string{sweep.ScopeOriginals, sweep.ScopeDerived}
	case sweep.ScopeOriginals, sweep.ScopeDerived:
		scopes = []string{req.Scope}
	default:
		writeJSONError(w, "scope must be 'originals' or 'derived'", http.StatusBadRequest)
		return
	}

	dryRun := h.sweepDefaults.DryRun
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	graceMs := h.sweepDefaults.GraceMs
	if req.GraceMs != nil && *req.GraceMs > 0 {
		graceMs = *req.GraceMs
	}
	batchSize := h.sweepDefaults.BatchSize
	if req.BatchSize != nil && *req.BatchSize > 0 {
		batchSize = *req.BatchSize
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	queued := 0
	for _, scope := range scopes {
		payload := sweep.Payload{
			Scope:       scope,
			DryRun:      &dryRun,
			GraceMs:     graceMs,
			BatchSize:   batchSize,
			RequestID:   requestID,
			Trigger:     "admin",
			RequestedAt: time.Now().UTC(),
		}
		_, err := h.publisher.Publish(r.Context(), queue.QueueOrphanSweep, payload, queue.PublishOptions{
			MaxAttempts:    h.jobAttempts,
			BackoffDelayMs: h.jobBackoffMs,
		})
		if err != nil {
			logging.Error("failed to enqueue %s sweep (request %s): %v", scope, requestID, err)
			writeJSONError(w, "failed to enqueue sweep job", http.StatusInternalServerError)
			return
		}
		queued++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, sweepTriggerResponse{
		Status:      "queued",
		RequestID:   requestID,
		QueuedCount: queued,
		Scopes:      scopes,
		DryRun:      dryRun,
		GraceMs:     graceMs,
		BatchSize:   batchSize,
	})
}
