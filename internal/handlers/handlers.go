package handlers

import (
	"context"
	"time"

	"photoflow/internal/profile"
	"photoflow/internal/queue"
	"photoflow/internal/telemetry"
)

// Publisher enqueues jobs on the shared queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, payload any, opts queue.PublishOptions) (string, error)
}

// SettingsStore persists the default encoding profile.
type SettingsStore interface {
	GetEncodingProfile(ctx context.Context) (*profile.Profile, error)
	SaveEncodingProfile(ctx context.Context, p profile.Profile) error
}

// SweepDefaults are the administrative trigger's fallback parameters.
type SweepDefaults struct {
	DryRun    bool
	GraceMs   int64
	BatchSize int
}

// Handlers carries the control plane's dependencies.
type Handlers struct {
	store         *telemetry.Store
	poller        *telemetry.QueueStatsPoller
	publisher     Publisher
	settings      SettingsStore
	sweepDefaults SweepDefaults
	jobAttempts   int
	jobBackoffMs  int64
	checkDB       func(ctx context.Context) error
	checkQueue    func(ctx context.Context) error
	started       time.Time
}

func New(store *telemetry.Store, poller *telemetry.QueueStatsPoller, publisher Publisher, settings SettingsStore,
	sweepDefaults SweepDefaults, jobAttempts int, jobBackoffMs int64,
	checkDB, checkQueue func(ctx context.Context) error) *Handlers {
	return &Handlers{
		store:         store,
		poller:        poller,
		publisher:     publisher,
		settings:      settings,
		sweepDefaults: sweepDefaults,
		jobAttempts:   jobAttempts,
		jobBackoffMs:  jobBackoffMs,
		checkDB:       checkDB,
		checkQueue:    checkQueue,
		started:       time.Now(),
	}
}
