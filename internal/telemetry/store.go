package telemetry

import (
	"sort"
	"sync"
	"time"

	"photoflow/internal/metrics"
	"photoflow/internal/queue"
)

// SchemaVersion identifies the snapshot and stream frame layout.
const SchemaVersion = "2026-02-telemetry-v1"

const (
	defaultEventLimitPerQueue = 500
	defaultEventTTL           = 15 * time.Minute
	failureLimit              = 50
	durationLimit             = 2000
	snapshotEventLimit        = 120
	snapshotFailureLimit      = 10
	rateWindowShort           = time.Minute
	rateWindowLong            = 5 * time.Minute
)

// EventKind is a job lifecycle event class.
type EventKind string

const (
	EventActive    EventKind = "active"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStalled   EventKind = "stalled"
	EventError     EventKind = "error"
)

// Event is one immutable telemetry record.
type Event struct {
	Kind        EventKind `json:"event"`
	Queue       string    `json:"queue"`
	JobID       string    `json:"jobId,omitempty"`
	AssetID     string    `json:"assetId,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	DurationMs  *int64    `json:"durationMs,omitempty"`
	FailureCode string    `json:"failureCode,omitempty"`
	ErrorClass  string    `json:"errorClass,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Counters are monotonic per-queue totals.
type Counters struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Rates are per-queue throughput figures over the short window (absolute
// count) and the long window (per-minute average).
type Rates struct {
	StartedPerMinute1m   int     `json:"startedPerMinute1m"`
	CompletedPerMinute1m int     `json:"completedPerMinute1m"`
	FailedPerMinute1m    int     `json:"failedPerMinute1m"`
	StartedPerMinute5m   float64 `json:"startedPerMinute5m"`
	CompletedPerMinute5m float64 `json:"completedPerMinute5m"`
	FailedPerMinute5m    float64 `json:"failedPerMinute5m"`
}

// ActiveJob is one in-flight job.
type ActiveJob struct {
	Queue     string    `json:"queue"`
	JobID     string    `json:"jobId"`
	AssetID   string    `json:"assetId,omitempty"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"startedAt"`
}

// WorkerHealth is the per-queue degraded/online flag.
type WorkerHealth struct {
	Online      bool       `json:"online"`
	LastErrorAt *time.Time `json:"lastErrorAt"`
}

// Snapshot is a consistent point-in-time view of the store, merged with
// externally supplied live queue depths.
type Snapshot struct {
	SchemaVersion  string                  `json:"schemaVersion"`
	GeneratedAt    time.Time               `json:"generatedAt"`
	QueueCounts    map[string]queue.Depth  `json:"queueCounts"`
	Counters       map[string]Counters     `json:"counters"`
	Rates          map[string]Rates        `json:"rates"`
	WorkerHealth   map[string]WorkerHealth `json:"workerHealth"`
	InFlightJobs   []ActiveJob             `json:"inFlightJobs"`
	RecentFailures map[string][]Event      `json:"recentFailures"`
	RecentEvents   []Event                 `json:"recentEvents"`
}

type rateSet struct {
	started   []time.Time
	completed []time.Time
	failed    []time.Time
}

type durationObservation struct {
	durationMs int64
	observedAt time.Time
}

// Listener receives every recorded event.
type Listener func(Event)

// Options configure a Store. Zero values fall back to defaults; Now is
// injectable for tests.
type Options struct {
	QueueNames         []string
	EventLimitPerQueue int
	EventTTL           time.Duration
	Now                func() time.Time
}

// Store aggregates job lifecycle telemetry in memory. It is best-effort
// observability, never durable, and safe for concurrent use.
type Store struct {
	mu sync.Mutex

	queueNames []string
	eventLimit int
	eventTTL   time.Duration
	now        func() time.Time

	events    map[string][]Event
	failures  map[string][]Event
	active    map[string]map[string]ActiveJob
	counters  map[string]*Counters
	rates     map[string]*rateSet
	durations map[string]map[string][]durationObservation
	health    map[string]*WorkerHealth

	nextListenerID int
	listeners      map[int]Listener
}

func NewStore(opts Options) *Store {
	if opts.EventLimitPerQueue <= 0 {
		opts.EventLimitPerQueue = defaultEventLimitPerQueue
	}
	if opts.EventTTL <= 0 {
		opts.EventTTL = defaultEventTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		queueNames: opts.QueueNames,
		eventLimit: opts.EventLimitPerQueue,
		eventTTL:   opts.EventTTL,
		now:        opts.Now,
		events:     make(map[string][]Event),
		failures:   make(map[string][]Event),
		active:     make(map[string]map[string]ActiveJob),
		counters:   make(map[string]*Counters),
		rates:      make(map[string]*rateSet),
		durations:  make(map[string]map[string][]durationObservation),
		health:     make(map[string]*WorkerHealth),
		listeners:  make(map[int]Listener),
	}
	for _, q := range opts.QueueNames {
		s.counters[q] = &Counters{}
		s.rates[q] = &rateSet{}
		s.health[q] = &WorkerHealth{Online: true}
	}
	return s
}

// Subscribe registers a listener for live events and returns an unsubscribe
// function.
func (s *Store) Subscribe(listener Listener) func() {
	s.mu.Lock()
	id := s.nextListenerID
	s.nextListenerID++
	s.listeners[id] = listener
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// MarkWorkerError degrades the queue's health and records an error event.
// Internal worker errors never abort the process; they surface here.
func (s *Store) MarkWorkerError(queueName string, errorClass string) {
	s.mu.Lock()
	h := s.ensureHealth(queueName)
	h.Online = false
	at := s.now().UTC()
	h.LastErrorAt = &at
	s.mu.Unlock()

	if errorClass == "" {
		errorClass = "error"
	}
	s.RecordEvent(Event{Kind: EventError, Queue: queueName, ErrorClass: errorClass})
}

// RecordEvent folds one event into the aggregates and fans it out to
// subscribers. A zero OccurredAt is stamped with the store clock.
func (s *Store) RecordEvent(ev Event) {
	s.mu.Lock()

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}

	events := append(s.events[ev.Queue], ev)
	if over := len(events) - s.eventLimit; over > 0 {
		events = events[over:]
	}
	s.events[ev.Queue] = events

	h := s.ensureHealth(ev.Queue)
	if ev.Kind != EventError {
		h.Online = true
	}

	counters := s.ensureCounters(ev.Queue)
	rates := s.ensureRates(ev.Queue)
	if s.active[ev.Queue] == nil {
		s.active[ev.Queue] = make(map[string]ActiveJob)
	}

	switch ev.Kind {
	case EventActive:
		counters.Started++
		rates.started = append(rates.started, ev.OccurredAt)
		metrics.JobsStartedTotal.WithLabelValues(ev.Queue).Inc()
		if ev.JobID != "" {
			s.active[ev.Queue][ev.JobID] = ActiveJob{
				Queue:     ev.Queue,
				JobID:     ev.JobID,
				AssetID:   ev.AssetID,
				Attempts:  ev.Attempts,
				StartedAt: ev.OccurredAt,
			}
		}
	case EventCompleted:
		counters.Completed++
		rates.completed = append(rates.completed, ev.OccurredAt)
		metrics.JobsCompletedTotal.WithLabelValues(ev.Queue).Inc()
		delete(s.active[ev.Queue], ev.JobID)
		if ev.DurationMs != nil && *ev.DurationMs >= 0 {
			s.observeDuration(ev.Queue, "completed", *ev.DurationMs)
			metrics.JobDurationMs.WithLabelValues(ev.Queue).Observe(float64(*ev.DurationMs))
		}
	case EventFailed:
		counters.Failed++
		rates.failed = append(rates.failed, ev.OccurredAt)
		metrics.JobsFailedTotal.WithLabelValues(ev.Queue).Inc()
		delete(s.active[ev.Queue], ev.JobID)
		if ev.DurationMs != nil && *ev.DurationMs >= 0 {
			s.observeDuration(ev.Queue, "failed", *ev.DurationMs)
			metrics.JobDurationMs.WithLabelValues(ev.Queue).Observe(float64(*ev.DurationMs))
		}
		failures := append(s.failures[ev.Queue], ev)
		if over := len(failures) - failureLimit; over > 0 {
			failures = failures[over:]
		}
		s.failures[ev.Queue] = failures
	case EventStalled:
		delete(s.active[ev.Queue], ev.JobID)
	}

	s.cleanupLocked()

	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

// Snapshot returns a point-in-time view merged with the supplied live queue
// depths.
func (s *Store) Snapshot(queueCounts map[string]queue.Depth) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupLocked()

	names := map[string]struct{}{}
	for _, q := range s.queueNames {
		names[q] = struct{}{}
	}
	for q := range s.events {
		names[q] = struct{}{}
	}
	for q := range queueCounts {
		names[q] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for q := range names {
		sorted = append(sorted, q)
	}
	sort.Strings(sorted)

	snap := Snapshot{
		SchemaVersion:  SchemaVersion,
		GeneratedAt:    s.now().UTC(),
		QueueCounts:    queueCounts,
		Counters:       make(map[string]Counters, len(sorted)),
		Rates:          make(map[string]Rates, len(sorted)),
		WorkerHealth:   make(map[string]WorkerHealth, len(s.health)),
		RecentFailures: make(map[string][]Event, len(sorted)),
	}
	if snap.QueueCounts == nil {
		snap.QueueCounts = map[string]queue.Depth{}
	}

	for _, q := range sorted {
		snap.Counters[q] = *s.ensureCounters(q)
		snap.Rates[q] = s.calculateRatesLocked(q)

		failures := s.failures[q]
		recent := make([]Event, 0, snapshotFailureLimit)
		for i := len(failures) - 1; i >= 0 && len(recent) < snapshotFailureLimit; i-- {
			recent = append(recent, failures[i])
		}
		snap.RecentFailures[q] = recent
	}

	for q, h := range s.health {
		snap.WorkerHealth[q] = *h
	}

	for _, jobs := range s.active {
		for _, job := range jobs {
			snap.InFlightJobs = append(snap.InFlightJobs, job)
		}
	}
	sort.Slice(snap.InFlightJobs, func(i, j int) bool {
		return snap.InFlightJobs[i].StartedAt.Before(snap.InFlightJobs[j].StartedAt)
	})

	var all []Event
	for _, events := range s.events {
		all = append(all, events...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].OccurredAt.After(all[j].OccurredAt)
	})
	if len(all) > snapshotEventLimit {
		all = all[:snapshotEventLimit]
	}
	snap.RecentEvents = all

	return snap
}

func (s *Store) ensureCounters(queueName string) *Counters {
	c, ok := s.counters[queueName]
	if !ok {
		c = &Counters{}
		s.counters[queueName] = c
	}
	return c
}

func (s *Store) ensureRates(queueName string) *rateSet {
	r, ok := s.rates[queueName]
	if !ok {
		r = &rateSet{}
		s.rates[queueName] = r
	}
	return r
}

func (s *Store) ensureHealth(queueName string) *WorkerHealth {
	h, ok := s.health[queueName]
	if !ok {
		h = &WorkerHealth{Online: true}
		s.health[queueName] = h
	}
	return h
}

func (s *Store) observeDuration(queueName, outcome string, durationMs int64) {
	byOutcome := s.durations[queueName]
	if byOutcome == nil {
		byOutcome = make(map[string][]durationObservation)
		s.durations[queueName] = byOutcome
	}
	obs := append(byOutcome[outcome], durationObservation{durationMs: durationMs, observedAt: s.now()})
	if over := len(obs) - durationLimit; over > 0 {
		obs = obs[over:]
	}
	byOutcome[outcome] = obs
}

// cleanupLocked evicts entries older than the retention windows. Caller must
// hold the lock.
func (s *Store) cleanupLocked() {
	eventThreshold := s.now().Add(-s.eventTTL)
	for q, events := range s.events {
		s.events[q] = trimBefore(events, eventThreshold)
	}
	for q, failures := range s.failures {
		s.failures[q] = trimBefore(failures, eventThreshold)
	}

	rateThreshold := s.now().Add(-rateWindowLong)
	for _, r := range s.rates {
		r.started = trimTimesBefore(r.started, rateThreshold)
		r.completed = trimTimesBefore(r.completed, rateThreshold)
		r.failed = trimTimesBefore(r.failed, rateThreshold)
	}

	for _, byOutcome := range s.durations {
		for outcome, obs := range byOutcome {
			i := 0
			for i < len(obs) && obs[i].observedAt.Before(rateThreshold) {
				i++
			}
			byOutcome[outcome] = obs[i:]
		}
	}
}

func trimBefore(events []Event, threshold time.Time) []Event {
	i := 0
	for i < len(events) && events[i].OccurredAt.Before(threshold) {
		i++
	}
	return events[i:]
}

func trimTimesBefore(times []time.Time, threshold time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(threshold) {
		i++
	}
	return times[i:]
}

func (s *Store) calculateRatesLocked(queueName string) Rates {
	r := s.ensureRates(queueName)
	now := s.now()
	shortBoundary := now.Add(-rateWindowShort)
	longBoundary := now.Add(-rateWindowLong)

	countSince := func(times []time.Time, boundary time.Time) int {
		n := 0
		for _, t := range times {
			if !t.Before(boundary) {
				n++
			}
		}
		return n
	}

	perMinuteLong := func(times []time.Time) float64 {
		count := float64(countSince(times, longBoundary))
		minutes := rateWindowLong.Minutes()
		return float64(int(count/minutes*100+0.5)) / 100
	}

	return Rates{
		StartedPerMinute1m:   countSince(r.started, shortBoundary),
		CompletedPerMinute1m: countSince(r.completed, shortBoundary),
		FailedPerMinute1m:    countSince(r.failed, shortBoundary),
		StartedPerMinute5m:   perMinuteLong(r.started),
		CompletedPerMinute5m: perMinuteLong(r.completed),
		FailedPerMinute5m:    perMinuteLong(r.failed),
	}
}
