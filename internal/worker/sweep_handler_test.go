package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"photoflow/internal/queue"
	"photoflow/internal/sweep"
)

type fakeSweepRunner struct {
	result   sweep.Result
	err      error
	payloads []sweep.Payload
}

func (r *fakeSweepRunner) Sweep(_ context.Context, payload sweep.Payload) (sweep.Result, error) {
	r.payloads = append(r.payloads, payload)
	return r.result, r.err
}

func TestSweepHandlerRunsScope(t *testing.T) {
	runner := &fakeSweepRunner{result: sweep.Result{Scope: sweep.ScopeOriginals, ScannedCount: 7}}
	p, store := newTestProcessor(t, &fakeCatalog{}, &fakeExtractor{}, &fakeGenerator{})
	handler := p.SweepHandler(runner)

	env := envelopeFor(t, queue.QueueOrphanSweep, sweep.Payload{
		Scope: sweep.ScopeOriginals, Trigger: "admin", RequestID: "req-1",
	}, 0, 5)

	if err := handler(context.Background(), env); err != nil {
		t.Fatalf("SweepHandler() unexpected error: %v", err)
	}
	if len(runner.payloads) != 1 {
		t.Fatalf("runner invoked %d times, want 1", len(runner.payloads))
	}
	if runner.payloads[0].Scope != sweep.ScopeOriginals || runner.payloads[0].RequestID != "req-1" {
		t.Errorf("payload = %+v, want scope and request id preserved", runner.payloads[0])
	}

	snap := store.Snapshot(nil)
	if counters := snap.Counters[queue.QueueOrphanSweep]; counters.Completed != 1 {
		t.Errorf("sweep completion not recorded: %+v", counters)
	}
}

func TestSweepHandlerInvalidScope(t *testing.T) {
	runner := &fakeSweepRunner{err: sweep.ErrInvalidScope}
	p, store := newTestProcessor(t, &fakeCatalog{}, &fakeExtractor{}, &fakeGenerator{})
	handler := p.SweepHandler(runner)

	env := envelopeFor(t, queue.QueueOrphanSweep, sweep.Payload{Scope: "everything"}, 0, 5)
	err := handler(context.Background(), env)
	if !errors.Is(err, sweep.ErrInvalidScope) {
		t.Fatalf("SweepHandler() error = %v, want ErrInvalidScope", err)
	}

	snap := store.Snapshot(nil)
	failures := snap.RecentFailures[queue.QueueOrphanSweep]
	if len(failures) != 1 || failures[0].FailureCode != "INVALID_SWEEP_SCOPE" {
		t.Errorf("failure telemetry = %+v, want INVALID_SWEEP_SCOPE", failures)
	}
}

func TestSweepHandlerMalformedPayload(t *testing.T) {
	runner := &fakeSweepRunner{}
	p, _ := newTestProcessor(t, &fakeCatalog{}, &fakeExtractor{}, &fakeGenerator{})
	handler := p.SweepHandler(runner)

	env := &queue.Envelope{
		ID: "job-1", Queue: queue.QueueOrphanSweep, MaxAttempts: 5,
		Payload: json.RawMessage(`{"scope":`),
	}
	if err := handler(context.Background(), env); err == nil {
		t.Fatal("malformed sweep payload should be rejected")
	}
	if len(runner.payloads) != 0 {
		t.Error("runner must not run on malformed payload")
	}
}
