package currency

import (
	"context"
	_ "embed"
	"fmt"
	"time"
)

// stubRatesJSON is the fixed snapshot shipped with the service, lifted from
// the rate-source stub the real system embeds (base EUR, captured
// 2022-11-20). Out-of-process FX acquisition is explicitly a collaborator
// (spec §1); this is the "pluggable provider returning a fixed snapshot".
//
//go:embed rates_stub.json
var stubRatesJSON []byte

// RateProvider fetches a fresh Snapshot from wherever rates come from.
// A production deployment supplies one that calls a live FX API; Non-goals
// keep that acquisition out of this module's scope.
type RateProvider interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// StaticProvider always returns the same snapshot it was built with.
type StaticProvider struct {
	snapshot Snapshot
}

// NewStaticProvider wraps a fixed Snapshot as a RateProvider.
func NewStaticProvider(snap Snapshot) *StaticProvider {
	return &StaticProvider{snapshot: snap}
}

func (p *StaticProvider) Fetch(_ context.Context) (Snapshot, error) {
	return p.snapshot, nil
}

// EmbeddedSnapshot parses and returns the service's built-in stub snapshot.
func EmbeddedSnapshot() (Snapshot, error) {
	return ParseSnapshotJSON(stubRatesJSON)
}

// PollRefresher periodically calls a RateProvider and swaps the result into
// a Converter, giving the "background refresher... atomic swap" named in
// spec §9 a concrete, optional home. It is never started unless the caller
// wants periodic refresh; a Converter works perfectly well with a single
// static snapshot for the life of the process.
type PollRefresher struct {
	Converter *Converter
	Provider  RateProvider
	Interval  time.Duration
	OnError   func(error)
}

// Run blocks, refreshing on Interval until ctx is done.
func (r *PollRefresher) Run(ctx context.Context) {
	if r.Interval <= 0 {
		r.Interval = 5 * time.Minute
	}
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := r.Provider.Fetch(ctx)
			if err != nil {
				if r.OnError != nil {
					r.OnError(fmt.Errorf("currency: refresh failed: %w", err))
				}
				continue
			}
			r.Converter.Refresh(snap)
		}
	}
}
