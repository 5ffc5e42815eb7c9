// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package actor hosts the single logical owner of the registry snapshot and
// the signing keys.
//
// All mutating operations and persistence writes go through one Actor and
// are processed one at a time: a mutex serializes effects across every
// attached session, so one bump completes before the next begins and there
// is no concurrent-writer scenario to reconcile. Callers must not assume a
// previous refresh result is still current once any bump has been accepted.
//
// The eviction alarm is the only asynchronous operation outside direct
// request handling: a single-shot timer re-armed on every successful
// mutation, which moves the actor to TERMINATED if it fires while the state
// is still RUNNING. Eviction is a signal, not a failure; the next request
// re-initializes the state.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vergraph/vergraph/observability"
	"github.com/vergraph/vergraph/services/bump"
	"github.com/vergraph/vergraph/services/registry"
	"github.com/vergraph/vergraph/services/signing"
	"github.com/vergraph/vergraph/services/store"
)

// DefaultEvictionTTL is how long the actor stays RUNNING after its last
// mutation before the alarm evicts it.
const DefaultEvictionTTL = 30 * time.Minute

// Config wires an Actor.
type Config struct {
	Store  *store.Store
	Signer *signing.Signer

	// Snapshot is the validated working snapshot loaded at startup.
	Snapshot registry.Snapshot

	// EvictionTTL overrides DefaultEvictionTTL when positive.
	EvictionTTL time.Duration

	// Clock overrides the runtime clock in tests.
	Clock Clock
}

// BumpParams is a validated bump request.
type BumpParams struct {
	Scope      bump.Scope
	EntityID   string
	Cascade    bool
	DryRun     bool
	KeyVersion signing.KeyVersion
}

// BumpResult is the signed outcome of a bump.
type BumpResult struct {
	Success    bool                     `json:"success"`
	Bumped     registry.Snapshot        `json:"bumped"`
	Changes    []registry.VersionChange `json:"changes"`
	Signature  string                   `json:"signature,omitempty"`
	Timestamp  int64                    `json:"timestamp"`
	KeyVersion signing.KeyVersion       `json:"keyVersion,omitempty"`
	DryRun     bool                     `json:"dryRun,omitempty"`
}

// Actor owns the working snapshot, lifecycle state, and eviction alarm.
type Actor struct {
	mu       sync.Mutex
	snapshot registry.Snapshot
	state    LifecycleState

	st     *store.Store
	signer *signing.Signer

	clock       Clock
	evictionTTL time.Duration
	alarm       Timer

	sessions map[string]bool
}

// New creates the actor around an already-validated snapshot and restores
// the persisted lifecycle scalar, immediately re-initializing to RUNNING.
func New(ctx context.Context, cfg Config) (*Actor, error) {
	if cfg.Store == nil || cfg.Signer == nil {
		return nil, fmt.Errorf("actor requires a store and a signer")
	}

	ttl := cfg.EvictionTTL
	if ttl <= 0 {
		ttl = DefaultEvictionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}

	a := &Actor{
		snapshot:    cfg.Snapshot,
		state:       StateCreated,
		st:          cfg.Store,
		signer:      cfg.Signer,
		clock:       clock,
		evictionTTL: ttl,
		sessions:    make(map[string]bool),
	}

	if persisted, found, err := cfg.Store.LoadLifecycle(ctx); err != nil {
		return nil, fmt.Errorf("restore lifecycle state: %w", err)
	} else if found {
		a.state = ParseLifecycleState(persisted)
	}

	// Startup is an access: whatever was persisted, the actor serves from a
	// fresh RUNNING state.
	a.mu.Lock()
	a.reinitLocked(ctx)
	a.mu.Unlock()

	observability.RegistryEntities.Set(float64(len(cfg.Snapshot)))
	return a, nil
}

// State returns the current lifecycle state.
func (a *Actor) State() LifecycleState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Refresh returns the current snapshot and lifecycle state. The snapshot is
// a copy; callers may hold it across later mutations.
func (a *Actor) Refresh(ctx context.Context) (registry.Snapshot, LifecycleState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reinitLocked(ctx)
	return a.snapshot.Clone(), a.state
}

// AffectedEntities is the read-only transitive preview (see bump package).
func (a *Actor) AffectedEntities(entityID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bump.AffectedEntities(a.snapshot, entityID)
}

// Bump runs the full mutation pipeline: bump engine, signing, persistence,
// alarm re-arm. Serialized against every other effect on the actor.
//
// Description:
//
//	A dry run computes the bumped snapshot and change list but skips
//	signing and persistence entirely and leaves the working snapshot
//	untouched, so the response carries no signature and cannot be mistaken
//	for a committed one. On any error the working snapshot is unchanged.
func (a *Actor) Bump(ctx context.Context, p BumpParams) (BumpResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reinitLocked(ctx)

	start := time.Now()
	defer func() {
		observability.BumpDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	bumped, changes, err := bump.PerformBump(a.snapshot, p.Scope, p.EntityID, p.Cascade)
	if err != nil {
		observability.BumpsTotal.WithLabelValues(string(p.Scope), "error").Inc()
		return BumpResult{}, err
	}

	if p.DryRun {
		observability.BumpsTotal.WithLabelValues(string(p.Scope), "dry_run").Inc()
		return BumpResult{
			Success:   true,
			Bumped:    bumped,
			Changes:   changes,
			Timestamp: time.Now().UnixMilli(),
			DryRun:    true,
		}, nil
	}

	sig, used, err := a.signer.Sign(ctx, bumped, p.KeyVersion)
	if err != nil {
		observability.SigningOperationsTotal.WithLabelValues(string(p.KeyVersion), "error").Inc()
		observability.BumpsTotal.WithLabelValues(string(p.Scope), "error").Inc()
		return BumpResult{}, fmt.Errorf("sign bumped snapshot: %w", err)
	}
	observability.SigningOperationsTotal.WithLabelValues(string(used), "success").Inc()

	if err := a.st.SaveRegistry(ctx, bumped); err != nil {
		observability.BumpsTotal.WithLabelValues(string(p.Scope), "error").Inc()
		return BumpResult{}, err
	}

	a.snapshot = bumped
	a.armAlarmLocked()
	observability.BumpsTotal.WithLabelValues(string(p.Scope), "success").Inc()
	observability.RegistryEntities.Set(float64(len(bumped)))

	slog.Info("bump applied",
		slog.String("scope", string(p.Scope)),
		slog.String("entity", p.EntityID),
		slog.Bool("cascade", p.Cascade),
		slog.Int("changes", len(changes)),
		slog.String("key_version", string(used)))

	return BumpResult{
		Success:    true,
		Bumped:     bumped,
		Changes:    changes,
		Signature:  sig,
		Timestamp:  time.Now().UnixMilli(),
		KeyVersion: used,
	}, nil
}

// AttachSession registers a realtime session with the actor.
func (a *Actor) AttachSession(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[id] = true
	observability.ActiveSessions.Set(float64(len(a.sessions)))
}

// DetachSession removes a session on close or eviction.
func (a *Actor) DetachSession(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
	observability.ActiveSessions.Set(float64(len(a.sessions)))
}

// ActiveSessions reports how many sessions are attached.
func (a *Actor) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// reinitLocked re-initializes a terminal state to RUNNING on access. Called
// with the mutex held.
func (a *Actor) reinitLocked(ctx context.Context) {
	switch a.state {
	case StateRunning:
		return
	case StateCreated:
		a.state = StateRunning
	case StateTerminated:
		// Evicted actors are recreated on next access.
		slog.Info("actor re-initialized after eviction")
		a.state = StateRunning
	default:
		// BLOCKED and ERROR stay put until an operator intervenes.
		return
	}
	if err := a.st.SaveLifecycle(ctx, string(a.state)); err != nil {
		slog.Warn("failed to persist lifecycle state", slog.String("error", err.Error()))
	}
}

// armAlarmLocked replaces the eviction alarm. Called with the mutex held.
func (a *Actor) armAlarmLocked() {
	if a.alarm != nil {
		a.alarm.Stop()
	}
	a.alarm = a.clock.AfterFunc(a.evictionTTL, a.onAlarm)
}

// onAlarm fires once. It only changes state if the actor is still RUNNING.
func (a *Actor) onAlarm() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateRunning {
		return
	}
	a.state = StateTerminated
	observability.EvictionsTotal.Inc()
	slog.Info("eviction alarm fired, actor terminated",
		slog.Duration("ttl", a.evictionTTL))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.st.SaveLifecycle(ctx, string(StateTerminated)); err != nil {
		slog.Warn("failed to persist terminated state", slog.String("error", err.Error()))
	}
}
