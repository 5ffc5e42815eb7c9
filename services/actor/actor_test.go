// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vergraph/vergraph/services/bump"
	"github.com/vergraph/vergraph/services/registry"
	"github.com/vergraph/vergraph/services/signing"
	"github.com/vergraph/vergraph/services/store"
)

// fakeClock records armed timers and fires them on demand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	was := t.stopped
	t.stopped = true
	return !was
}

// fire runs the most recently armed timer, mirroring a TTL expiry.
func (c *fakeClock) fire(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	require.NotEmpty(t, c.timers)
	timer := c.timers[len(c.timers)-1]
	c.mu.Unlock()
	timer.f()
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func testSnapshot() registry.Snapshot {
	return registry.Snapshot{
		{
			ID:             "global:main",
			Type:           registry.TypeGlobal,
			CurrentVersion: "1.0.0",
			UpdateStrategy: registry.StrategyIndependent,
			DisplayName:    "Main",
		},
		{
			ID:              "component:server",
			Type:            registry.TypeComponent,
			CurrentVersion:  "1.2.3",
			UpdateStrategy:  registry.StrategyLinkedToParent,
			ParentVersionID: "global:main",
			DisplayName:     "Server",
		},
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db, nil, func() (registry.Snapshot, error) {
		return testSnapshot(), nil
	})
}

func newTestActor(t *testing.T, st *store.Store, clock Clock) *Actor {
	t.Helper()
	a, err := New(context.Background(), Config{
		Store:    st,
		Signer:   signing.New(signing.Config{PrimaryKey: []byte("test-key")}, st),
		Snapshot: testSnapshot(),
		Clock:    clock,
	})
	require.NoError(t, err)
	return a
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LifecycleState
		want     bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateTerminated, false},
		{StateRunning, StateBlocked, true},
		{StateRunning, StateTerminated, true},
		{StateRunning, StateError, true},
		{StateRunning, StateCreated, false},
		{StateBlocked, StateRunning, false},
		{StateTerminated, StateRunning, false},
		{StateError, StateRunning, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestParseLifecycleState(t *testing.T) {
	assert.Equal(t, StateRunning, ParseLifecycleState("RUNNING"))
	assert.Equal(t, StateBlocked, ParseLifecycleState("BLOCKED"))
	assert.Equal(t, StateCreated, ParseLifecycleState(""))
	assert.Equal(t, StateCreated, ParseLifecycleState("running"))
}

func TestNew_StartsRunning(t *testing.T) {
	st := newTestStore(t)
	a := newTestActor(t, st, &fakeClock{})

	assert.Equal(t, StateRunning, a.State())

	persisted, found, err := st.LoadLifecycle(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "RUNNING", persisted)
}

func TestNew_BlockedStateSurvivesRestart(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveLifecycle(context.Background(), "BLOCKED"))

	a := newTestActor(t, st, &fakeClock{})
	assert.Equal(t, StateBlocked, a.State(),
		"BLOCKED requires operator intervention, not auto-recovery")
}

func TestRefresh_ReturnsCopy(t *testing.T) {
	a := newTestActor(t, newTestStore(t), &fakeClock{})

	snap, state := a.Refresh(context.Background())
	assert.Equal(t, StateRunning, state)
	require.Len(t, snap, 2)

	snap[0].CurrentVersion = "9.9.9"
	again, _ := a.Refresh(context.Background())
	assert.Equal(t, "1.0.0", again[0].CurrentVersion)
}

func TestBump_CommitsAndSigns(t *testing.T) {
	st := newTestStore(t)
	clock := &fakeClock{}
	a := newTestActor(t, st, clock)

	res, err := a.Bump(context.Background(), BumpParams{
		Scope:    bump.ScopeMinor,
		EntityID: "component:server",
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.DryRun)
	assert.NotEmpty(t, res.Signature)
	assert.Equal(t, signing.KeyV1, res.KeyVersion)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "1.3.0", res.Changes[0].NewVersion)

	// Committed into the working snapshot.
	snap, _ := a.Refresh(context.Background())
	srv, _ := snap.ByID("component:server")
	assert.Equal(t, "1.3.0", srv.CurrentVersion)

	// And persisted durably.
	loaded, tier, err := st.LoadRegistry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.TierLocal, tier)
	srv, _ = loaded.ByID("component:server")
	assert.Equal(t, "1.3.0", srv.CurrentVersion)

	assert.Equal(t, 1, clock.armed(), "eviction alarm armed after commit")
}

func TestBump_DryRun(t *testing.T) {
	st := newTestStore(t)
	clock := &fakeClock{}
	a := newTestActor(t, st, clock)

	res, err := a.Bump(context.Background(), BumpParams{
		Scope:    bump.ScopeMajor,
		EntityID: "global:main",
		DryRun:   true,
	})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Empty(t, res.Signature, "dry runs are never signed")
	assert.Empty(t, res.KeyVersion)
	bumped, _ := res.Bumped.ByID("global:main")
	assert.Equal(t, "2.0.0", bumped.CurrentVersion)

	// Working snapshot untouched, nothing persisted, no alarm.
	snap, _ := a.Refresh(context.Background())
	global, _ := snap.ByID("global:main")
	assert.Equal(t, "1.0.0", global.CurrentVersion)

	_, tier, err := st.LoadRegistry(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, store.TierLocal, tier)
	assert.Equal(t, 0, clock.armed())
}

func TestBump_UnknownEntity(t *testing.T) {
	a := newTestActor(t, newTestStore(t), &fakeClock{})

	_, err := a.Bump(context.Background(), BumpParams{
		Scope:    bump.ScopePatch,
		EntityID: "component:ghost",
	})
	require.ErrorIs(t, err, bump.ErrEntityNotFound)

	snap, _ := a.Refresh(context.Background())
	assert.Equal(t, testSnapshot(), snap)
}

func TestEvictionAlarm(t *testing.T) {
	st := newTestStore(t)
	clock := &fakeClock{}
	a := newTestActor(t, st, clock)

	_, err := a.Bump(context.Background(), BumpParams{Scope: bump.ScopePatch})
	require.NoError(t, err)

	clock.fire(t)
	assert.Equal(t, StateTerminated, a.State())

	persisted, _, err := st.LoadLifecycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TERMINATED", persisted)

	// Next access re-initializes to RUNNING.
	_, state := a.Refresh(context.Background())
	assert.Equal(t, StateRunning, state)
}

func TestEvictionAlarm_SingleShotRearm(t *testing.T) {
	clock := &fakeClock{}
	a := newTestActor(t, newTestStore(t), clock)
	ctx := context.Background()

	_, err := a.Bump(ctx, BumpParams{Scope: bump.ScopePatch})
	require.NoError(t, err)
	_, err = a.Bump(ctx, BumpParams{Scope: bump.ScopePatch})
	require.NoError(t, err)

	require.Equal(t, 2, clock.armed())
	assert.True(t, clock.timers[0].stopped, "previous alarm replaced, not stacked")
	assert.False(t, clock.timers[1].stopped)

	// Firing the stale alarm after reinit does nothing once terminated
	// state was already superseded.
	clock.timers[1].f()
	assert.Equal(t, StateTerminated, a.State())
	clock.timers[1].f()
	assert.Equal(t, StateTerminated, a.State(), "alarm is idempotent once fired")
}

func TestSessions(t *testing.T) {
	a := newTestActor(t, newTestStore(t), &fakeClock{})

	assert.Equal(t, 0, a.ActiveSessions())
	a.AttachSession("s1")
	a.AttachSession("s2")
	assert.Equal(t, 2, a.ActiveSessions())
	a.DetachSession("s1")
	a.DetachSession("unknown")
	assert.Equal(t, 1, a.ActiveSessions())
}
