// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actor

import "time"

// LifecycleState is the coarse session/resource state machine:
//
//	CREATED → RUNNING → {BLOCKED, TERMINATED, ERROR}
//
// There is no transition back to RUNNING; a new request re-initializes the
// state instead. TERMINATED is an eviction signal, not a hard failure.
type LifecycleState string

const (
	StateCreated    LifecycleState = "CREATED"
	StateRunning    LifecycleState = "RUNNING"
	StateBlocked    LifecycleState = "BLOCKED"
	StateTerminated LifecycleState = "TERMINATED"
	StateError      LifecycleState = "ERROR"
)

// CanTransition reports whether the state machine permits moving from s to
// next.
func (s LifecycleState) CanTransition(next LifecycleState) bool {
	switch s {
	case StateCreated:
		return next == StateRunning
	case StateRunning:
		return next == StateBlocked || next == StateTerminated || next == StateError
	default:
		// BLOCKED, TERMINATED, and ERROR are terminal; re-initialization
		// creates a fresh RUNNING state rather than transitioning.
		return false
	}
}

// ParseLifecycleState maps a persisted scalar back onto the enum, defaulting
// unknown values to CREATED.
func ParseLifecycleState(s string) LifecycleState {
	switch LifecycleState(s) {
	case StateCreated, StateRunning, StateBlocked, StateTerminated, StateError:
		return LifecycleState(s)
	default:
		return StateCreated
	}
}

// Clock abstracts timer creation so tests can drive the eviction alarm
// without waiting on wall time.
type Clock interface {
	// AfterFunc arms a single-shot timer that runs f after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable single-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. Reports whether it was stopped
	// before firing.
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by the runtime timers.
func RealClock() Clock {
	return realClock{}
}
