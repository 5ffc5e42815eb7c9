// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bump applies SemVer increments to registry entities and cascades
// them to dependents.
//
// Two distinct graph walks live here and they are intentionally different:
// PerformBump cascades exactly one level of children, and only when the
// bumped entity itself is linked-to-parent, while AffectedEntities computes
// the full transitive closure for previews. Callers must not substitute one
// for the other.
package bump

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vergraph/vergraph/services/registry"
)

// Scope selects which SemVer position a bump increments.
type Scope string

const (
	ScopeMajor Scope = "major"
	ScopeMinor Scope = "minor"
	ScopePatch Scope = "patch"
)

// ParseScope validates a wire-level scope string.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeMajor, ScopeMinor, ScopePatch:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown bump scope %q", s)
	}
}

// ErrEntityNotFound is returned when a bump names an entity the registry
// does not contain. The working snapshot is left untouched in that case.
var ErrEntityNotFound = errors.New("entity not found")

// IncrementVersion applies a SemVer increment to a major.minor.patch string.
//
// A leading v is stripped before parsing and is not re-added:
// IncrementVersion("v1.2.3", ScopeMinor) == "1.3.0".
func IncrementVersion(version string, scope Scope) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(version), "v")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("version %q is not major.minor.patch", version)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return "", fmt.Errorf("version %q has non-numeric part %q", version, p)
		}
		nums[i] = n
	}

	switch scope {
	case ScopeMajor:
		nums[0]++
		nums[1], nums[2] = 0, 0
	case ScopeMinor:
		nums[1]++
		nums[2] = 0
	case ScopePatch:
		nums[2]++
	default:
		return "", fmt.Errorf("unknown bump scope %q", scope)
	}

	return fmt.Sprintf("%d.%d.%d", nums[0], nums[1], nums[2]), nil
}

// PerformBump applies a bump to a snapshot and returns the mutated copy plus
// the ordered change list.
//
// Description:
//
//	With an empty entityID every entity is bumped by scope (a global bump).
//	With an entityID the target is bumped; if cascade is true and the
//	target's own updateStrategy is linked-to-parent, every direct child
//	(entities whose parentVersionId equals the target's id) is bumped too —
//	one level only, not re-derived transitively.
//
//	The input snapshot is never mutated: the bump operates on a clone, and
//	on any error the original is returned unchanged with a nil change list.
//
// Outputs:
//
//	registry.Snapshot - The bumped snapshot (a new clone on success).
//	[]registry.VersionChange - One change per bumped entity, snapshot order.
//	error - ErrEntityNotFound for an unknown id; otherwise parse failures.
func PerformBump(snap registry.Snapshot, scope Scope, entityID string, cascade bool) (registry.Snapshot, []registry.VersionChange, error) {
	work := snap.Clone()

	if entityID == "" {
		changes := make([]registry.VersionChange, 0, len(work))
		for i := range work {
			ch, err := bumpEntity(&work[i], scope)
			if err != nil {
				return snap, nil, err
			}
			changes = append(changes, ch)
		}
		return work, changes, nil
	}

	targetIdx := -1
	for i := range work {
		if work[i].ID == entityID {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return snap, nil, fmt.Errorf("%w: %q", ErrEntityNotFound, entityID)
	}

	target := &work[targetIdx]
	ch, err := bumpEntity(target, scope)
	if err != nil {
		return snap, nil, err
	}
	changes := []registry.VersionChange{ch}

	// The cascade condition is keyed off the bumped entity's own strategy,
	// not the children's, and reaches direct children only.
	if cascade && target.UpdateStrategy == registry.StrategyLinkedToParent {
		for i := range work {
			if i == targetIdx || work[i].ParentVersionID != entityID {
				continue
			}
			childCh, err := bumpEntity(&work[i], scope)
			if err != nil {
				return snap, nil, err
			}
			changes = append(changes, childCh)
		}
	}

	return work, changes, nil
}

// AffectedEntities computes the transitive closure of an entity and all of
// its descendants, in breadth-first discovery order starting with the entity
// itself.
//
// This is the preview query: it is deliberately broader than the cascade
// PerformBump applies. Returns nil when the entity does not exist. The
// visited set bounds the walk on cyclic registries.
func AffectedEntities(snap registry.Snapshot, entityID string) []string {
	if _, ok := snap.ByID(entityID); !ok {
		return nil
	}

	visited := map[string]bool{entityID: true}
	order := []string{entityID}
	frontier := []string{entityID}

	for len(frontier) > 0 {
		next := make([]string, 0, len(frontier))
		for _, id := range frontier {
			for _, child := range snap.ChildrenOf(id) {
				if visited[child] {
					continue
				}
				visited[child] = true
				order = append(order, child)
				next = append(next, child)
			}
		}
		frontier = next
	}

	return order
}

// bumpEntity increments a single entity in place and records the change.
func bumpEntity(e *registry.VersionedEntity, scope Scope) (registry.VersionChange, error) {
	old := e.CurrentVersion
	next, err := IncrementVersion(old, scope)
	if err != nil {
		return registry.VersionChange{}, fmt.Errorf("bump %q: %w", e.ID, err)
	}
	e.CurrentVersion = next
	return registry.VersionChange{
		EntityID:    e.ID,
		OldVersion:  old,
		NewVersion:  next,
		DisplayName: e.DisplayName,
	}, nil
}
