// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ChainStatus classifies one parent-link walk through the graph.
type ChainStatus string

const (
	// ChainValid chains terminate at a global-typed entity with no repeats.
	ChainValid ChainStatus = "valid"
	// ChainCircular chains revisit a previously-visited node.
	ChainCircular ChainStatus = "circular"
	// ChainNonTerminating chains run out of parent links before reaching a
	// global entity.
	ChainNonTerminating ChainStatus = "non-terminating"
)

// ValidationResult aggregates everything the graph validator found.
// A registry is safe to serve iff Valid is true; warnings never block startup.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Info     []string `json:"info"`
}

// Validate checks the structural invariants of a registry snapshot.
//
// Description:
//
//	Runs, in order: duplicate-ID detection, dangling-parent detection,
//	parent-chain classification, and optional-metadata checks. Chain walks
//	are iterative with an explicit visited set and ordered path, so a
//	malicious or broken registry can never drive unbounded recursion.
//
//	Duplicate IDs, dangling parents, and circular chains are errors: the
//	service must refuse to start rather than serve an inconsistent graph.
//	Non-terminating chains and missing optional metadata are warnings.
//
// Inputs:
//
//	snap - The registry snapshot to check. May be in any state.
//
// Outputs:
//
//	ValidationResult - Valid iff zero errors were found.
func Validate(snap Snapshot) ValidationResult {
	res := ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
		Info:     []string{},
	}

	// Invariant 1: unique IDs.
	seen := make(map[string]bool, len(snap))
	for _, e := range snap {
		if seen[e.ID] {
			res.Errors = append(res.Errors,
				fmt.Sprintf("duplicate entity id %q", e.ID))
			continue
		}
		seen[e.ID] = true
	}

	idx := snap.Index()

	// Invariant 2: every non-empty parent reference resolves.
	for _, e := range snap {
		if e.ParentVersionID == "" {
			continue
		}
		if _, ok := idx[e.ParentVersionID]; !ok {
			res.Errors = append(res.Errors,
				fmt.Sprintf("entity %q references missing parent %q", e.ID, e.ParentVersionID))
		}
	}

	// Invariant 3: chain classification for entities whose parent is
	// linked-to-parent. Distinct start entities can discover the same cycle;
	// report each cycle once.
	reportedCycles := make(map[string]bool)
	globals := 0
	for _, e := range snap {
		if e.Type == TypeGlobal {
			globals++
		}
		parent, ok := idx[e.ParentVersionID]
		if e.ParentVersionID == "" || !ok || parent.UpdateStrategy != StrategyLinkedToParent {
			continue
		}

		status, path := traceChain(e, idx)
		switch status {
		case ChainCircular:
			key := cycleKey(path)
			if !reportedCycles[key] {
				reportedCycles[key] = true
				res.Errors = append(res.Errors,
					fmt.Sprintf("circular dependency chain: %s", strings.Join(path, " -> ")))
			}
		case ChainNonTerminating:
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("chain from %q does not terminate at a global entity (path: %s)",
					e.ID, strings.Join(path, " -> ")))
		}
	}

	// Invariant 4: type-specific metadata.
	for _, e := range snap {
		switch e.Type {
		case TypeAPIScope:
			if e.APIEndpointPrefix == "" {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("api-scope entity %q has no apiEndpointPrefix", e.ID))
			}
		case TypeCLITool:
			if e.CLICommandName == "" {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("cli-tool entity %q has no cliCommandName", e.ID))
			}
		}
	}

	res.Info = append(res.Info,
		fmt.Sprintf("registry: %d entities, %d global", len(snap), globals))
	res.Valid = len(res.Errors) == 0
	return res
}

// LogResult writes a validation result to the structured log at the severity
// each finding deserves.
func (r ValidationResult) LogResult() {
	for _, e := range r.Errors {
		slog.Error("registry validation error", slog.String("detail", e))
	}
	for _, w := range r.Warnings {
		slog.Warn("registry validation warning", slog.String("detail", w))
	}
	for _, i := range r.Info {
		slog.Info("registry validation", slog.String("detail", i))
	}
}

// traceChain walks parent links from start until it hits a global entity, a
// repeat, or a dead end. Iterative on purpose; the visited set doubles as the
// recursion bound.
func traceChain(start VersionedEntity, idx map[string]VersionedEntity) (ChainStatus, []string) {
	visited := make(map[string]bool)
	path := make([]string, 0, 8)

	cur := start
	for {
		if visited[cur.ID] {
			path = append(path, cur.ID)
			return ChainCircular, path
		}
		visited[cur.ID] = true
		path = append(path, cur.ID)

		if cur.Type == TypeGlobal {
			return ChainValid, path
		}
		if cur.ParentVersionID == "" {
			return ChainNonTerminating, path
		}
		next, ok := idx[cur.ParentVersionID]
		if !ok {
			// Dangling parents are reported separately as errors; for the
			// walk itself this is just a chain that never reaches global.
			return ChainNonTerminating, path
		}
		cur = next
	}
}

// cycleKey produces a canonical identity for a cycle regardless of which
// entity the walk entered it from. The walk appends the repeated node twice,
// so the member set is deduplicated before sorting.
func cycleKey(path []string) string {
	set := make(map[string]bool, len(path))
	for _, id := range path {
		set[id] = true
	}
	members := make([]string, 0, len(set))
	for id := range set {
		members = append(members, id)
	}
	sort.Strings(members)
	return strings.Join(members, "|")
}
