// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resolver resolves each registry entity's live version from the
// files that encode it.
//
// Resolution is strictly read-only and deterministic: given a fixed
// filesystem state, repeated passes return identical results. A failure to
// resolve one entity never aborts resolution of the others; it is recorded
// on that entity as a versionError instead.
//
// The priority order per entity, stopping at the first success:
//
//  1. Designated global source: a JSON manifest field, for global entities.
//  2. Aggregation file lookup, for component entities.
//  3. The entity's first declared file rule (rule defaults and the required
//     flag apply here).
//  4. Remaining file rules in order, individually non-fatal.
//  5. The static currentVersion already in the registry.
package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/vergraph/vergraph/services/registry"
)

// Config locates the external files the resolver may consult. All fields are
// optional; empty values disable the corresponding tier.
type Config struct {
	// BaseDir is the root against which relative file-rule paths resolve.
	BaseDir string

	// ManifestPath is the designated hard-coded version source for global
	// entities (a JSON file).
	ManifestPath string

	// ManifestField is the JSON field in ManifestPath holding the version.
	// Defaults to "version".
	ManifestField string

	// AggregationPath is a JSON object mapping component entity IDs to
	// versions.
	AggregationPath string
}

// Resolver performs tiered version resolution over a registry snapshot.
// Safe for concurrent use; it holds no mutable state.
type Resolver struct {
	cfg Config
}

// New returns a Resolver over the given file layout.
func New(cfg Config) *Resolver {
	if cfg.ManifestField == "" {
		cfg.ManifestField = "version"
	}
	return &Resolver{cfg: cfg}
}

// ResolveAll resolves every entity in the snapshot. The result preserves
// snapshot order and always has one element per input entity.
func (r *Resolver) ResolveAll(snap registry.Snapshot) []registry.LoadedVersionEntity {
	out := make([]registry.LoadedVersionEntity, 0, len(snap))
	for _, e := range snap {
		out = append(out, r.Resolve(e))
	}
	return out
}

// Resolve resolves a single entity's current version through the tier order.
// The returned entity carries VersionRead=true only when some tier actually
// produced a version; a recorded VersionError leaves the static version in
// place as the display value.
func (r *Resolver) Resolve(e registry.VersionedEntity) registry.LoadedVersionEntity {
	loaded := registry.LoadedVersionEntity{VersionedEntity: e}

	// Tier 1: designated global source.
	if e.Type == registry.TypeGlobal && r.cfg.ManifestPath != "" {
		if v, err := r.readManifestVersion(); err == nil {
			loaded.CurrentVersion = v
			loaded.VersionRead = true
			return loaded
		}
	}

	// Tier 2: aggregation file for components.
	if e.Type == registry.TypeComponent && r.cfg.AggregationPath != "" {
		if v, ok := r.readAggregatedVersion(e.ID); ok {
			loaded.CurrentVersion = v
			loaded.VersionRead = true
			return loaded
		}
	}

	// Tiers 3 and 4: declared file rules, first rule carrying the required
	// semantics, the rest best-effort.
	for i, rule := range e.Files {
		v, err := r.applyRule(rule)
		if err == nil {
			loaded.CurrentVersion = v
			loaded.VersionRead = true
			return loaded
		}
		if i == 0 && rule.Required {
			loaded.VersionError = fmt.Sprintf("required version file %s: %v", rule.Path, err)
			return loaded
		}
	}

	// Tier 5: static declaration. Nothing was read but nothing failed hard
	// either; the registry value stands.
	if loaded.VersionError == "" {
		loaded.VersionRead = false
	}
	return loaded
}

// applyRule resolves one file rule: a missing file uses the rule default when
// declared, otherwise the rule fails; a present file must match the pattern
// with a version in its first capture group.
func (r *Resolver) applyRule(rule registry.FileRule) (string, error) {
	path := rule.Path
	if !filepath.IsAbs(path) && r.cfg.BaseDir != "" {
		path = filepath.Join(r.cfg.BaseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && rule.DefaultVersion != "" {
			return normalizeVersion(rule.DefaultVersion)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	re, err := regexp.Compile("(?m)" + rule.Pattern)
	if err != nil {
		return "", fmt.Errorf("compile pattern %q: %w", rule.Pattern, err)
	}
	m := re.FindSubmatch(data)
	if len(m) < 2 {
		return "", fmt.Errorf("pattern %q matched no version in %s", rule.Pattern, path)
	}
	return normalizeVersion(string(m[1]))
}

// readManifestVersion reads the configured field from the JSON manifest.
func (r *Resolver) readManifestVersion() (string, error) {
	data, err := os.ReadFile(r.manifestPath())
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}
	var manifest map[string]json.RawMessage
	if err := json.Unmarshal(data, &manifest); err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}
	raw, ok := manifest[r.cfg.ManifestField]
	if !ok {
		return "", fmt.Errorf("manifest has no %q field", r.cfg.ManifestField)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("manifest field %q is not a string: %w", r.cfg.ManifestField, err)
	}
	return normalizeVersion(v)
}

func (r *Resolver) manifestPath() string {
	if filepath.IsAbs(r.cfg.ManifestPath) || r.cfg.BaseDir == "" {
		return r.cfg.ManifestPath
	}
	return filepath.Join(r.cfg.BaseDir, r.cfg.ManifestPath)
}

// readAggregatedVersion looks an entity up in the aggregation file.
func (r *Resolver) readAggregatedVersion(id string) (string, bool) {
	path := r.cfg.AggregationPath
	if !filepath.IsAbs(path) && r.cfg.BaseDir != "" {
		path = filepath.Join(r.cfg.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var agg map[string]string
	if err := json.Unmarshal(data, &agg); err != nil {
		return "", false
	}
	v, ok := agg[id]
	if !ok {
		return "", false
	}
	norm, err := normalizeVersion(v)
	if err != nil {
		return "", false
	}
	return norm, true
}

// normalizeVersion strips an optional leading v and sanity-checks the result
// as a plain major.minor.patch version.
func normalizeVersion(v string) (string, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "v"))
	if strings.Count(trimmed, ".") != 2 || !semver.IsValid("v"+trimmed) {
		return "", fmt.Errorf("invalid major.minor.patch version %q", v)
	}
	return trimmed, nil
}
