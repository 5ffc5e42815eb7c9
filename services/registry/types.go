// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry defines the versioned-entity data model and the static
// dependency-graph declaration the service is built around.
//
// A registry snapshot (an ordered slice of entities) is the unit of mutation,
// signing, and persistence: bumps always replace the whole snapshot, never a
// single entity in isolation, so that signatures cover the complete state.
//
// Thread Safety:
//
//	The types in this package are plain values. Snapshot.Clone exists so that
//	callers can hand out copies without sharing backing arrays.
package registry

import "fmt"

// EntityType classifies a node in the version dependency graph.
type EntityType string

const (
	TypeGlobal        EntityType = "global"
	TypeComponent     EntityType = "component"
	TypeAPIScope      EntityType = "api-scope"
	TypeCLITool       EntityType = "cli-tool"
	TypeDocumentation EntityType = "documentation"
)

// UpdateStrategy describes how an entity's version moves relative to its parent.
type UpdateStrategy string

const (
	// StrategyIndependent entities are bumped on their own schedule.
	StrategyIndependent UpdateStrategy = "independent"
	// StrategyLinkedToParent entities are conceptually tied to a parent entity.
	StrategyLinkedToParent UpdateStrategy = "linked-to-parent"
)

// FileRule declares where on disk an entity's version string lives and how to
// extract it. Rules are ordered; the first successful rule wins. The core does
// not interpret Replacement — it belongs to the external file-rewriting
// collaborator.
type FileRule struct {
	Path           string `json:"path" yaml:"path" validate:"required"`
	Pattern        string `json:"pattern" yaml:"pattern" validate:"required"`
	Replacement    string `json:"replacement" yaml:"replacement"`
	DefaultVersion string `json:"defaultVersion,omitempty" yaml:"defaultVersion,omitempty"`
	Required       bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// VersionedEntity is a node in the dependency graph.
//
// # Fields
//
//   - ID: unique string key, stable across the process lifetime.
//   - Type: one of the EntityType constants.
//   - CurrentVersion: SemVer string (major.minor.patch, optionally v-prefixed).
//   - UpdateStrategy: independent or linked-to-parent.
//   - ParentVersionID: optional reference to another entity's ID. Must resolve
//     to an existing entity when present (enforced by Validate).
//   - APIEndpointPrefix: expected on api-scope entities (warning if absent).
//   - CLICommandName: expected on cli-tool entities (warning if absent).
//   - Files: ordered file-resolution rules, opaque beyond first-match-wins.
type VersionedEntity struct {
	ID                string         `json:"id" yaml:"id" validate:"required"`
	Type              EntityType     `json:"type" yaml:"type" validate:"required,oneof=global component api-scope cli-tool documentation"`
	CurrentVersion    string         `json:"currentVersion" yaml:"currentVersion" validate:"required"`
	UpdateStrategy    UpdateStrategy `json:"updateStrategy" yaml:"updateStrategy" validate:"required,oneof=independent linked-to-parent"`
	ParentVersionID   string         `json:"parentVersionId,omitempty" yaml:"parentVersionId,omitempty"`
	DisplayName       string         `json:"displayName" yaml:"displayName" validate:"required"`
	APIEndpointPrefix string         `json:"apiEndpointPrefix,omitempty" yaml:"apiEndpointPrefix,omitempty"`
	CLICommandName    string         `json:"cliCommandName,omitempty" yaml:"cliCommandName,omitempty"`
	Files             []FileRule     `json:"files,omitempty" yaml:"files,omitempty" validate:"dive"`
}

// LoadedVersionEntity is a VersionedEntity whose CurrentVersion has been
// resolved dynamically. Created per resolution pass; never persisted on its
// own.
type LoadedVersionEntity struct {
	VersionedEntity
	VersionRead  bool   `json:"versionRead"`
	VersionError string `json:"versionError,omitempty"`
}

// VersionChange records a single entity's version transition within a bump.
type VersionChange struct {
	EntityID    string `json:"entityId"`
	OldVersion  string `json:"oldVersion"`
	NewVersion  string `json:"newVersion"`
	DisplayName string `json:"displayName"`
}

func (c VersionChange) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.EntityID, c.OldVersion, c.NewVersion)
}

// Snapshot is an ordered set of entities with live versions. It is the unit of
// mutation, signing, and persistence.
type Snapshot []VersionedEntity

// Clone returns a deep copy of the snapshot. File rule slices are copied so a
// mutation of the clone can never leak into the original.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	copy(out, s)
	for i := range out {
		if len(out[i].Files) > 0 {
			files := make([]FileRule, len(out[i].Files))
			copy(files, out[i].Files)
			out[i].Files = files
		}
	}
	return out
}

// ByID returns the entity with the given ID and whether it exists.
func (s Snapshot) ByID(id string) (VersionedEntity, bool) {
	for _, e := range s {
		if e.ID == id {
			return e, true
		}
	}
	return VersionedEntity{}, false
}

// Index builds an id -> entity lookup map over the snapshot.
func (s Snapshot) Index() map[string]VersionedEntity {
	idx := make(map[string]VersionedEntity, len(s))
	for _, e := range s {
		idx[e.ID] = e
	}
	return idx
}

// ChildrenOf returns the IDs of entities whose ParentVersionID equals id, in
// snapshot order.
func (s Snapshot) ChildrenOf(id string) []string {
	var children []string
	for _, e := range s {
		if e.ParentVersionID == id {
			children = append(children, e.ID)
		}
	}
	return children
}
