// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefault(t *testing.T) {
	snap, err := LoadDefault()
	require.NoError(t, err)
	require.NotEmpty(t, snap)

	// The embedded declaration must itself pass graph validation.
	res := Validate(snap)
	assert.True(t, res.Valid, "embedded registry invalid: %v", res.Errors)

	global, ok := snap.ByID("global:main")
	require.True(t, ok)
	assert.Equal(t, TypeGlobal, global.Type)
	assert.Equal(t, StrategyIndependent, global.UpdateStrategy)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	data := `entities:
  - id: "global:test"
    type: global
    currentVersion: "2.0.0"
    updateStrategy: independent
    displayName: "Test Global"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	snap, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "global:test", snap[0].ID)
	assert.Equal(t, "2.0.0", snap[0].CurrentVersion)
}

func TestLoadFromFile_EmptyPathUsesDefault(t *testing.T) {
	snap, err := LoadFromFile("")
	require.NoError(t, err)

	def, err := LoadDefault()
	require.NoError(t, err)
	assert.Equal(t, def, snap)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stat registry file")
}

func TestParseRegistry_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			data:    "entities: [",
			wantErr: "unmarshal registry yaml",
		},
		{
			name:    "no entities",
			data:    "entities: []",
			wantErr: "no entities",
		},
		{
			name: "missing display name",
			data: `entities:
  - id: "global:x"
    type: global
    currentVersion: "1.0.0"
    updateStrategy: independent
`,
			wantErr: "DisplayName",
		},
		{
			name: "unknown type",
			data: `entities:
  - id: "widget:x"
    type: widget
    currentVersion: "1.0.0"
    updateStrategy: independent
    displayName: "Widget"
`,
			wantErr: "Type",
		},
		{
			name: "unknown strategy",
			data: `entities:
  - id: "global:x"
    type: global
    currentVersion: "1.0.0"
    updateStrategy: sometimes
    displayName: "Global"
`,
			wantErr: "UpdateStrategy",
		},
		{
			name: "file rule missing pattern",
			data: `entities:
  - id: "global:x"
    type: global
    currentVersion: "1.0.0"
    updateStrategy: independent
    displayName: "Global"
    files:
      - path: "VERSION"
`,
			wantErr: "Pattern",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRegistry([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSnapshot_Clone(t *testing.T) {
	orig := Snapshot{
		{
			ID:             "global:main",
			Type:           TypeGlobal,
			CurrentVersion: "1.0.0",
			UpdateStrategy: StrategyIndependent,
			DisplayName:    "Main",
			Files:          []FileRule{{Path: "VERSION", Pattern: `(\d+)`}},
		},
	}

	clone := orig.Clone()
	clone[0].CurrentVersion = "9.9.9"
	clone[0].Files[0].Path = "OTHER"

	assert.Equal(t, "1.0.0", orig[0].CurrentVersion)
	assert.Equal(t, "VERSION", orig[0].Files[0].Path)
}

func TestSnapshot_ChildrenOf(t *testing.T) {
	snap := Snapshot{
		entity("global:main", TypeGlobal, StrategyIndependent, ""),
		entity("component:a", TypeComponent, StrategyLinkedToParent, "global:main"),
		entity("component:b", TypeComponent, StrategyIndependent, "global:main"),
		entity("docs:x", TypeDocumentation, StrategyLinkedToParent, "component:a"),
	}

	assert.Equal(t, []string{"component:a", "component:b"}, snap.ChildrenOf("global:main"))
	assert.Equal(t, []string{"docs:x"}, snap.ChildrenOf("component:a"))
	assert.Nil(t, snap.ChildrenOf("component:b"))
}

func TestSnapshot_ByID(t *testing.T) {
	snap := Snapshot{entity("global:main", TypeGlobal, StrategyIndependent, "")}

	got, ok := snap.ByID("global:main")
	assert.True(t, ok)
	assert.Equal(t, "global:main", got.ID)

	_, ok = snap.ByID("missing")
	assert.False(t, ok)
}
