// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxRegistryFileSize caps registry declarations at 1MB. A registry that
// large is a configuration mistake, not a real graph.
const MaxRegistryFileSize = 1024 * 1024

// MaxEntities caps the number of entities in a single registry declaration.
const MaxEntities = 500

//go:embed registry.yaml
var defaultRegistryYAML []byte

// registryYAML is the on-disk shape of a registry declaration.
type registryYAML struct {
	Entities []VersionedEntity `yaml:"entities"`
}

var validate = validator.New()

// LoadDefault parses the embedded default registry declaration.
//
// Description:
//
//	Returns the compiled-in registry snapshot. The embedded declaration is
//	validated at load time; an error here means the binary itself was built
//	with a broken registry and the caller should treat it as fatal.
//
// Outputs:
//
//	Snapshot - The declared entities, in declaration order.
//	error - Non-nil if the embedded YAML is malformed or fails field validation.
func LoadDefault() (Snapshot, error) {
	return parseRegistry(defaultRegistryYAML)
}

// LoadFromFile parses a registry declaration from an external file, falling
// back to the embedded default when path is empty.
//
// Inputs:
//
//	path - Registry YAML path. Empty string selects the embedded default.
//
// Outputs:
//
//	Snapshot - The declared entities.
//	error - Non-nil on read, size, parse, or field-validation failure.
func LoadFromFile(path string) (Snapshot, error) {
	if path == "" {
		return LoadDefault()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat registry file %s: %w", path, err)
	}
	if info.Size() > MaxRegistryFileSize {
		return nil, fmt.Errorf("registry file %s exceeds %d bytes", path, MaxRegistryFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file %s: %w", path, err)
	}

	snap, err := parseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}
	slog.Info("Loaded registry declaration from external file",
		slog.String("path", path), slog.Int("entities", len(snap)))
	return snap, nil
}

// parseRegistry decodes and field-validates a registry declaration.
// Graph-level invariants (uniqueness, parent links, chain termination) are
// the Validate function's job, not the parser's.
func parseRegistry(data []byte) (Snapshot, error) {
	if len(data) > MaxRegistryFileSize {
		return nil, fmt.Errorf("registry declaration exceeds %d bytes", MaxRegistryFileSize)
	}

	var decl registryYAML
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("unmarshal registry yaml: %w", err)
	}
	if len(decl.Entities) == 0 {
		return nil, fmt.Errorf("registry declaration contains no entities")
	}
	if len(decl.Entities) > MaxEntities {
		return nil, fmt.Errorf("registry declaration has %d entities, max %d",
			len(decl.Entities), MaxEntities)
	}

	for i := range decl.Entities {
		if err := validate.Struct(&decl.Entities[i]); err != nil {
			return nil, fmt.Errorf("entity %q (index %d): %w", decl.Entities[i].ID, i, err)
		}
	}

	return Snapshot(decl.Entities), nil
}
