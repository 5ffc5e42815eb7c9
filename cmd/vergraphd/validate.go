// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vergraph/vergraph/services/registry"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a registry declaration and exit",
	Long: `Loads a registry YAML file (or the embedded declaration when no
--registry flag is given), runs structural validation, and prints the
findings. Exits non-zero when the registry has errors.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("registry")

		var snap registry.Snapshot
		var err error
		if path != "" {
			snap, err = registry.LoadFromFile(path)
		} else {
			snap, err = registry.LoadDefault()
		}
		if err != nil {
			return fmt.Errorf("load registry: %w", err)
		}

		result := registry.Validate(snap)
		for _, msg := range result.Errors {
			fmt.Printf("ERROR   %s\n", msg)
		}
		for _, msg := range result.Warnings {
			fmt.Printf("WARNING %s\n", msg)
		}
		for _, msg := range result.Info {
			fmt.Printf("INFO    %s\n", msg)
		}
		if !result.Valid {
			return fmt.Errorf("registry invalid: %d error(s)", len(result.Errors))
		}
		fmt.Printf("registry valid: %d entities\n", len(snap))
		return nil
	},
}
