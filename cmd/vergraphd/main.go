// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vergraphd",
	Short: "Versioned-entity registry daemon",
	Long: `vergraphd serves a versioned-entity dependency registry over REST and
WebSocket. Bumps cascade through linked entities and every committed
snapshot is HMAC-signed.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)

	serveCmd.Flags().String("config", "", "Path to a YAML config file (optional).")
	validateCmd.Flags().String("registry", "", "Registry YAML to validate (defaults to the embedded declaration).")
}
