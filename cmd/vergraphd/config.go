// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the daemon configuration. Every field maps to a VERGRAPH_*
// environment variable (e.g. ListenAddr <- VERGRAPH_LISTEN_ADDR) and may
// also come from an optional YAML file.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// ServerHost is the host (or host:port) upgrade requests must declare.
	// Defaults to ListenAddr's host when unset.
	ServerHost     string   `mapstructure:"server_host"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	Subprotocols   []string `mapstructure:"subprotocols"`

	DataDir       string `mapstructure:"data_dir"`
	ExternalKVURL string `mapstructure:"external_kv_url"`
	RegistryPath  string `mapstructure:"registry_path"`

	// SigningKey and SigningKeyV2 are base64-encoded key material. Empty
	// slots are generated and persisted on first use.
	SigningKey   string `mapstructure:"signing_key"`
	SigningKeyV2 string `mapstructure:"signing_key_v2"`

	EvictionTTL time.Duration `mapstructure:"eviction_ttl"`
	CSRFTTL     time.Duration `mapstructure:"csrf_ttl"`

	// ResolverBaseDir roots relative file-rule paths; ManifestPath and
	// AggregationPath feed the higher resolution tiers.
	ResolverBaseDir string `mapstructure:"resolver_base_dir"`
	ManifestPath    string `mapstructure:"manifest_path"`
	AggregationPath string `mapstructure:"aggregation_path"`

	OTELEndpoint string `mapstructure:"otel_endpoint"`

	LogLevel string `mapstructure:"log_level"`
	LogDir   string `mapstructure:"log_dir"`
	LogJSON  bool   `mapstructure:"log_json"`
}

func loadConfig(configFile string) (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":12300")
	v.SetDefault("data_dir", "~/.vergraph/data")
	v.SetDefault("eviction_ttl", 30*time.Minute)
	v.SetDefault("csrf_ttl", 10*time.Minute)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)

	v.SetEnvPrefix("VERGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if cfg.ServerHost == "" {
		cfg.ServerHost = hostFromAddr(cfg.ListenAddr)
	}
	return cfg, nil
}

// decodeKey decodes optional base64 key material. Empty input is not an
// error; it means the slot is unset.
func decodeKey(name, encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return key, nil
}

func hostFromAddr(addr string) string {
	host, _, found := strings.Cut(addr, ":")
	if !found || host == "" {
		return "localhost" + addr
	}
	return addr
}
