// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package signing produces keyed-hash signatures over bumped registry
// snapshots and manages signing-key rotation.
//
// Two key versions (v1 and v2) are concurrently valid so the signing key can
// be rotated without invalidating in-flight signatures: during a rotation
// window callers may request signatures under either version. The key ring
// models the two slots explicitly rather than as a try-then-catch fallback.
//
// Key material for a version is resolved in this order:
//
//  1. Explicit environment-provided material for the requested version.
//  2. For the secondary (rotation) slot only: the primary slot, with a
//     logged warning, reporting the primary as the version actually used.
//  3. A key persisted in the actor-local store.
//  4. A freshly generated random key, persisted for future use.
//
// Resolved keys are cached in memory after first resolution. Every signing
// call records which key version produced the signature (the ledger pin) so
// verifiers can be told which key to check.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vergraph/vergraph/services/registry"
)

// KeyVersion names a slot in the signing key ring.
type KeyVersion string

const (
	KeyV1 KeyVersion = "v1"
	KeyV2 KeyVersion = "v2"
)

// DefaultKeyVersion is used when a caller does not request a version.
const DefaultKeyVersion = KeyV1

// GeneratedKeySize is the size of self-generated key material.
const GeneratedKeySize = 32

var (
	// ErrUnknownKeyVersion is returned for versions outside the ring.
	ErrUnknownKeyVersion = errors.New("unknown signing key version")

	// ErrKeyResolution is returned when no tier could produce key material.
	ErrKeyResolution = errors.New("signing key resolution failed")
)

// ParseKeyVersion validates a wire-level key version string. Empty input
// selects the default.
func ParseKeyVersion(s string) (KeyVersion, error) {
	switch KeyVersion(s) {
	case "":
		return DefaultKeyVersion, nil
	case KeyV1, KeyV2:
		return KeyVersion(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKeyVersion, s)
	}
}

// KeyStore is the slice of the persistence tier the signer needs: durable
// key blobs and the ledger pin.
type KeyStore interface {
	LoadKey(ctx context.Context, version string) ([]byte, bool, error)
	StoreKey(ctx context.Context, version string, key []byte) error
	RecordLedgerPin(ctx context.Context, version string) error
}

// Config carries environment-provided key material. Nil slices mean the
// environment did not provide material for that slot.
type Config struct {
	PrimaryKey   []byte
	SecondaryKey []byte
}

// Signer signs snapshots with HMAC-SHA256. Safe for concurrent use.
type Signer struct {
	cfg   Config
	store KeyStore
	cache *gocache.Cache

	// mu serializes generate-and-persist so two concurrent resolutions of
	// the same slot cannot mint different keys.
	mu sync.Mutex
}

// New creates a Signer over the given key store.
func New(cfg Config, store KeyStore) *Signer {
	return &Signer{
		cfg:   cfg,
		store: store,
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// Sign produces a signature over the canonical JSON serialization of the
// entity array.
//
// Outputs:
//
//	string - Hex-encoded HMAC-SHA256 signature.
//	KeyVersion - The key version actually used. Differs from the request
//	  only when the secondary slot fell back to the primary.
//	error - Non-nil if key resolution or serialization failed; no signature
//	  is returned in that case.
func (s *Signer) Sign(ctx context.Context, entities registry.Snapshot, kv KeyVersion) (string, KeyVersion, error) {
	payload, err := json.Marshal(entities)
	if err != nil {
		return "", "", fmt.Errorf("serialize snapshot for signing: %w", err)
	}

	sig, used, err := s.SignBytes(ctx, payload, kv)
	if err != nil {
		return "", "", err
	}

	if err := s.store.RecordLedgerPin(ctx, string(used)); err != nil {
		// The signature is valid either way; the pin is audit metadata.
		slog.Warn("failed to record signing ledger pin",
			slog.String("key_version", string(used)), slog.String("error", err.Error()))
	}
	return sig, used, nil
}

// SignBytes signs an arbitrary payload under the requested key version. Used
// by Sign and by the one-time CSRF token primitive.
func (s *Signer) SignBytes(ctx context.Context, payload []byte, kv KeyVersion) (string, KeyVersion, error) {
	key, used, err := s.resolveKey(ctx, kv)
	if err != nil {
		return "", "", err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), used, nil
}

// Verify reports whether signature matches the snapshot under the given key
// version. Comparison is constant-time.
func (s *Signer) Verify(ctx context.Context, entities registry.Snapshot, signature string, kv KeyVersion) (bool, error) {
	payload, err := json.Marshal(entities)
	if err != nil {
		return false, fmt.Errorf("serialize snapshot for verification: %w", err)
	}
	return s.VerifyBytes(ctx, payload, signature, kv)
}

// VerifyBytes verifies a signature over an arbitrary payload.
func (s *Signer) VerifyBytes(ctx context.Context, payload []byte, signature string, kv KeyVersion) (bool, error) {
	key, _, err := s.resolveKey(ctx, kv)
	if err != nil {
		return false, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(expected, got), nil
}

// resolveKey walks the material resolution order for a slot.
func (s *Signer) resolveKey(ctx context.Context, kv KeyVersion) ([]byte, KeyVersion, error) {
	switch kv {
	case KeyV1, KeyV2:
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownKeyVersion, kv)
	}

	if key, found := s.cache.Get(cacheKey(kv)); found {
		return key.([]byte), kv, nil
	}

	// Tier 1: environment-provided material for the requested slot.
	if env := s.envKey(kv); env != nil {
		s.cache.Set(cacheKey(kv), env, gocache.NoExpiration)
		return env, kv, nil
	}

	// Tier 2: the rotation slot falls back to the primary slot.
	if kv == KeyV2 {
		slog.Warn("no key material for rotation slot, falling back to primary",
			slog.String("requested", string(KeyV2)))
		key, used, err := s.resolveKey(ctx, KeyV1)
		if err != nil {
			return nil, "", err
		}
		return key, used, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the lock; a concurrent caller may have resolved it.
	if key, found := s.cache.Get(cacheKey(kv)); found {
		return key.([]byte), kv, nil
	}

	// Tier 3: key persisted in the actor-local store.
	stored, found, err := s.store.LoadKey(ctx, string(kv))
	if err != nil {
		return nil, "", fmt.Errorf("%w: load persisted key: %v", ErrKeyResolution, err)
	}
	if found {
		s.cache.Set(cacheKey(kv), stored, gocache.NoExpiration)
		return stored, kv, nil
	}

	// Tier 4: generate and persist.
	generated := make([]byte, GeneratedKeySize)
	if _, err := rand.Read(generated); err != nil {
		return nil, "", fmt.Errorf("%w: generate key: %v", ErrKeyResolution, err)
	}
	if err := s.store.StoreKey(ctx, string(kv), generated); err != nil {
		return nil, "", fmt.Errorf("%w: persist generated key: %v", ErrKeyResolution, err)
	}
	slog.Info("generated new signing key", slog.String("key_version", string(kv)))

	s.cache.Set(cacheKey(kv), generated, gocache.NoExpiration)
	return generated, kv, nil
}

func (s *Signer) envKey(kv KeyVersion) []byte {
	switch kv {
	case KeyV1:
		return s.cfg.PrimaryKey
	case KeyV2:
		return s.cfg.SecondaryKey
	}
	return nil
}

func cacheKey(kv KeyVersion) string {
	return "signing-key:" + string(kv)
}
