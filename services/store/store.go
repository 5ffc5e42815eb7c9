// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vergraph/vergraph/services/registry"
)

// Storage keys. The external tier shares keyRegistry so a snapshot migrated
// from it round-trips unchanged.
const (
	keyRegistry  = "registry/snapshot"
	keyLifecycle = "lifecycle/state"
	keyLedgerPin = "signing/ledger-pin"

	prefixCSRF = "csrf/"
	prefixKey  = "signing/key/"
)

// Tier names reported by LoadRegistry.
const (
	TierLocal    = "local"
	TierExternal = "external"
	TierDefaults = "defaults"
)

var (
	// ErrTokenReplayed is returned when a CSRF token was already consumed.
	ErrTokenReplayed = errors.New("csrf token already consumed")

	// ErrNoDefaults is returned when every tier failed, including the
	// static declaration. This is fatal; there is no registry to serve.
	ErrNoDefaults = errors.New("no registry available in any persistence tier")
)

// DefaultsFunc supplies the static compiled-in registry declaration, the
// last persistence tier.
type DefaultsFunc func() (registry.Snapshot, error)

// Store is the actor's durable state: registry snapshots, the lifecycle
// scalar, consumed CSRF tokens, signing key blobs, and the ledger pin.
//
// Thread Safety: safe for concurrent use; BadgerDB transactions provide the
// required isolation, and ConsumeToken relies on transaction conflict
// detection for its atomic check-and-mark.
type Store struct {
	db       *DB
	external ExternalKV
	defaults DefaultsFunc

	// externalTimeout bounds the background propagation writes.
	externalTimeout time.Duration
}

// New creates a Store. external may be nil when no external KV is
// configured; defaults must not be nil.
func New(db *DB, external ExternalKV, defaults DefaultsFunc) *Store {
	return &Store{
		db:              db,
		external:        external,
		defaults:        defaults,
		externalTimeout: 5 * time.Second,
	}
}

// LoadRegistry resolves the current snapshot through the tier order.
//
// Description:
//
//	(1) The actor-local store; present and non-empty wins. (2) The external
//	KV, if configured; a hit is migrated into the local store before being
//	returned, so the next load is local. (3) The static defaults, written
//	to the local store as the new baseline. External-tier failures are
//	logged and fall through; only a total miss including defaults is fatal.
//
// Outputs:
//
//	registry.Snapshot - The resolved snapshot.
//	string - Which tier produced it (TierLocal, TierExternal, TierDefaults).
//	error - Non-nil only when no tier could produce a snapshot.
func (s *Store) LoadRegistry(ctx context.Context) (registry.Snapshot, string, error) {
	if snap, found, err := s.loadLocalRegistry(ctx); err != nil {
		return nil, "", fmt.Errorf("read actor-local store: %w", err)
	} else if found {
		return snap, TierLocal, nil
	}

	if s.external != nil {
		data, found, err := s.external.Get(ctx, keyRegistry)
		switch {
		case err != nil:
			slog.Warn("external KV unreachable, falling through to defaults",
				slog.String("error", err.Error()))
		case found:
			var snap registry.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				slog.Warn("external KV snapshot is corrupt, falling through to defaults",
					slog.String("error", err.Error()))
				break
			}
			// Lazy migration: the local store becomes authoritative.
			if err := s.writeLocalRegistry(ctx, snap); err != nil {
				return nil, "", fmt.Errorf("migrate external snapshot into local store: %w", err)
			}
			slog.Info("migrated registry snapshot from external KV",
				slog.Int("entities", len(snap)))
			return snap, TierExternal, nil
		}
	}

	snap, err := s.defaults()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNoDefaults, err)
	}
	if err := s.writeLocalRegistry(ctx, snap); err != nil {
		return nil, "", fmt.Errorf("write default snapshot as baseline: %w", err)
	}
	return snap, TierDefaults, nil
}

// SaveRegistry persists a snapshot to the actor-local store and propagates
// it to the external KV in the background. The local write is the durable
// one; external propagation is best-effort and never blocks the mutation
// path.
func (s *Store) SaveRegistry(ctx context.Context, snap registry.Snapshot) error {
	if err := s.writeLocalRegistry(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	if s.external != nil {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("serialize snapshot for external propagation: %w", err)
		}
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), s.externalTimeout)
			defer cancel()
			if err := s.external.Put(pctx, keyRegistry, data); err != nil {
				slog.Warn("external KV propagation failed", slog.String("error", err.Error()))
			}
		}()
	}
	return nil
}

// SaveLifecycle persists the lifecycle scalar.
func (s *Store) SaveLifecycle(ctx context.Context, state string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyLifecycle), []byte(state))
	})
}

// LoadLifecycle reads the lifecycle scalar and whether one was persisted.
func (s *Store) LoadLifecycle(ctx context.Context) (string, bool, error) {
	var state string
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLifecycle))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			state = string(val)
			found = true
			return nil
		})
	})
	return state, found, err
}

// ConsumeToken atomically checks and marks a CSRF token as consumed.
//
// Description:
//
//	A single read-write transaction reads the token key and, when absent,
//	writes a TTL-bounded entry. An existing key means the token was spent
//	before: ErrTokenReplayed. Two concurrent attempts for the same token
//	race through Badger's transaction conflict detection — the loser's
//	commit fails with ErrConflict, which is reported as a replay.
func (s *Store) ConsumeToken(ctx context.Context, token string, ttl time.Duration) error {
	key := []byte(prefixCSRF + token)
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrTokenReplayed
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(key, []byte{1}).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrTokenReplayed
	}
	return err
}

// StoreKey persists a self-generated signing key blob.
func (s *Store) StoreKey(ctx context.Context, version string, key []byte) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixKey+version), key)
	})
}

// LoadKey reads a persisted signing key blob.
func (s *Store) LoadKey(ctx context.Context, version string) ([]byte, bool, error) {
	var key []byte
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixKey + version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		key, err = item.ValueCopy(nil)
		found = err == nil
		return err
	})
	return key, found, err
}

// RecordLedgerPin stores which key version produced the latest signature.
func (s *Store) RecordLedgerPin(ctx context.Context, version string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyLedgerPin), []byte(version))
	})
}

// LedgerPin reads the most recent signing key version, if any signature has
// been produced yet.
func (s *Store) LedgerPin(ctx context.Context) (string, bool, error) {
	var version string
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLedgerPin))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			version = string(val)
			found = true
			return nil
		})
	})
	return version, found, err
}

func (s *Store) loadLocalRegistry(ctx context.Context) (registry.Snapshot, bool, error) {
	var snap registry.Snapshot
	found := false
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyRegistry))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &snap); err != nil {
				return fmt.Errorf("corrupt local snapshot: %w", err)
			}
			found = len(snap) > 0
			return nil
		})
	})
	return snap, found, err
}

func (s *Store) writeLocalRegistry(ctx context.Context, snap registry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("serialize snapshot: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(keyRegistry), data)
	})
}
