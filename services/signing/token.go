// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package signing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// One-time CSRF tokens are minted and verified here; marking a token
// consumed is the persistence tier's job. Token format:
//
//	<nonce>.<issuedAtMs>.<hex hmac over "nonce.issuedAtMs">
//
// The HMAC always uses the primary key slot: tokens are short-lived, so they
// never need to survive a key rotation window.

var (
	// ErrTokenMalformed is returned for tokens that do not parse.
	ErrTokenMalformed = errors.New("csrf token malformed")

	// ErrTokenExpired is returned for tokens outside their validity window.
	ErrTokenExpired = errors.New("csrf token expired")

	// ErrTokenSignature is returned when the token HMAC does not verify.
	ErrTokenSignature = errors.New("csrf token signature invalid")
)

// MintToken issues a fresh CSRF token signed under the primary key.
func (s *Signer) MintToken(ctx context.Context) (string, error) {
	nonce := uuid.New().String()
	issued := time.Now().UnixMilli()
	payload := fmt.Sprintf("%s.%d", nonce, issued)

	sig, _, err := s.SignBytes(ctx, []byte(payload), KeyV1)
	if err != nil {
		return "", fmt.Errorf("mint csrf token: %w", err)
	}
	return payload + "." + sig, nil
}

// CheckToken verifies a token's structure, signature, and validity window.
// It does not consult or update the consumed set; callers must pair it with
// an atomic consume through the store.
func (s *Signer) CheckToken(ctx context.Context, token string, maxAge time.Duration) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ErrTokenMalformed
	}

	issued, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ErrTokenMalformed
	}
	age := time.Since(time.UnixMilli(issued))
	if age < 0 || age > maxAge {
		return ErrTokenExpired
	}

	payload := parts[0] + "." + parts[1]
	ok, err := s.VerifyBytes(ctx, []byte(payload), parts[2], KeyV1)
	if err != nil {
		return fmt.Errorf("verify csrf token: %w", err)
	}
	if !ok {
		return ErrTokenSignature
	}
	return nil
}
