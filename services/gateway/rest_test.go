// Copyright (C) 2025 Vergraph Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vergraph/vergraph/services/actor"
	"github.com/vergraph/vergraph/services/registry"
	"github.com/vergraph/vergraph/services/resolver"
	"github.com/vergraph/vergraph/services/signing"
	"github.com/vergraph/vergraph/services/store"
)

func restSnapshot() registry.Snapshot {
	return registry.Snapshot{
		{
			ID:             "global:main",
			Type:           registry.TypeGlobal,
			CurrentVersion: "1.0.0",
			UpdateStrategy: registry.StrategyIndependent,
			DisplayName:    "Main",
		},
		{
			ID:              "component:server",
			Type:            registry.TypeComponent,
			CurrentVersion:  "1.2.3",
			UpdateStrategy:  registry.StrategyLinkedToParent,
			ParentVersionID: "global:main",
			DisplayName:     "Server",
		},
	}
}

// newTestRouter stands up the full HTTP surface over in-memory state.
func newTestRouter(t *testing.T, host string) (*gin.Engine, *actor.Actor) {
	t.Helper()

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, nil, func() (registry.Snapshot, error) {
		return restSnapshot(), nil
	})

	signer := signing.New(signing.Config{PrimaryKey: []byte("rest-key")}, st)
	a, err := actor.New(context.Background(), actor.Config{
		Store:    st,
		Signer:   signer,
		Snapshot: restSnapshot(),
	})
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, Deps{
		Guard:    NewGuard(Config{ServerHost: host}, signer, st),
		Actor:    a,
		Resolver: resolver.New(resolver.Config{BaseDir: t.TempDir()}),
		Signer:   signer,
	})
	return router, a
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "RUNNING", body["lifecycle"])
}

func TestGetRegistry(t *testing.T) {
	router, _ := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodGet, "/v1/registry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entities  registry.Snapshot `json:"entities"`
		Lifecycle string            `json:"lifecycle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, restSnapshot(), body.Entities)
	assert.Equal(t, "RUNNING", body.Lifecycle)
}

func TestGetResolvedRegistry(t *testing.T) {
	router, _ := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodGet, "/v1/registry/resolved", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Entities []registry.LoadedVersionEntity `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entities, 2)
	// Nothing on disk: static declarations stand, nothing was read.
	assert.False(t, body.Entities[0].VersionRead)
	assert.Equal(t, "1.0.0", body.Entities[0].CurrentVersion)
}

func TestGetAffectedEntities(t *testing.T) {
	router, _ := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodGet, "/v1/affected/global:main", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		EntityID string   `json:"entityId"`
		Affected []string `json:"affected"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "global:main", body.EntityID)
	assert.Equal(t, []string{"global:main", "component:server"}, body.Affected)

	w = doJSON(t, router, http.MethodGet, "/v1/affected/no:such", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleBump(t *testing.T) {
	router, a := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodPost, "/v1/bump", BumpRequest{
		Scope:    "minor",
		EntityID: "component:server",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result actor.BumpResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Signature)
	assert.Equal(t, result.Signature, w.Header().Get(SignatureHeader))
	require.Len(t, result.Changes, 1)
	assert.Equal(t, "1.3.0", result.Changes[0].NewVersion)

	snap, _ := a.Refresh(context.Background())
	srv, _ := snap.ByID("component:server")
	assert.Equal(t, "1.3.0", srv.CurrentVersion)
}

func TestHandleBump_DryRun(t *testing.T) {
	router, a := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodPost, "/v1/bump", BumpRequest{
		Scope:  "major",
		DryRun: true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result actor.BumpResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.DryRun)
	assert.Empty(t, result.Signature)
	assert.Empty(t, w.Header().Get(SignatureHeader))

	snap, _ := a.Refresh(context.Background())
	assert.Equal(t, restSnapshot(), snap, "dry run must not commit")
}

func TestHandleBump_Rejections(t *testing.T) {
	router, _ := newTestRouter(t, "registry.local")

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing scope", map[string]string{}, http.StatusBadRequest},
		{"bad scope", BumpRequest{Scope: "gigantic"}, http.StatusBadRequest},
		{"bad key version", map[string]string{"scope": "patch", "keyVersion": "v9"}, http.StatusBadRequest},
		{"unknown entity", BumpRequest{Scope: "patch", EntityID: "no:such"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/v1/bump", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestMintCSRFToken(t *testing.T) {
	router, _ := newTestRouter(t, "registry.local")

	w := doJSON(t, router, http.MethodPost, "/v1/token", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["token"])
}
