package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/pressync/internal/content"
)

func serveAdmin(t *testing.T, srv *Server, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestAdminSyncAndRecordRoutes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, 2)
	srv := NewServer(h.orch, h.store, "", nil)

	rec, body := serveAdmin(t, srv, http.MethodPost, "/admin/sync")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 1, body["scheduled"])
	h.drain(t)

	rec, body = serveAdmin(t, srv, http.MethodGet, "/admin/records?type=post")
	require.Equal(t, http.StatusOK, rec.Code)
	records, ok := body["records"].([]any)
	require.True(t, ok)
	assert.Len(t, records, 2)

	first := records[0].(map[string]any)
	id := int64(first["id"].(float64))
	rec, body = serveAdmin(t, srv, http.MethodGet, "/admin/records/"+strconv.FormatInt(id, 10))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first["original_id"], body["original_id"])
	assert.Equal(t, false, body["resync_pending"])

	rec, body = serveAdmin(t, srv, http.MethodPost, "/admin/records/"+strconv.FormatInt(id, 10)+"/resync")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["scheduled"])

	rec, _ = serveAdmin(t, srv, http.MethodGet, "/admin/records/999999")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = serveAdmin(t, srv, http.MethodGet, "/admin/records/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	localID, err := h.store.CreateRecord(ctx, content.Record{Type: "post", Title: "Local"})
	require.NoError(t, err)
	rec, _ = serveAdmin(t, srv, http.MethodPost, "/admin/records/"+strconv.FormatInt(localID, 10)+"/resync")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminPurgeRoute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.seed(t, 2)
	require.NoError(t, h.orch.HandleSyncTrigger(ctx))
	h.drain(t)
	srv := NewServer(h.orch, h.store, "", nil)

	rec, body := serveAdmin(t, srv, http.MethodDelete, "/admin/records")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 2, body["scheduled"])
	h.drain(t)

	n, err := h.store.CountRecords(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, body = serveAdmin(t, srv, http.MethodGet, "/admin/records")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["records"])
}

func TestAdminErrorLogRoute(t *testing.T) {
	h := newHarness(t, nil)

	rec, body := serveAdmin(t, NewServer(h.orch, h.store, "", nil), http.MethodGet, "/admin/errors")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["enabled"])

	path := filepath.Join(t.TempDir(), "errors.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))
	rec, body = serveAdmin(t, NewServer(h.orch, h.store, path, nil), http.MethodGet, "/admin/errors?lines=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, []any{"two", "three"}, body["lines"])
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := serveAdmin(t, NewServer(h.orch, h.store, "", nil), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}
