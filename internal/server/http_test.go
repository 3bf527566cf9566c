package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsync/labsync/internal/core/collab"
	"github.com/labsync/labsync/internal/core/observability/log"
	"github.com/labsync/labsync/internal/storage"
)

type apiFixture struct {
	store *storage.Memory
	srv   *httptest.Server
	token string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	verifier := NewTokenVerifier("test-signing-key")
	store := storage.NewMemory()
	store.Put(42, collab.Record{
		"unit_price": 10.0,
		"status":     collab.StatusPending,
	})
	store.PutStaff("chemistry", []collab.Option{
		{ID: 7, Name: "Li", Account: "li"},
	})

	hub := NewHub(DefaultConfig(), verifier, NewLockRegistry(), log.Nop())
	api := NewAPI(store, verifier, log.Nop())
	srv := httptest.NewServer(NewRouter(hub, api))
	t.Cleanup(srv.Close)

	token, err := verifier.Issue(collab.Editor{ID: "a", Name: "A"}, time.Minute)
	require.NoError(t, err)
	return &apiFixture{store: store, srv: srv, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAPIRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/api/records/42", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPIGetRecord(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/records/42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec collab.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, 10.0, rec["unit_price"])

	resp = f.do(t, http.MethodGet, "/api/records/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIListRecords(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var all map[string]collab.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 1)
	assert.Equal(t, 10.0, all["42"]["unit_price"])
}

func TestAPIPatchRecord(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPatch, "/api/records/42", collab.Record{
		"unit_price": 12.5,
		"line_total": 37.5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec collab.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, 12.5, rec["unit_price"])
	assert.Equal(t, 37.5, rec["line_total"])
	assert.Equal(t, collab.StatusPending, rec["status"], "untouched fields survive the patch")
}

func TestAPIPatchRejectsEmptyAndUnknown(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodPatch, "/api/records/42", collab.Record{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/api/records/999", collab.Record{"unit_price": 1.0})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIOptions(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/api/options?department=chemistry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var opts []collab.Option
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&opts))
	require.Len(t, opts, 1)
	assert.Equal(t, "Li", opts[0].Name)

	resp = f.do(t, http.MethodGet, "/api/options?department=nope", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	opts = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&opts))
	assert.Empty(t, opts)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := f.srv.Client().Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
