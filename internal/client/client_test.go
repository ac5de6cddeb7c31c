package client_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/client"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/scheduler"
	"github.com/pddg/liveupdate/internal/server"
)

// recorder answers every request with a fixed response and keeps the last request line.
type recorder struct {
	mutex  sync.Mutex
	code   int
	body   any
	method string
	path   string
	query  string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mutex.Lock()
	r.method = req.Method
	r.path = req.URL.EscapedPath()
	r.query = req.URL.RawQuery
	code, body := r.code, r.body
	r.mutex.Unlock()
	if code == 0 {
		code = http.StatusOK
	}
	if body == nil {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (r *recorder) request() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.query == "" {
		return r.method + " " + r.path
	}
	return r.method + " " + r.path + "?" + r.query
}

func newClient(t *testing.T, rec *recorder) *client.Client {
	t.Helper()
	ts := httptest.NewServer(rec)
	t.Cleanup(ts.Close)
	return client.NewClient(ts.Client(), ts.URL)
}

func Test_Client(t *testing.T) {
	t.Parallel()
	ready := bundle.Record{BundleID: "b2", Version: "1.2.0", Status: bundle.StatusReady, Verified: true, Checksum: "sha256:11"}

	t.Run("list", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{body: []bundle.Record{ready}}
		c := newClient(t, rec)

		// Exercise
		records, err := c.List(t.Context())

		// Verify
		require.NoError(t, err)
		assert.Equal(t, []bundle.Record{ready}, records)
		assert.Equal(t, "GET /bundles", rec.request())
	})
	t.Run("current builtin", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{body: server.CurrentResponse{Version: "1.0.0"}}
		c := newClient(t, rec)

		// Exercise
		res, err := c.Current(t.Context())

		// Verify
		require.NoError(t, err)
		assert.Nil(t, res.Bundle)
		assert.Equal(t, "1.0.0", res.Version)
	})
	t.Run("set escapes the id", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{code: http.StatusNotFound, body: server.ErrorResponse{Error: "bundle a/b: bundle not found", Kind: "NotFoundError"}}
		c := newClient(t, rec)

		// Exercise
		_, err := c.Set(t.Context(), "a/b")

		// Verify
		require.ErrorIs(t, err, errdefs.ErrNotFound)
		assert.Equal(t, "POST /bundles/a%2Fb/activate", rec.request())
	})
	t.Run("delete with force", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{code: http.StatusNoContent}
		c := newClient(t, rec)

		// Exercise
		err := c.Delete(t.Context(), "b2", true)

		// Verify
		require.NoError(t, err)
		assert.Equal(t, "DELETE /bundles/b2?force=true", rec.request())
	})
	t.Run("delete active bundle", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{code: http.StatusConflict, body: server.ErrorResponse{Error: "bundle b2 is active", Kind: "StateError"}}
		c := newClient(t, rec)

		// Exercise
		err := c.Delete(t.Context(), "b2", false)

		// Verify
		require.ErrorIs(t, err, errdefs.ErrState)
		assert.Equal(t, "DELETE /bundles/b2", rec.request())
	})
	t.Run("sync with strategy", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{body: orchestrator.Result{Status: orchestrator.SyncActivated, Version: "1.2.0", BundleID: "b2"}}
		c := newClient(t, rec)

		// Exercise
		result, err := c.Sync(t.Context(), "immediate")

		// Verify
		require.NoError(t, err)
		assert.Equal(t, orchestrator.SyncActivated, result.Status)
		assert.NoError(t, result.Err)
		assert.Equal(t, "POST /sync?strategy=immediate", rec.request())
	})
	t.Run("sync failure keeps its kind", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{body: orchestrator.Result{Status: orchestrator.SyncError, ErrorKind: "ChecksumError", Message: "checksum mismatch"}}
		c := newClient(t, rec)

		// Exercise
		result, err := c.Sync(t.Context(), "")

		// Verify
		require.NoError(t, err)
		assert.Equal(t, orchestrator.SyncError, result.Status)
		require.ErrorIs(t, result.Err, errdefs.ErrChecksum)
		assert.Equal(t, "POST /sync", rec.request())
	})
	t.Run("sync with rejected strategy", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{code: http.StatusBadRequest}
		c := newClient(t, rec)

		// Exercise
		_, err := c.Sync(t.Context(), "later")

		// Verify
		require.ErrorIs(t, err, errdefs.ErrConfig)
	})
	t.Run("notify app ready", func(t *testing.T) {
		t.Parallel()
		// Setup
		active := ready
		active.Status = bundle.StatusActive
		rec := &recorder{body: server.CurrentResponse{Bundle: &active, Version: "1.2.0"}}
		c := newClient(t, rec)

		// Exercise
		res, err := c.NotifyAppReady(t.Context())

		// Verify
		require.NoError(t, err)
		assert.Equal(t, &active, res.Bundle)
		assert.Equal(t, "POST /app-ready", rec.request())
	})
	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{code: http.StatusNoContent}
		c := newClient(t, rec)

		// Exercise
		err := c.Reset(t.Context())

		// Verify
		require.NoError(t, err)
		assert.Equal(t, "POST /reset", rec.request())
	})
	t.Run("background status", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{body: scheduler.Status{Enabled: true, CheckCount: 4}}
		c := newClient(t, rec)

		// Exercise
		status, err := c.BackgroundStatus(t.Context())

		// Verify
		require.NoError(t, err)
		assert.True(t, status.Enabled)
		assert.Equal(t, int64(4), status.CheckCount)
	})
	t.Run("trigger while running", func(t *testing.T) {
		t.Parallel()
		// Setup
		rec := &recorder{code: http.StatusConflict, body: server.ErrorResponse{Error: "a check is already running", Kind: "StateError"}}
		c := newClient(t, rec)

		// Exercise
		_, err := c.TriggerBackground(t.Context())

		// Verify
		require.ErrorIs(t, err, errdefs.ErrState)
		assert.Equal(t, "POST /background/trigger", rec.request())
	})
	t.Run("unreachable daemon", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()
		c := client.NewClient(http.DefaultClient, ts.URL)

		// Exercise
		err := c.Healthz(t.Context())

		// Verify
		require.ErrorIs(t, err, errdefs.ErrNetwork)
	})
}
