package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/metrics"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/scheduler"
	"github.com/pddg/liveupdate/internal/server"
)

type mockEngine struct {
	mutex    sync.Mutex
	records  []bundle.Record
	active   *bundle.Record
	result   orchestrator.Result
	err      error
	strategy config.Strategy
	forced   bool
	calls    []string
}

func (m *mockEngine) call(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.calls = append(m.calls, name)
	return m.err
}

func (m *mockEngine) Calls() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return slices.Clone(m.calls)
}

func (m *mockEngine) Forced() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.forced
}

func (m *mockEngine) Strategy() config.Strategy {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.strategy
}

func (m *mockEngine) List(ctx context.Context) ([]bundle.Record, error) {
	return m.records, m.call("List")
}

func (m *mockEngine) Current(ctx context.Context) (*bundle.Record, error) {
	return m.active, m.call("Current")
}

func (m *mockEngine) CurrentVersion(ctx context.Context) (string, error) {
	if m.active == nil {
		return "1.0.0", m.call("CurrentVersion")
	}
	return m.active.Version, m.call("CurrentVersion")
}

func (m *mockEngine) Set(ctx context.Context, id string) (*bundle.Record, error) {
	if err := m.call("Set " + id); err != nil {
		return nil, err
	}
	for _, rec := range m.records {
		if rec.BundleID == id {
			rec.Status = bundle.StatusActive
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("bundle %s: %w", id, errdefs.ErrNotFound)
}

func (m *mockEngine) Delete(ctx context.Context, id string, opts ...bundle.DeleteOption) error {
	m.mutex.Lock()
	m.forced = len(opts) > 0
	m.mutex.Unlock()
	return m.call("Delete " + id)
}

func (m *mockEngine) Sync(ctx context.Context, opts ...orchestrator.SyncOption) orchestrator.Result {
	m.mutex.Lock()
	m.strategy = ""
	if len(opts) > 0 {
		m.strategy = config.StrategyImmediate
	}
	m.mutex.Unlock()
	_ = m.call("Sync")
	return m.result
}

func (m *mockEngine) NotifyAppReady(ctx context.Context) (*bundle.Record, error) {
	return m.active, m.call("NotifyAppReady")
}

func (m *mockEngine) Reset(ctx context.Context) error {
	return m.call("Reset")
}

type mockBackground struct {
	status scheduler.Status
	result orchestrator.Result
	err    error
}

func (m *mockBackground) Status() scheduler.Status {
	return m.status
}

func (m *mockBackground) Trigger(ctx context.Context) (orchestrator.Result, error) {
	return m.result, m.err
}

func newServer(t *testing.T, engine server.Engine, background server.Background) *httptest.Server {
	t.Helper()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewBackgroundMetrics(background))
	ts := httptest.NewServer(server.NewAPIServer(engine, background, registry))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, string(body)
}

func Test_APIServer(t *testing.T) {
	t.Parallel()
	active := bundle.Record{BundleID: "b1", Version: "1.1.0", Status: bundle.StatusActive, Verified: true, Checksum: "sha256:00"}
	ready := bundle.Record{BundleID: "b2", Version: "1.2.0", Status: bundle.StatusReady, Verified: true, Checksum: "sha256:11"}

	t.Run("healthz", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{}, &mockBackground{})

		// Exercise
		code, _ := do(t, http.MethodGet, ts.URL+"/healthz")

		// Verify
		assert.Equal(t, http.StatusOK, code)
	})
	t.Run("metrics", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{}, &mockBackground{status: scheduler.Status{Enabled: true, CheckCount: 3}})

		// Exercise
		code, body := do(t, http.MethodGet, ts.URL+"/metrics")

		// Verify
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "liveupdate_background_enabled 1")
		assert.Contains(t, body, "liveupdate_background_checks_total 3")
	})
	t.Run("list bundles", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{records: []bundle.Record{active, ready}}, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodGet, ts.URL+"/bundles")

		// Verify
		require.Equal(t, http.StatusOK, code)
		var records []bundle.Record
		require.NoError(t, json.Unmarshal([]byte(body), &records))
		assert.Equal(t, []bundle.Record{active, ready}, records)
	})
	t.Run("empty catalog is an empty list", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{}, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodGet, ts.URL+"/bundles")

		// Verify
		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `[]`, body)
	})
	t.Run("current builtin", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{}, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodGet, ts.URL+"/bundles/current")

		// Verify
		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"bundle":null,"version":"1.0.0"}`, body)
	})
	t.Run("activate", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{records: []bundle.Record{ready}}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodPost, ts.URL+"/bundles/b2/activate")

		// Verify
		require.Equal(t, http.StatusOK, code)
		var rec bundle.Record
		require.NoError(t, json.Unmarshal([]byte(body), &rec))
		assert.Equal(t, bundle.StatusActive, rec.Status)
		assert.Equal(t, []string{"Set b2"}, engine.Calls())
	})
	t.Run("activate unknown bundle", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{}, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodPost, ts.URL+"/bundles/missing/activate")

		// Verify
		assert.Equal(t, http.StatusNotFound, code)
		var res server.ErrorResponse
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.Equal(t, "NotFoundError", res.Kind)
	})
	t.Run("delete with force", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, _ := do(t, http.MethodDelete, ts.URL+"/bundles/b1?force=true")

		// Verify
		assert.Equal(t, http.StatusNoContent, code)
		assert.True(t, engine.Forced())
		assert.Equal(t, []string{"Delete b1"}, engine.Calls())
	})
	t.Run("delete active bundle", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{err: fmt.Errorf("bundle b1 is active: %w", errdefs.ErrState)}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, _ := do(t, http.MethodDelete, ts.URL+"/bundles/b1")

		// Verify
		assert.Equal(t, http.StatusConflict, code)
		assert.False(t, engine.Forced())
	})
	t.Run("sync", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{result: orchestrator.Result{Status: orchestrator.SyncActivated, Version: "1.2.0", BundleID: "b2"}}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodPost, ts.URL+"/sync?strategy=immediate")

		// Verify
		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"status":"ACTIVATED","version":"1.2.0","bundleId":"b2"}`, body)
		assert.Equal(t, config.StrategyImmediate, engine.Strategy())
	})
	t.Run("sync error is a result", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{result: orchestrator.Result{Status: orchestrator.SyncError, ErrorKind: "NetworkError", Message: "connection refused"}}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodPost, ts.URL+"/sync")

		// Verify
		assert.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"status":"ERROR","errorKind":"NetworkError","error":"connection refused"}`, body)
	})
	t.Run("sync with unknown strategy", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, _ := do(t, http.MethodPost, ts.URL+"/sync?strategy=later")

		// Verify
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Empty(t, engine.Calls())
	})
	t.Run("app ready", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{active: &active}, &mockBackground{})

		// Exercise
		code, body := do(t, http.MethodPost, ts.URL+"/app-ready")

		// Verify
		require.Equal(t, http.StatusOK, code)
		var res server.CurrentResponse
		require.NoError(t, json.Unmarshal([]byte(body), &res))
		assert.Equal(t, "1.1.0", res.Version)
		assert.Equal(t, &active, res.Bundle)
	})
	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, _ := do(t, http.MethodPost, ts.URL+"/reset")

		// Verify
		assert.Equal(t, http.StatusNoContent, code)
		assert.Equal(t, []string{"Reset"}, engine.Calls())
	})
	t.Run("reset needs POST", func(t *testing.T) {
		t.Parallel()
		// Setup
		engine := &mockEngine{}
		ts := newServer(t, engine, &mockBackground{})

		// Exercise
		code, _ := do(t, http.MethodGet, ts.URL+"/reset")

		// Verify
		assert.Equal(t, http.StatusMethodNotAllowed, code)
		assert.Empty(t, engine.Calls())
	})
	t.Run("background status", func(t *testing.T) {
		t.Parallel()
		// Setup
		ts := newServer(t, &mockEngine{}, &mockBackground{status: scheduler.Status{Enabled: true, CheckCount: 2, FailureCount: 1, LastError: "timeout"}})

		// Exercise
		code, body := do(t, http.MethodGet, ts.URL+"/background")

		// Verify
		require.Equal(t, http.StatusOK, code)
		var status scheduler.Status
		require.NoError(t, json.Unmarshal([]byte(body), &status))
		assert.True(t, status.Enabled)
		assert.Equal(t, int64(2), status.CheckCount)
		assert.Equal(t, "timeout", status.LastError)
	})
	t.Run("background trigger while running", func(t *testing.T) {
		t.Parallel()
		// Setup
		background := &mockBackground{err: fmt.Errorf("a check is already running: %w", errdefs.ErrState)}
		ts := newServer(t, &mockEngine{}, background)

		// Exercise
		code, body := do(t, http.MethodPost, ts.URL+"/background/trigger")

		// Verify
		assert.Equal(t, http.StatusConflict, code)
		assert.True(t, strings.Contains(body, "StateError"))
	})
}
