package orchestrator_test

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/catalog"
	"github.com/pddg/liveupdate/internal/config"
	"github.com/pddg/liveupdate/internal/downloader"
	"github.com/pddg/liveupdate/internal/events"
	"github.com/pddg/liveupdate/internal/host"
	"github.com/pddg/liveupdate/internal/manifest"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/storage"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type release struct {
	version        string
	files          map[string]string
	mandatory      bool
	minimumVersion string
	signingKey     ed25519.PrivateKey
	// checksum and downloadURL replace the computed values when set.
	checksum    string
	downloadURL string
}

// releaseServer plays the update server: a manifest endpoint and the bundle archives.
type releaseServer struct {
	*httptest.Server

	mutex     sync.Mutex
	published *manifest.Manifest
	archive   []byte
	channels  []string

	manifestHits atomic.Int32
	archiveHits  atomic.Int32

	slowStarted chan struct{}
	slowOnce    sync.Once
}

func newReleaseServer(t *testing.T) *releaseServer {
	t.Helper()
	rs := &releaseServer{slowStarted: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /manifest", func(w http.ResponseWriter, r *http.Request) {
		rs.manifestHits.Add(1)
		rs.mutex.Lock()
		rs.channels = append(rs.channels, r.URL.Query().Get("channel"))
		published := rs.published
		rs.mutex.Unlock()
		if published == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(published)
	})
	mux.HandleFunc("GET /bundle.tar", func(w http.ResponseWriter, r *http.Request) {
		rs.archiveHits.Add(1)
		rs.mutex.Lock()
		archive := rs.archive
		rs.mutex.Unlock()
		http.ServeContent(w, r, "bundle.tar", baseTime, bytes.NewReader(archive))
	})
	mux.HandleFunc("GET /slow.tar", func(w http.ResponseWriter, r *http.Request) {
		rs.archiveHits.Add(1)
		w.Header().Set("Content-Length", "1048576")
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		rs.slowOnce.Do(func() { close(rs.slowStarted) })
		<-r.Context().Done()
	})
	rs.Server = httptest.NewTLSServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

// publish makes r the latest release and returns its manifest.
func (rs *releaseServer) publish(t *testing.T, r release) manifest.Manifest {
	t.Helper()
	archive := makeArchive(t, r.files)
	sum := sha256.Sum256(archive)
	m := manifest.Manifest{
		Available:      true,
		Version:        r.version,
		DownloadURL:    rs.URL + "/bundle.tar",
		Checksum:       "sha256:" + hex.EncodeToString(sum[:]),
		Mandatory:      r.mandatory,
		MinimumVersion: r.minimumVersion,
		Size:           int64(len(archive)),
		ReleaseNotes:   "release " + r.version,
	}
	if r.signingKey != nil {
		m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(r.signingKey, archive))
	}
	if r.checksum != "" {
		m.Checksum = r.checksum
	}
	if r.downloadURL != "" {
		m.DownloadURL = r.downloadURL
	}
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	rs.published = &m
	rs.archive = archive
	return m
}

func (rs *releaseServer) requestedChannels() []string {
	rs.mutex.Lock()
	defer rs.mutex.Unlock()
	return slices.Clone(rs.channels)
}

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range slices.Sorted(maps.Keys(files)) {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
			ModTime:  baseTime,
		}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

type eventLog struct {
	mutex  sync.Mutex
	events []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) states() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var states []string
	for _, ev := range l.events {
		if ev.Kind == events.UpdateStateChanged {
			states = append(states, ev.State)
		}
	}
	return states
}

func (l *eventLog) progress() []events.Progress {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var progress []events.Progress
	for _, ev := range l.events {
		if ev.Kind == events.DownloadProgress {
			progress = append(progress, *ev.Progress)
		}
	}
	return progress
}

func (l *eventLog) reset() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.events = nil
}

func newConfig(t *testing.T, rs *releaseServer) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = rs.URL + "/manifest"
	cfg.DataDir = t.TempDir()
	cfg.BuiltinVersion = "1.0.0"
	cfg.BuiltinPath = filepath.Join(cfg.DataDir, "builtin")
	cfg.Retry = config.RetryConfig{
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 2 * time.Millisecond,
		Timeout:       5 * time.Second,
	}
	cfg.KeepBundles = 5
	cfg.AppReadyTimeout = 0
	return cfg
}

// engine is an orchestrator wired to real storage, catalog and reloader under the config's DataDir.
type engine struct {
	*orchestrator.Orchestrator
	cfg      config.Config
	rs       *releaseServer
	manager  *bundle.Manager
	store    *storage.Store
	reloader *host.SymlinkReloader
	log      *eventLog
	close    func()
}

func startEngine(t *testing.T, rs *releaseServer, cfg config.Config, opts ...orchestrator.Option) *engine {
	t.Helper()
	cat, err := catalog.Open(cfg.CatalogDriver, cfg.CatalogPath())
	require.NoError(t, err)
	var once sync.Once
	closeCatalog := func() { once.Do(func() { cat.Close() }) }
	t.Cleanup(closeCatalog)
	store, err := storage.New(cfg.BundlesDir())
	require.NoError(t, err)
	manager := bundle.NewManager(cat, store)
	reloader := host.NewSymlinkReloader(filepath.Join(cfg.DataDir, "current"), cfg.BuiltinPath)
	log := &eventLog{}
	bus := events.NewBus()
	bus.Subscribe(log.record)
	opts = append([]orchestrator.Option{
		orchestrator.WithTransport(orchestrator.HTTPTransport(rs.Client(), downloader.WithoutProgress())),
		orchestrator.WithBus(bus),
	}, opts...)
	o, err := orchestrator.New(cfg, manager, store, reloader, opts...)
	require.NoError(t, err)
	return &engine{
		Orchestrator: o,
		cfg:          cfg,
		rs:           rs,
		manager:      manager,
		store:        store,
		reloader:     reloader,
		log:          log,
		close:        closeCatalog,
	}
}

// restart simulates a new process on the same data directory.
func (e *engine) restart(t *testing.T, opts ...orchestrator.Option) *engine {
	t.Helper()
	e.close()
	return startEngine(t, e.rs, e.cfg, opts...)
}

func (e *engine) servedFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.cfg.DataDir, "current", name))
	require.NoError(t, err)
	return string(data)
}

func (e *engine) linkTarget(t *testing.T) string {
	t.Helper()
	target, err := e.reloader.Current()
	require.NoError(t, err)
	return target
}

func (e *engine) stagingEntries(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(e.store.StagingDir())
	require.NoError(t, err)
	return entries
}
