package e2e_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/pddg/liveupdate/internal/client"
	"github.com/pddg/liveupdate/internal/manifest"
)

// updateServer publishes one release at a time for any channel.
type updateServer struct {
	*httptest.Server

	mutex     sync.Mutex
	published *manifest.Manifest
	archive   []byte
}

func newUpdateServer(t *testing.T) *updateServer {
	t.Helper()
	us := &updateServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /manifest", func(w http.ResponseWriter, r *http.Request) {
		us.mutex.Lock()
		published := us.published
		us.mutex.Unlock()
		if published == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(published)
	})
	mux.HandleFunc("GET /bundle.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		us.mutex.Lock()
		archive := us.archive
		us.mutex.Unlock()
		http.ServeContent(w, r, "bundle.tar.gz", time.Time{}, bytes.NewReader(archive))
	})
	us.Server = httptest.NewServer(mux)
	t.Cleanup(us.Close)
	return us
}

// publish makes version the latest release, serving index.html with the given body.
func (us *updateServer) publish(t *testing.T, version, index string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "index.html",
		Mode:     0o644,
		Size:     int64(len(index)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write([]byte(index))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	sum := sha256.Sum256(buf.Bytes())

	us.mutex.Lock()
	defer us.mutex.Unlock()
	us.archive = buf.Bytes()
	us.published = &manifest.Manifest{
		Available:   true,
		Version:     version,
		DownloadURL: us.URL + "/bundle.tar.gz",
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		Size:        int64(buf.Len()),
	}
}

// deployment is the on-disk state of one application: its config and data directory.
type deployment struct {
	configPath string
	dataDir    string
}

func newDeployment(t *testing.T, us *updateServer) *deployment {
	t.Helper()
	dir := t.TempDir()
	d := &deployment{
		configPath: filepath.Join(dir, "liveupdate.yaml"),
		dataDir:    filepath.Join(dir, "data"),
	}
	builtin := filepath.Join(dir, "builtin")
	require.NoError(t, os.MkdirAll(builtin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(builtin, "index.html"), []byte("builtin"), 0o644))
	content := fmt.Sprintf(`server_url: %s/manifest
enforce_https: false
data_dir: %s
builtin_version: 1.0.0
builtin_path: %s
app_ready_timeout: 0s
retry:
  max_retries: 1
  retry_delay: 10ms
  max_retry_delay: 20ms
`, us.URL, d.dataDir, builtin)
	require.NoError(t, os.WriteFile(d.configPath, []byte(content), 0o644))
	return d
}

// served returns the index.html the application currently serves.
func (d *deployment) served(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(d.dataDir, "current", "index.html"))
	require.NoError(t, err)
	return string(data)
}

type daemon struct {
	*client.Client
	url  string
	stop func() error
}

// startDaemon runs the daemon binary for d and waits for its control API.
func startDaemon(t *testing.T, d *deployment) *daemon {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	stop, err := commander.Start(context.WithoutCancel(t.Context()), liveupdateBinary(),
		"--config", d.configPath,
		"--log-level", "debug",
		"daemon", "--listen", addr,
	)
	require.NoError(t, err)
	var once sync.Once
	dm := &daemon{
		Client: client.NewClient(http.DefaultClient, "http://"+addr),
		url:    "http://" + addr,
	}
	dm.stop = func() error {
		var err error
		once.Do(func() { err = stop() })
		return err
	}
	t.Cleanup(func() {
		if err := dm.stop(); err != nil {
			t.Logf("failed to stop daemon: %v", err)
		}
	})
	require.Eventually(t, func() bool {
		return dm.Healthz(t.Context()) == nil
	}, 30*time.Second, 100*time.Millisecond)
	return dm
}
