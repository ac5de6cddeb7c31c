package orchestrator

import (
	"context"

	"github.com/pddg/liveupdate/internal/downloader"
	"github.com/pddg/liveupdate/internal/manifest"
)

type ManifestFetcher interface {
	Fetch(ctx context.Context, serverURL, channel, currentVersion string) (*manifest.Manifest, error)
}

type Downloader interface {
	Download(ctx context.Context, url string, dir string, opts ...downloader.DownloadOption) (*downloader.Artifact, error)
}

type Unarchiver interface {
	Unarchive(ctx context.Context, archivePath string, nameHint string, destPath string) error
}

// BlobStore is the part of the bundle storage the orchestrator writes to.
// Deletion goes through the bundle manager.
type BlobStore interface {
	StagingDir() string
	NewStaging() (string, error)
	Commit(ctx context.Context, staged string, id string) (string, error)
	Sweep(ctx context.Context) error
}

// Reloader re-points the host application at a content root.
// An empty contentRoot selects the builtin content.
type Reloader interface {
	Reload(ctx context.Context, contentRoot string) error
}
