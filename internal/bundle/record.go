package bundle

import (
	"fmt"
	"slices"
	"time"

	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/security"
)

type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDownloading Status = "DOWNLOADING"
	StatusReady       Status = "READY"
	StatusActive      Status = "ACTIVE"
	StatusFailed      Status = "FAILED"
)

var Statuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusReady,
	StatusActive,
	StatusFailed,
}

// InFlight reports whether a download for the record may still be running.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusDownloading
}

// Record is one downloaded bundle.
type Record struct {
	BundleID     string            `json:"bundleId" yaml:"bundleId"`
	Version      string            `json:"version" yaml:"version"`
	StoragePath  string            `json:"storagePath" yaml:"storagePath"`
	DownloadedAt time.Time         `json:"downloadedAt" yaml:"downloadedAt"`
	SizeBytes    int64             `json:"sizeBytes" yaml:"sizeBytes"`
	Checksum     string            `json:"checksum" yaml:"checksum"`
	Signature    string            `json:"signature,omitempty" yaml:"signature,omitempty"`
	Verified     bool              `json:"verified" yaml:"verified"`
	Status       Status            `json:"status" yaml:"status"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (r *Record) validate() error {
	var missing []string
	if r.BundleID == "" {
		missing = append(missing, "bundleId")
	}
	if r.Version == "" {
		missing = append(missing, "version")
	}
	if r.Checksum == "" {
		missing = append(missing, "checksum")
	}
	if r.Status == "" {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields %v: %w", missing, errdefs.ErrState)
	}
	if _, err := security.SanitizeInput(r.BundleID); err != nil {
		return err
	}
	if !slices.Contains(Statuses, r.Status) {
		return fmt.Errorf("unknown status %q: %w", r.Status, errdefs.ErrState)
	}
	if r.Status == StatusReady && !r.Verified {
		return fmt.Errorf("bundle %s cannot be READY before it is verified: %w", r.BundleID, errdefs.ErrState)
	}
	return nil
}

// Pending marks an activation that has not been confirmed by the application yet.
type Pending struct {
	BundleID         string    `json:"bundleId"`
	PreviousBundleID string    `json:"previousBundleId,omitempty"`
	ActivatedAt      time.Time `json:"activatedAt"`
}
