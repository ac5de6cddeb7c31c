// Package manifest asks the update server for the latest bundle of a channel.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/pddg/liveupdate/internal/downloader"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/logging"
)

// maxManifestBytes bounds the response body.
const maxManifestBytes = 1 << 20

// Manifest describes the newest bundle the server offers. It is never persisted.
type Manifest struct {
	Available      bool   `json:"available" yaml:"available"`
	Version        string `json:"version" yaml:"version"`
	DownloadURL    string `json:"downloadUrl" yaml:"downloadUrl"`
	Checksum       string `json:"checksum" yaml:"checksum"`
	Signature      string `json:"signature,omitempty" yaml:"signature,omitempty"`
	Mandatory      bool   `json:"mandatory,omitempty" yaml:"mandatory,omitempty"`
	ReleaseNotes   string `json:"releaseNotes,omitempty" yaml:"releaseNotes,omitempty"`
	Size           int64  `json:"size,omitempty" yaml:"size,omitempty"`
	MinimumVersion string `json:"minimumVersion,omitempty" yaml:"minimumVersion,omitempty"`
	Channel        string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

type Client struct {
	client *retryablehttp.Client
}

func NewClient(httpClient *http.Client, policy downloader.RetryPolicy) *Client {
	return &Client{client: downloader.NewRetryClient(httpClient, policy)}
}

// Fetch queries serverURL for channel. The current version is sent along so
// the server may tailor its answer. 204 No Content means nothing is available.
func (c *Client) Fetch(ctx context.Context, serverURL, channel, currentVersion string) (*Manifest, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("manifest.Client.Fetch: %w: %w", errdefs.ErrInsecureURL, err)
	}
	q := u.Query()
	q.Set("channel", channel)
	if currentVersion != "" {
		q.Set("currentVersion", currentVersion)
	}
	u.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("manifest.Client.Fetch: failed to create request: %w: %w", errdefs.ErrInsecureURL, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest.Client.Fetch: failed to request: %w", downloader.TransportError(ctx, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return &Manifest{Available: false, Channel: channel}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("manifest.Client.Fetch: %w: %s", errdefs.ErrServer, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("manifest.Client.Fetch: failed to read body: %w", downloader.TransportError(ctx, err))
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("manifest.Client.Fetch: malformed manifest: %w: %w", errdefs.ErrServer, err)
	}
	if m.Channel == "" {
		m.Channel = channel
	}
	if m.Available && (m.Version == "" || m.DownloadURL == "" || m.Checksum == "") {
		return nil, fmt.Errorf("manifest.Client.Fetch: %w: manifest lacks version, downloadUrl or checksum", errdefs.ErrServer)
	}
	logging.FromContext(ctx).DebugContext(ctx, "manifest fetched",
		"channel", m.Channel, "available", m.Available, "version", m.Version, "mandatory", m.Mandatory)
	return &m, nil
}
