// Package client talks to the control API of a running liveupdate daemon.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pddg/liveupdate/internal/bundle"
	"github.com/pddg/liveupdate/internal/errdefs"
	"github.com/pddg/liveupdate/internal/orchestrator"
	"github.com/pddg/liveupdate/internal/scheduler"
	"github.com/pddg/liveupdate/internal/server"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(
	httpClient *http.Client,
	baseURL string,
) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// do sends the request and decodes a successful response into out.
// Error responses are turned back into errors of the kind the daemon reported.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.URL.RawQuery = query.Encode()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, errdefs.ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response body: %w: %w", method, path, errdefs.ErrNetwork, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var res server.ErrorResponse
		if err := json.Unmarshal(body, &res); err == nil {
			if sentinel := errdefs.FromKind(res.Kind); sentinel != nil {
				return fmt.Errorf("%s %s: %w: %s", method, path, sentinel, res.Error)
			}
		}
		sentinel := errdefs.ErrServer
		if resp.StatusCode == http.StatusBadRequest {
			sentinel = errdefs.ErrConfig
		}
		return fmt.Errorf("%s %s: unexpected status code: %d %s: %w", method, path, resp.StatusCode, strings.TrimSpace(string(body)), sentinel)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: failed to unmarshal response body: %w: %w", method, path, errdefs.ErrServer, err)
	}
	return nil
}

// Healthz returns nil once the daemon serves requests.
func (c *Client) Healthz(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "healthz", nil, nil); err != nil {
		return fmt.Errorf("client.Client.Healthz: %w", err)
	}
	return nil
}

func (c *Client) List(ctx context.Context) ([]bundle.Record, error) {
	var records []bundle.Record
	if err := c.do(ctx, http.MethodGet, "bundles", nil, &records); err != nil {
		return nil, fmt.Errorf("client.Client.List: %w", err)
	}
	return records, nil
}

func (c *Client) Current(ctx context.Context) (*server.CurrentResponse, error) {
	var res server.CurrentResponse
	if err := c.do(ctx, http.MethodGet, "bundles/current", nil, &res); err != nil {
		return nil, fmt.Errorf("client.Client.Current: %w", err)
	}
	return &res, nil
}

func (c *Client) Set(ctx context.Context, id string) (*bundle.Record, error) {
	var rec bundle.Record
	if err := c.do(ctx, http.MethodPost, "bundles/"+url.PathEscape(id)+"/activate", nil, &rec); err != nil {
		return nil, fmt.Errorf("client.Client.Set: %w", err)
	}
	return &rec, nil
}

func (c *Client) Delete(ctx context.Context, id string, force bool) error {
	query := url.Values{}
	if force {
		query.Set("force", "true")
	}
	if err := c.do(ctx, http.MethodDelete, "bundles/"+url.PathEscape(id), query, nil); err != nil {
		return fmt.Errorf("client.Client.Delete: %w", err)
	}
	return nil
}

// Sync runs a sync on the daemon. An empty strategy keeps the configured one.
// A failed sync is reported in the result, like orchestrator.Orchestrator.Sync.
func (c *Client) Sync(ctx context.Context, strategy string) (orchestrator.Result, error) {
	query := url.Values{}
	if strategy != "" {
		query.Set("strategy", strategy)
	}
	var result orchestrator.Result
	if err := c.do(ctx, http.MethodPost, "sync", query, &result); err != nil {
		return orchestrator.Result{}, fmt.Errorf("client.Client.Sync: %w", err)
	}
	withErr(&result)
	return result, nil
}

func (c *Client) NotifyAppReady(ctx context.Context) (*server.CurrentResponse, error) {
	var res server.CurrentResponse
	if err := c.do(ctx, http.MethodPost, "app-ready", nil, &res); err != nil {
		return nil, fmt.Errorf("client.Client.NotifyAppReady: %w", err)
	}
	return &res, nil
}

func (c *Client) Reset(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "reset", nil, nil); err != nil {
		return fmt.Errorf("client.Client.Reset: %w", err)
	}
	return nil
}

func (c *Client) BackgroundStatus(ctx context.Context) (*scheduler.Status, error) {
	var status scheduler.Status
	if err := c.do(ctx, http.MethodGet, "background", nil, &status); err != nil {
		return nil, fmt.Errorf("client.Client.BackgroundStatus: %w", err)
	}
	return &status, nil
}

func (c *Client) TriggerBackground(ctx context.Context) (orchestrator.Result, error) {
	var result orchestrator.Result
	if err := c.do(ctx, http.MethodPost, "background/trigger", nil, &result); err != nil {
		return orchestrator.Result{}, fmt.Errorf("client.Client.TriggerBackground: %w", err)
	}
	withErr(&result)
	return result, nil
}

// withErr restores Err, which does not travel over the wire.
func withErr(result *orchestrator.Result) {
	if result.Status != orchestrator.SyncError {
		return
	}
	sentinel := errdefs.FromKind(result.ErrorKind)
	if sentinel == nil {
		sentinel = errdefs.ErrServer
	}
	result.Err = fmt.Errorf("%w: %s", sentinel, result.Message)
}
