package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/EvanSchalton/tmux-orchestrator/internal/monitor"
	"github.com/EvanSchalton/tmux-orchestrator/internal/tmux"
)

// ErrNotFound is returned by Client when the API answers 404.
var ErrNotFound = errors.New("not found")

// Client talks to a running daemon's control API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the API listening on addr.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimRight(base, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Health reports whether the daemon answers.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.do(ctx, http.MethodGet, "/health", &out)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (monitor.Status, error) {
	var st monitor.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", &st)
	return st, err
}

// Stop asks the daemon to stop and returns its acknowledgement.
func (c *Client) Stop(ctx context.Context) (monitor.Ack, error) {
	var ack monitor.Ack
	err := c.do(ctx, http.MethodPost, "/api/v1/stop", &ack)
	return ack, err
}

// Reset clears recovery state for t.
func (c *Client) Reset(ctx context.Context, t tmux.Target) (ResetResponse, error) {
	var out ResetResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/targets/"+url.PathEscape(t.String())+"/reset", &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("control api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr APIError
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("control api %s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
