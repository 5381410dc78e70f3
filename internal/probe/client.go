// Package probe talks to the informational endpoints of other lansync nodes.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BadgerOps/lansync/internal/safety"
)

// maxBodySize bounds the JSON bodies read from peers.
const maxBodySize = 64 << 10

// UnknownDevice is reported when a peer answers the environment probe but not
// the device name request.
const UnknownDevice = "Unknown Device"

// ErrNotPeer is returned when a host answers but is not a lansync node.
var ErrNotPeer = errors.New("host is not a lansync peer")

// Identity is what a peer says about itself.
type Identity struct {
	Environment string
	Name        string
	Directory   string
}

// Client performs the probe requests.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// NewClient creates a probe client whose requests give up after timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: safety.NewHTTPClient(timeout),
		logger:     logger,
		userAgent:  "lansync/1.0",
	}
}

// BaseURL returns the HTTP root of a peer.
func BaseURL(ip string, port int) string {
	return "http://" + net.JoinHostPort(ip, strconv.Itoa(port))
}

// Environment asks a peer for its platform tag. A response whose status is
// not "success" yields ErrNotPeer.
func (c *Client) Environment(ctx context.Context, baseURL string) (string, error) {
	var body struct {
		Status      string `json:"status"`
		Environment string `json:"environment"`
	}
	if err := c.getJSON(ctx, baseURL, "/api/environment", &body); err != nil {
		return "", err
	}
	if body.Status != "success" {
		return "", fmt.Errorf("%w: status %q", ErrNotPeer, body.Status)
	}
	return body.Environment, nil
}

// DeviceName asks a peer for its display name.
func (c *Client) DeviceName(ctx context.Context, baseURL string) (string, error) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, baseURL, "/get_device_name", &body); err != nil {
		return "", err
	}
	return body.Name, nil
}

// Directory asks a peer for its sandbox root.
func (c *Client) Directory(ctx context.Context, baseURL string) (string, error) {
	var body struct {
		Directory string `json:"directory"`
	}
	if err := c.getJSON(ctx, baseURL, "/get_directory", &body); err != nil {
		return "", err
	}
	return body.Directory, nil
}

// Identify runs the environment probe and, when it succeeds, fetches the
// device name and optionally the directory on a best-effort basis. Missing
// names are reported as UnknownDevice.
func (c *Client) Identify(ctx context.Context, baseURL string, withDirectory bool) (*Identity, error) {
	return c.identify(ctx, baseURL, withDirectory, 0)
}

// identify is Identify with each request bounded by its own perRequest
// deadline, so a slow environment answer does not eat into the follow-ups.
func (c *Client) identify(ctx context.Context, baseURL string, withDirectory bool, perRequest time.Duration) (*Identity, error) {
	reqCtx, cancel := withTimeout(ctx, perRequest)
	env, err := c.Environment(reqCtx, baseURL)
	cancel()
	if err != nil {
		return nil, err
	}

	id := &Identity{Environment: env, Name: UnknownDevice}
	reqCtx, cancel = withTimeout(ctx, perRequest)
	name, err := c.DeviceName(reqCtx, baseURL)
	cancel()
	if err == nil && name != "" {
		id.Name = name
	} else if err != nil {
		c.logger.Debug("device name probe failed", "peer", baseURL, "error", err)
	}

	if withDirectory {
		reqCtx, cancel = withTimeout(ctx, perRequest)
		dir, err := c.Directory(reqCtx, baseURL)
		cancel()
		if err == nil {
			id.Directory = dir
		} else {
			c.logger.Debug("directory probe failed", "peer", baseURL, "error", err)
		}
	}
	return id, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (c *Client) getJSON(ctx context.Context, baseURL, path string, v any) error {
	u, err := safety.ValidateHTTPURL(strings.TrimRight(baseURL, "/") + path)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, maxBodySize)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrNotPeer, err)
	}
	return nil
}

// HTTPError represents a non-2xx response from a peer.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}
