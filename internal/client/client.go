// Package client pushes files to and pulls files from a lansync peer.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/lansync/internal/safety"
	"github.com/BadgerOps/lansync/internal/transfer"
)

// MtimeHeader carries the server's modification time on downloads.
const MtimeHeader = "X-File-Mtime"

// ErrNotFound is returned when the peer does not have the file.
var ErrNotFound = errors.New("file not found on peer")

// PushResult describes an upload.
type PushResult struct {
	Filename string
	Size     int64
	ModTime  time.Time
	Message  string
}

// PullResult describes a download. UpToDate is set when the peer's copy was
// not newer than the local one and nothing was written.
type PullResult struct {
	Path     string
	Size     int64
	ModTime  time.Time
	UpToDate bool
}

// Client speaks the transfer protocol to one peer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string
}

// New creates a client for the peer at baseURL, e.g. "http://192.168.1.5:3000".
func New(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	u, err := safety.ValidateHTTPURL(baseURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: safety.NewHTTPClient(timeout),
		logger:     logger,
		userAgent:  "lansync/1.0",
	}, nil
}

// Push uploads localPath with its modification time. The peer keeps its own
// copy when that is at least as new.
func (c *Client) Push(ctx context.Context, localPath, customPath string) (*PushResult, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", localPath)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	name := filepath.Base(localPath)
	mtime := transfer.FormatModTime(info.ModTime())

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("time", mtime); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", name)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	q := url.Values{}
	if customPath != "" {
		q.Set("custom_path", customPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload/single", q), pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := safety.ReadAllWithLimit(resp.Body, 64<<10)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload of %s rejected: %s: %s", name, resp.Status, strings.TrimSpace(string(body)))
	}

	c.logger.Info("file pushed", "file", name, "peer", c.baseURL, "size", info.Size())
	return &PushResult{
		Filename: name,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Message:  strings.TrimSpace(string(body)),
	}, nil
}

// Pull downloads filename into destDir unless the local copy is at least as
// new. The file is written to a temp file and renamed into place, then given
// the peer's modification time.
func (c *Client) Pull(ctx context.Context, filename, customPath, destDir string) (*PullResult, error) {
	name := safety.BaseName(filename)
	if name == "" {
		return nil, fmt.Errorf("invalid file name %q", filename)
	}
	dest := filepath.Join(destDir, name)

	q := url.Values{}
	if customPath != "" {
		q.Set("custom_path", customPath)
	}
	if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
		q.Set("time", transfer.FormatModTime(info.ModTime()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/files/"+url.PathEscape(name), q), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		c.logger.Info("local file is up to date", "file", name, "peer", c.baseURL)
		return &PullResult{Path: dest, UpToDate: true}, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	default:
		body, _ := safety.ReadAllWithLimit(resp.Body, 64<<10)
		return nil, fmt.Errorf("download of %s failed: %s: %s", name, resp.Status, strings.TrimSpace(string(body)))
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "zstd") {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		body = dec
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", destDir, err)
	}
	tmp, err := os.CreateTemp(destDir, "."+name+".*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return nil, fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return nil, fmt.Errorf("failed to move %s into place: %w", name, err)
	}

	res := &PullResult{Path: dest, Size: n}
	if mt, ok := transfer.ParseTime(resp.Header.Get(MtimeHeader)); ok {
		if err := os.Chtimes(dest, mt, mt); err != nil {
			c.logger.Warn("failed to set modification time", "path", dest, "error", err)
		}
		res.ModTime = mt
	}

	c.logger.Info("file pulled", "file", name, "peer", c.baseURL, "size", n, "path", dest)
	return res, nil
}

// RemoteModTime asks the peer for the modification time of filename.
func (c *Client) RemoteModTime(ctx context.Context, filename, customPath string) (time.Time, error) {
	q := url.Values{"filename": {filename}}
	if customPath != "" {
		q.Set("custom_path", customPath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/files/mtime", q), nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("mtime request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := safety.ReadAllWithLimit(resp.Body, 4<<10)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	default:
		return time.Time{}, fmt.Errorf("mtime request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	mt, ok := transfer.ParseTime(string(body))
	if !ok {
		return time.Time{}, fmt.Errorf("peer returned an invalid time %q", strings.TrimSpace(string(body)))
	}
	return mt, nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}
