package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/lansync/internal/client"
	"github.com/BadgerOps/lansync/internal/config"
	"github.com/BadgerOps/lansync/internal/deviceinfo"
	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/safety"
	"github.com/BadgerOps/lansync/internal/store"
	"github.com/BadgerOps/lansync/internal/transfer"
)

func setupTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(":memory:", logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("failed to close store: %v", err)
		}
	})

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.Server.MaxUploadSize = 8 << 20
	cfg.Scan.ProbeTimeout = 500 * time.Millisecond

	resolver, err := safety.NewResolver(cfg.Server.DataDir, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	transfers := transfer.New(resolver, st, cfg.Server.MaxUploadSize, logger)
	device := deviceinfo.Static{Model: "Pixel 7", User: "vip", Env: "android"}

	return NewServer(transfers, peer.NewRegistry(), st, device, cfg, logger), resolver.Base()
}

func do(t *testing.T, srv *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, target, filename, content, timeField string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if timeField != "" {
		if err := mw.WriteField("time", timeField); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "-" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(part, content)
	}
	mw.Close()

	req := httptest.NewRequest("POST", target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// ============================================================================
// Transfer Routes
// ============================================================================

func TestUploadThenDownloadScenario(t *testing.T) {
	srv, base := setupTestServer(t)

	w := do(t, srv, uploadRequest(t, "/upload/single", "notes.txt", "meeting at noon", "2025-01-01T00:00:00"))
	if w.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(base, "notes.txt")); err != nil {
		t.Fatalf("file not stored: %v", err)
	}

	w = do(t, srv, httptest.NewRequest("GET", "/files/notes.txt?time=2025-01-01T00:00:00", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("same time: expected 204, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("204 carried a body: %q", w.Body.String())
	}

	w = do(t, srv, httptest.NewRequest("GET", "/files/notes.txt?time=2024-01-01T00:00:00", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("older client: expected 200, got %d", w.Code)
	}
	if w.Body.String() != "meeting at noon" {
		t.Errorf("body = %q", w.Body.String())
	}
	want := transfer.FormatModTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local))
	if got := w.Header().Get(mtimeHeader); got != want {
		t.Errorf("%s = %q, want %q", mtimeHeader, got, want)
	}
}

func TestUploadSkippedWhenOlder(t *testing.T) {
	srv, base := setupTestServer(t)

	do(t, srv, uploadRequest(t, "/upload/single", "a.txt", "new", "1735689600"))
	w := do(t, srv, uploadRequest(t, "/upload/single?time=1700000000", "a.txt", "old", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "skipped") {
		t.Errorf("body = %q", w.Body.String())
	}
	data, _ := os.ReadFile(filepath.Join(base, "a.txt"))
	if string(data) != "new" {
		t.Errorf("content replaced: %q", data)
	}
}

func TestUploadFormTimeBeatsQuery(t *testing.T) {
	srv, base := setupTestServer(t)

	w := do(t, srv, uploadRequest(t, "/upload/single?time=1700000000", "b.txt", "x", "1735689600"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	info, err := os.Stat(filepath.Join(base, "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(time.Unix(1735689600, 0)) {
		t.Errorf("mtime = %v, want the form value", info.ModTime())
	}
}

func TestUploadBadRequests(t *testing.T) {
	srv, base := setupTestServer(t)
	newer := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	keep := filepath.Join(base, "keep.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(keep, newer, newer); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"no file part", uploadRequest(t, "/upload/single", "-", "", "1735689600")},
		{"empty filename", uploadRequest(t, "/upload/single", "", "data", "")},
		{"zero bytes", uploadRequest(t, "/upload/single", "empty.txt", "", "")},
		{"zero bytes over newer file", uploadRequest(t, "/upload/single", "keep.txt", "", "1735689600")},
		{"not multipart", httptest.NewRequest("POST", "/upload/single", strings.NewReader("raw"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	if data, err := os.ReadFile(keep); err != nil || string(data) != "keep" {
		t.Errorf("stored file changed: %q, %v", data, err)
	}
}

func TestDownloadStatuses(t *testing.T) {
	srv, base := setupTestServer(t)
	os.WriteFile(filepath.Join(base, "empty.txt"), nil, 0644)
	os.WriteFile(filepath.Join(base, "bad.txt"), []byte("  File Not Found \n"), 0644)
	os.WriteFile(filepath.Join(base, "ok.txt"), []byte("fine"), 0644)

	tests := []struct {
		path string
		want int
	}{
		{"/files/missing.txt", http.StatusNotFound},
		{"/files/empty.txt", http.StatusNotFound},
		{"/files/bad.txt", http.StatusNotFound},
		{"/files/ok.txt", http.StatusOK},
		{"/files/ok.txt?time=garbage", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(t, srv, httptest.NewRequest("GET", tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestDownloadZstd(t *testing.T) {
	srv, base := setupTestServer(t)
	content := strings.Repeat("save data ", 500)
	os.WriteFile(filepath.Join(base, "CCGameManager.dat"), []byte(content), 0644)

	req := httptest.NewRequest("GET", "/files/CCGameManager.dat", nil)
	req.Header.Set("Accept-Encoding", "gzip, zstd")
	w := do(t, srv, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Encoding") != "zstd" {
		t.Fatalf("Content-Encoding = %q", w.Header().Get("Content-Encoding"))
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(w.Body.Bytes(), nil)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(got) != content {
		t.Error("decoded content differs")
	}
}

func TestFileMtime(t *testing.T) {
	srv, base := setupTestServer(t)
	path := filepath.Join(base, "m.txt")
	os.WriteFile(path, []byte("m"), 0644)
	mtime := time.Unix(1735689600, 250000000)
	os.Chtimes(path, mtime, mtime)

	tests := []struct {
		query string
		code  int
		body  string
	}{
		{"?filename=m.txt", http.StatusOK, "1735689600.25"},
		{"?filename=missing.dat", http.StatusNotFound, ""},
		{"", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(t, srv, httptest.NewRequest("GET", "/files/mtime"+tt.query, nil))
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}

// ============================================================================
// Node Information
// ============================================================================

func TestNodeInformation(t *testing.T) {
	srv, base := setupTestServer(t)

	tests := []struct {
		path string
		key  string
		want string
	}{
		{"/get_directory", "directory", base},
		{"/get_device_name", "name", "Pixel 7 (vip)"},
		{"/api/environment", "environment", "android"},
		{"/api/environment", "status", "success"},
	}

	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.key, func(t *testing.T) {
			w := do(t, srv, httptest.NewRequest("GET", tt.path, nil))
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body[tt.key] != tt.want {
				t.Errorf("%s = %q, want %q", tt.key, body[tt.key], tt.want)
			}
		})
	}
}

// ============================================================================
// Peer Routes
// ============================================================================

func TestDiscoverServices(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.registry.Upsert("Desktop_kim._localsync._tcp.local.", peer.Record{Name: "Desktop (kim)", IP: "192.168.1.20", Port: 3000, Source: peer.SourceMDNS}, 0)

	w := do(t, srv, httptest.NewRequest("GET", "/api/discover_services", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp ServicesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" || len(resp.Services) != 1 || resp.Services[0].IP != "192.168.1.20" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestScanNetworkUnavailable(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		name    string
		localIP func() (net.IP, error)
	}{
		{"no address", func() (net.IP, error) { return nil, errors.New("offline") }},
		{"loopback", func() (net.IP, error) { return net.IPv4(127, 0, 0, 1), nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.localIP = tt.localIP
			w := do(t, srv, httptest.NewRequest("GET", "/api/scan_network", nil))
			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", w.Code)
			}
			var body map[string]string
			json.NewDecoder(w.Body).Decode(&body)
			if body["status"] != "error" || body["message"] == "" {
				t.Errorf("unexpected body: %v", body)
			}
		})
	}
}

func TestCheckDeviceStatus(t *testing.T) {
	srv, _ := setupTestServer(t)
	live := httptest.NewServer(srv.Handler())
	defer live.Close()

	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(live.URL, "http://"))
	var port int
	json.Unmarshal([]byte(portStr), &port)

	body := `{"devices":[
		{"name":"self","ip":"` + host + `","port":` + portStr + `},
		{"name":"nobody"},
		{"name":"gone","ip":"127.0.0.1","port":1,"last_seen":"2025-01-01T00:00:00Z"}
	]}`
	w := do(t, srv, httptest.NewRequest("POST", "/api/check_device_status", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp DeviceStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(resp.Devices))
	}
	if d := resp.Devices[0]; d.Status != peer.StatusOnline || d.Name != "Pixel 7 (vip)" || d.Port != port {
		t.Errorf("unexpected online device: %+v", d)
	}
	if d := resp.Devices[1]; d.Status != peer.StatusOffline || d.Name != "gone" || d.LastSeen != "2025-01-01T00:00:00Z" {
		t.Errorf("unexpected offline device: %+v", d)
	}

	// Results are remembered
	w = do(t, srv, httptest.NewRequest("GET", "/api/known_devices", nil))
	var known []peer.Record
	if err := json.NewDecoder(w.Body).Decode(&known); err != nil {
		t.Fatal(err)
	}
	if len(known) != 2 {
		t.Errorf("expected 2 known devices, got %d", len(known))
	}
}

func TestCheckDeviceStatusBadBody(t *testing.T) {
	srv, _ := setupTestServer(t)

	for _, body := range []string{"", "not json", `{"other":1}`} {
		w := do(t, srv, httptest.NewRequest("POST", "/api/check_device_status", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
	}
}

// ============================================================================
// Journal and Metrics
// ============================================================================

func TestAPITransfers(t *testing.T) {
	srv, _ := setupTestServer(t)
	do(t, srv, uploadRequest(t, "/upload/single", "j.txt", "journal me", "1735689600"))
	do(t, srv, httptest.NewRequest("GET", "/files/missing.txt", nil))

	w := do(t, srv, httptest.NewRequest("GET", "/api/transfers?limit=10", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []transferJSON
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	outcomes := map[string]bool{}
	for _, e := range entries {
		outcomes[e.Outcome] = true
	}
	if !outcomes[store.OutcomeStored] || !outcomes[store.OutcomeNotFound] {
		t.Errorf("unexpected outcomes: %v", outcomes)
	}

	w = do(t, srv, httptest.NewRequest("GET", "/api/transfers?limit=-1", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("negative limit: expected 400, got %d", w.Code)
	}
}

func TestAPIWithoutStore(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.store = nil

	for _, path := range []string{"/api/transfers", "/api/known_devices"} {
		w := do(t, srv, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)
	do(t, srv, httptest.NewRequest("GET", "/api/environment", nil))

	w := do(t, srv, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lansync_http_requests_total") {
		t.Error("request metrics missing")
	}
}

// ============================================================================
// Client Round Trip
// ============================================================================

func TestClientPushPull(t *testing.T) {
	srv, base := setupTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c, err := client.New(ts.URL, 5*time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}

	local := t.TempDir()
	src := filepath.Join(local, "CCLocalLevels.dat")
	content := strings.Repeat("level ", 1000)
	os.WriteFile(src, []byte(content), 0644)
	mtime := time.Unix(1735689600, 500000000)
	os.Chtimes(src, mtime, mtime)

	if _, err := c.Push(context.Background(), src, ""); err != nil {
		t.Fatalf("Push() failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(base, "CCLocalLevels.dat"))
	if err != nil {
		t.Fatalf("pushed file missing: %v", err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("server mtime = %v, want %v", info.ModTime(), mtime)
	}

	remote, err := c.RemoteModTime(context.Background(), "CCLocalLevels.dat", "")
	if err != nil || !remote.Equal(mtime) {
		t.Errorf("RemoteModTime() = %v, %v", remote, err)
	}

	dest := t.TempDir()
	res, err := c.Pull(context.Background(), "CCLocalLevels.dat", "", dest)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if res.UpToDate {
		t.Fatal("first pull reported up to date")
	}
	data, _ := os.ReadFile(res.Path)
	if string(data) != content {
		t.Error("pulled content differs")
	}
	pulled, _ := os.Stat(res.Path)
	if !pulled.ModTime().Equal(mtime) {
		t.Errorf("pulled mtime = %v, want %v", pulled.ModTime(), mtime)
	}

	res, err = c.Pull(context.Background(), "CCLocalLevels.dat", "", dest)
	if err != nil {
		t.Fatalf("second Pull() failed: %v", err)
	}
	if !res.UpToDate {
		t.Error("second pull should be up to date")
	}

	if _, err := c.Pull(context.Background(), "missing.dat", "", dest); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
