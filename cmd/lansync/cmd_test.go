package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/lansync/internal/config"
	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/store"
)

func TestSetupLogging(t *testing.T) {
	origLevel, origFormat, origQuiet := logLevel, logFormat, quiet
	t.Cleanup(func() {
		logLevel, logFormat, quiet = origLevel, origFormat, origQuiet
		setupLogging()
	})

	tests := []struct {
		level     string
		quiet     bool
		wantDebug bool
		wantWarn  bool
	}{
		{level: "debug", wantDebug: true, wantWarn: true},
		{level: "info", wantWarn: true},
		{level: "WARNING", wantWarn: true},
		{level: "error"},
		{level: "bogus", wantWarn: true},
		{level: "debug", quiet: true},
	}

	for _, tt := range tests {
		logLevel, logFormat, quiet = tt.level, "json", tt.quiet
		setupLogging()
		if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
			t.Errorf("level %q quiet=%v: debug enabled = %v, want %v", tt.level, tt.quiet, got, tt.wantDebug)
		}
		if got := logger.Enabled(context.Background(), slog.LevelWarn); got != tt.wantWarn {
			t.Errorf("level %q quiet=%v: warn enabled = %v, want %v", tt.level, tt.quiet, got, tt.wantWarn)
		}
	}
}

func TestSkipLists(t *testing.T) {
	if !shouldSkipConfig("help") || shouldSkipConfig("serve") {
		t.Error("shouldSkipConfig mismatch")
	}
	for _, name := range []string{"config", "show", "push", "pull"} {
		if !shouldSkipComponentInit(name) {
			t.Errorf("expected %q to skip component init", name)
		}
	}
	for _, name := range []string{"serve", "scan", "status", "peers", "transfers"} {
		if shouldSkipComponentInit(name) {
			t.Errorf("expected %q to initialize components", name)
		}
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"serve", "scan", "status", "peers", "push", "pull", "transfers", "config"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestSplitPeer(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{in: "192.168.1.20", wantHost: "192.168.1.20", wantPort: 3000},
		{in: "192.168.1.20:3001", wantHost: "192.168.1.20", wantPort: 3001},
		{in: "[::1]:3000", wantHost: "::1", wantPort: 3000},
		{in: "192.168.1.20:0", wantErr: true},
		{in: "192.168.1.20:http", wantErr: true},
		{in: "phone.local", wantErr: true},
		{in: "phone.local:3000", wantErr: true},
	}

	for _, tt := range tests {
		host, port, err := splitPeer(tt.in, 3000)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitPeer(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitPeer(%q): %v", tt.in, err)
			continue
		}
		if host != tt.wantHost || port != tt.wantPort {
			t.Errorf("splitPeer(%q) = %s, %d; want %s, %d", tt.in, host, port, tt.wantHost, tt.wantPort)
		}
	}
}

func TestPeerBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "10.0.0.5", want: "http://10.0.0.5:3000"},
		{in: "10.0.0.5:8080", want: "http://10.0.0.5:8080"},
		{in: "http://10.0.0.5:3000/", want: "http://10.0.0.5:3000"},
	}
	for _, tt := range tests {
		got, err := peerBaseURL(tt.in, 3000)
		if err != nil {
			t.Errorf("peerBaseURL(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("peerBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestListenPort(t *testing.T) {
	if port, err := listenPort("0.0.0.0:3000"); err != nil || port != 3000 {
		t.Errorf("listenPort = %d, %v", port, err)
	}
	for _, bad := range []string{"3000", "0.0.0.0:", "0.0.0.0:0", "0.0.0.0:99999"} {
		if _, err := listenPort(bad); err == nil {
			t.Errorf("listenPort(%q): expected error", bad)
		}
	}
}

func TestNewResolver(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared")

	cfg := config.DefaultConfig()
	cfg.Server.DataDir = shared
	cfg.Allow = []config.AllowRule{{Path: "host", Scope: config.ScopeDirectory}}

	resolver, err := newResolver(cfg, testLogger())
	if err != nil {
		t.Fatalf("newResolver: %v", err)
	}
	if _, err := os.Stat(shared); err != nil {
		t.Fatalf("data directory not created: %v", err)
	}
	if !strings.HasSuffix(resolver.Base(), "shared") {
		t.Errorf("Base() = %q", resolver.Base())
	}

	cfg.Allow = []config.AllowRule{{Path: "x", Scope: "bucket"}}
	if _, err := newResolver(cfg, testLogger()); err == nil {
		t.Error("expected error for unknown scope")
	}
}

func TestPeersListRun(t *testing.T) {
	st := useTestStore(t)

	out := captureStdout(t, func() {
		if err := peersListRun(nil, nil); err != nil {
			t.Fatalf("peersListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "No known peers.") {
		t.Fatalf("expected empty message, got: %s", out)
	}

	if err := st.UpsertKnownPeer(&store.KnownPeer{
		IP: "192.168.1.20", Port: 3000, Name: "Pixel 7 (vip)", Environment: "android",
		Source: peer.SourceScan, Status: peer.StatusOnline, LastSeen: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("UpsertKnownPeer: %v", err)
	}

	out = captureStdout(t, func() {
		if err := peersListRun(nil, nil); err != nil {
			t.Fatalf("peersListRun returned error: %v", err)
		}
	})
	for _, want := range []string{"192.168.1.20:3000", "Pixel 7 (vip)", "android", "online", "hour ago"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestPeersForgetRun(t *testing.T) {
	st := useTestStore(t)
	useTestConfig(t)

	if err := st.UpsertKnownPeer(&store.KnownPeer{IP: "192.168.1.20", Port: 3000, Source: peer.SourceScan}); err != nil {
		t.Fatalf("UpsertKnownPeer: %v", err)
	}

	captureStdout(t, func() {
		if err := peersForgetRun(nil, []string{"192.168.1.20"}); err != nil {
			t.Fatalf("peersForgetRun: %v", err)
		}
	})

	known, err := st.ListKnownPeers()
	if err != nil {
		t.Fatalf("ListKnownPeers: %v", err)
	}
	if len(known) != 0 {
		t.Fatalf("expected peer to be forgotten, have %d", len(known))
	}

	if err := peersForgetRun(nil, []string{"192.168.1.20"}); err == nil {
		t.Error("expected error forgetting an unknown peer")
	}
}

func TestRememberPeers(t *testing.T) {
	st := useTestStore(t)

	seen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rememberPeers([]peer.Record{
		{IP: "10.0.0.2", Port: 3000, Name: "a", Status: peer.StatusOnline, Source: peer.SourceStatus, LastSeen: seen.Format(time.RFC3339)},
		{IP: "10.0.0.3", Port: 3000, Status: peer.StatusOffline, Source: peer.SourceStatus, Error: "refused"},
	})

	known, err := st.ListKnownPeers()
	if err != nil {
		t.Fatalf("ListKnownPeers: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(known))
	}
	if !known[0].LastSeen.Equal(seen) {
		t.Errorf("online peer LastSeen = %v, want %v", known[0].LastSeen, seen)
	}
	if !known[1].LastSeen.IsZero() {
		t.Errorf("offline peer should have no LastSeen, got %v", known[1].LastSeen)
	}
}

func TestStatusTargets(t *testing.T) {
	st := useTestStore(t)
	useTestConfig(t)

	devices, err := statusTargets([]string{"10.0.0.9", "10.0.0.10:3001"})
	if err != nil {
		t.Fatalf("statusTargets: %v", err)
	}
	if len(devices) != 2 || devices[0].Port != 3000 || devices[1].Port != 3001 {
		t.Fatalf("unexpected targets: %+v", devices)
	}

	if _, err := statusTargets([]string{"not-an-ip"}); err == nil {
		t.Error("expected error for invalid peer")
	}

	if err := st.UpsertKnownPeer(&store.KnownPeer{IP: "10.0.0.4", Port: 3000, Name: "tablet", Source: peer.SourceScan}); err != nil {
		t.Fatalf("UpsertKnownPeer: %v", err)
	}
	devices, err = statusTargets(nil)
	if err != nil {
		t.Fatalf("statusTargets: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "tablet" {
		t.Fatalf("expected known peer as target, got %+v", devices)
	}
}

func TestTransfersRun(t *testing.T) {
	st := useTestStore(t)

	origLimit := transfersLimit
	t.Cleanup(func() { transfersLimit = origLimit })
	transfersLimit = 10

	out := captureStdout(t, func() {
		if err := transfersRun(nil, nil); err != nil {
			t.Fatalf("transfersRun: %v", err)
		}
	})
	if !strings.Contains(out, "No transfers recorded.") {
		t.Fatalf("expected empty message, got: %s", out)
	}

	if err := st.RecordTransfer(&store.TransferRecord{
		Direction: store.DirectionUpload,
		Filename:  "notes.txt",
		Directory: "/srv/shared",
		Size:      2048,
		Outcome:   store.OutcomeStored,
		Remote:    "192.168.1.20:51234",
	}); err != nil {
		t.Fatalf("RecordTransfer: %v", err)
	}

	out = captureStdout(t, func() {
		if err := transfersRun(nil, nil); err != nil {
			t.Fatalf("transfersRun: %v", err)
		}
	})
	for _, want := range []string{"upload", "stored", "notes.txt", "2.0 kB", "192.168.1.20:51234"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}

	transfersLimit = -1
	if err := transfersRun(nil, nil); err == nil {
		t.Error("expected error for negative limit")
	}
}

func TestConfigShowRun(t *testing.T) {
	useTestConfig(t)

	out := captureStdout(t, func() {
		if err := configShowRun(nil, nil); err != nil {
			t.Fatalf("configShowRun: %v", err)
		}
	})
	for _, want := range []string{"listen: 0.0.0.0:3000", "service_type: _localsync._tcp", "scope: directory"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func useTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	origStore := globalStore
	globalStore = st
	t.Cleanup(func() { globalStore = origStore })
	return st
}

func useTestConfig(t *testing.T) *config.Config {
	t.Helper()
	origCfg := globalCfg
	globalCfg = config.DefaultConfig()
	t.Cleanup(func() { globalCfg = origCfg })
	return globalCfg
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}
