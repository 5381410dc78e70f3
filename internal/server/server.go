package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BadgerOps/lansync/internal/config"
	"github.com/BadgerOps/lansync/internal/deviceinfo"
	"github.com/BadgerOps/lansync/internal/metrics"
	"github.com/BadgerOps/lansync/internal/netinfo"
	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/scan"
	"github.com/BadgerOps/lansync/internal/store"
	"github.com/BadgerOps/lansync/internal/transfer"
)

// Server is the HTTP surface of a lansync node.
type Server struct {
	transfers  *transfer.Service
	registry   *peer.Registry
	scanner    *scan.Scanner
	checker    *scan.StatusChecker
	store      *store.Store
	device     deviceinfo.Provider
	config     *config.Config
	logger     *slog.Logger
	localIP    func() (net.IP, error)
	httpServer *http.Server
}

// NewServer creates a new Server instance. st may be nil, in which case the
// journal and known-device endpoints report that persistence is disabled.
func NewServer(
	transfers *transfer.Service,
	registry *peer.Registry,
	st *store.Store,
	device deviceinfo.Provider,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = peer.NewRegistry()
	}
	return &Server{
		transfers: transfers,
		registry:  registry,
		scanner: scan.NewScanner(scan.Options{
			Port:         cfg.Scan.Port,
			Workers:      cfg.Scan.Workers,
			ProbeTimeout: cfg.Scan.ProbeTimeout,
			BatchTimeout: cfg.Scan.BatchTimeout,
		}, logger),
		checker: scan.NewStatusChecker(cfg.Scan.Workers, cfg.Scan.ProbeTimeout, cfg.Scan.BatchTimeout, logger),
		store:   st,
		device:  device,
		config:  cfg,
		logger:  logger,
		localIP: netinfo.LocalIPv4,
	}
}

// Handler returns the routed handler wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.setupRoutes())
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	// No write timeout: downloads and network scans can legitimately run long.
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Transfer routes
	mux.HandleFunc("GET /files/mtime", s.handleFileMtime)
	mux.HandleFunc("GET /files/{filename}", s.handleDownload)
	mux.HandleFunc("POST /upload/single", s.handleUpload)

	// Node information
	mux.HandleFunc("GET /get_directory", s.handleGetDirectory)
	mux.HandleFunc("GET /get_device_name", s.handleGetDeviceName)
	mux.HandleFunc("GET /api/environment", s.handleEnvironment)

	// Peer routes
	mux.HandleFunc("GET /api/discover_services", s.handleDiscoverServices)
	mux.HandleFunc("GET /api/scan_network", s.handleScanNetwork)
	mux.HandleFunc("POST /api/check_device_status", s.handleCheckDeviceStatus)

	// Journal and persistence
	mux.HandleFunc("GET /api/transfers", s.handleAPITransfers)
	mux.HandleFunc("GET /api/known_devices", s.handleAPIKnownDevices)

	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}
