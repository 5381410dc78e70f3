package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/safety"
	"github.com/BadgerOps/lansync/internal/scan"
	"github.com/BadgerOps/lansync/internal/store"
)

// maxStatusBody bounds the device list accepted by check_device_status.
const maxStatusBody = 1 << 20

// ServicesResponse is returned by GET /api/discover_services.
type ServicesResponse struct {
	Status   string        `json:"status"`
	Services []peer.Record `json:"services"`
}

// ScanResponse is returned by GET /api/scan_network.
type ScanResponse struct {
	Status        string        `json:"status"`
	FoundServices []peer.Record `json:"found_services"`
	ScanRange     string        `json:"scan_range"`
}

// DeviceStatusRequest is the body of POST /api/check_device_status.
type DeviceStatusRequest struct {
	Devices []peer.Record `json:"devices"`
}

// DeviceStatusResponse is returned by POST /api/check_device_status.
type DeviceStatusResponse struct {
	Status  string        `json:"status"`
	Devices []peer.Record `json:"devices"`
}

// handleDiscoverServices returns the peers currently known through
// multicast discovery.
func (s *Server) handleDiscoverServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ServicesResponse{
		Status:   "success",
		Services: s.registry.Snapshot(),
	})
}

// handleScanNetwork sweeps the local /24 for peers.
func (s *Server) handleScanNetwork(w http.ResponseWriter, r *http.Request) {
	ip, err := s.localIP()
	if err != nil {
		s.logger.Warn("network scan unavailable", "error", err)
		jsonError(w, http.StatusServiceUnavailable, "Cannot determine network range")
		return
	}

	res, err := s.scanner.Scan(r.Context(), ip.String())
	if err != nil {
		if errors.Is(err, scan.ErrUnavailable) {
			jsonError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.rememberPeers(res.Found)
	writeJSON(w, http.StatusOK, ScanResponse{
		Status:        "success",
		FoundServices: res.Found,
		ScanRange:     res.Range,
	})
}

// handleCheckDeviceStatus refreshes the liveness of caller supplied peers.
func (s *Server) handleCheckDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var req DeviceStatusRequest
	body, err := safety.ReadAllWithLimit(r.Body, maxStatusBody)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Devices == nil {
		jsonError(w, http.StatusBadRequest, "No devices provided")
		return
	}

	devices := s.checker.Check(r.Context(), req.Devices)
	s.rememberPeers(devices)
	writeJSON(w, http.StatusOK, DeviceStatusResponse{
		Status:  "success",
		Devices: devices,
	})
}

// transferJSON is the JSON representation of a journal entry.
type transferJSON struct {
	ID         int64      `json:"id"`
	Direction  string     `json:"direction"`
	Filename   string     `json:"filename"`
	Directory  string     `json:"directory"`
	Size       int64      `json:"size"`
	ClientTime *time.Time `json:"client_time,omitempty"`
	Outcome    string     `json:"outcome"`
	Remote     string     `json:"remote,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// handleAPITransfers returns the most recent journal entries.
func (s *Server) handleAPITransfers(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "transfer journal is disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	transfers, err := s.store.ListTransfers(limit)
	if err != nil {
		s.logger.Error("failed to list transfers", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	out := make([]transferJSON, 0, len(transfers))
	for _, t := range transfers {
		tj := transferJSON{
			ID:        t.ID,
			Direction: t.Direction,
			Filename:  t.Filename,
			Directory: t.Directory,
			Size:      t.Size,
			Outcome:   t.Outcome,
			Remote:    t.Remote,
			Detail:    t.Detail,
			CreatedAt: t.CreatedAt,
		}
		if !t.ClientTime.IsZero() {
			ct := t.ClientTime
			tj.ClientTime = &ct
		}
		out = append(out, tj)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAPIKnownDevices returns peers remembered from scans and status checks.
func (s *Server) handleAPIKnownDevices(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusServiceUnavailable, "device store is disabled")
		return
	}

	known, err := s.store.ListKnownPeers()
	if err != nil {
		s.logger.Error("failed to list known peers", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list known devices")
		return
	}

	devices := make([]peer.Record, 0, len(known))
	for _, k := range known {
		rec := peer.Record{
			Name:        k.Name,
			IP:          k.IP,
			Port:        k.Port,
			Environment: k.Environment,
			Directory:   k.Directory,
			Status:      k.Status,
			Source:      k.Source,
		}
		if !k.LastSeen.IsZero() {
			rec.LastSeen = k.LastSeen.Format(time.RFC3339)
		}
		devices = append(devices, rec)
	}
	writeJSON(w, http.StatusOK, devices)
}

// rememberPeers persists probe results. Failures are logged only.
func (s *Server) rememberPeers(records []peer.Record) {
	if s.store == nil {
		return
	}
	for _, rec := range records {
		kp := &store.KnownPeer{
			IP:          rec.IP,
			Port:        rec.Port,
			Name:        rec.Name,
			Environment: rec.Environment,
			Directory:   rec.Directory,
			Source:      rec.Source,
			Status:      rec.Status,
		}
		if t, err := time.Parse(time.RFC3339, rec.LastSeen); err == nil && rec.Status == peer.StatusOnline {
			kp.LastSeen = t
		}
		if err := s.store.UpsertKnownPeer(kp); err != nil {
			s.logger.Warn("failed to remember peer", "peer", rec.Addr(), "error", err)
		}
	}
}
