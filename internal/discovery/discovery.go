// Package discovery announces this node and finds peers with multicast DNS
// service discovery.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/BadgerOps/lansync/internal/config"
	"github.com/BadgerOps/lansync/internal/metrics"
	"github.com/BadgerOps/lansync/internal/netinfo"
	"github.com/BadgerOps/lansync/internal/peer"
)

// ErrUnavailable is returned by Start when multicast networking cannot be
// set up. The node keeps serving transfers without discovery.
var ErrUnavailable = errors.New("multicast discovery unavailable")

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}

// Announcement is what this node publishes about itself.
type Announcement struct {
	// ServiceName becomes the instance label, e.g. "Pixel_7_vip".
	ServiceName string
	DeviceName  string
	Directory   string
	Environment string
	Port        int
}

// Service runs the announce and browse loop.
type Service struct {
	cfg      config.DiscoveryConfig
	service  string
	info     Announcement
	registry *peer.Registry
	logger   *slog.Logger
	id       string

	localIP net.IP
	conn    *net.UDPConn
	send    func([]byte) error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a discovery service that feeds reg. Nothing touches the
// network until Start.
func New(cfg config.DiscoveryConfig, info Announcement, reg *peer.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 120 * time.Second
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 60 * time.Second
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = "_localsync._tcp"
	}
	return &Service{
		cfg:      cfg,
		service:  cfg.ServiceFQDN(),
		info:     info,
		registry: reg,
		logger:   logger,
		id:       uuid.NewString(),
	}
}

// ID returns the instance id published in the TXT record.
func (s *Service) ID() string {
	return s.id
}

// Peers returns the currently discovered peers.
func (s *Service) Peers() []peer.Record {
	return s.registry.Snapshot()
}

// Start opens the multicast socket on the interface that owns the local
// address, announces this node, asks for peers and starts the listener.
func (s *Service) Start(ctx context.Context) error {
	ip, err := netinfo.LocalIPv4()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	iface, err := netinfo.InterfaceFor(ip)
	if err != nil {
		s.logger.Debug("no interface owns the local address, using the default", "ip", ip, "error", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, mdnsGroup)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if iface != nil {
		if err := pc.SetMulticastInterface(iface); err != nil {
			s.logger.Debug("failed to pin multicast interface", "interface", iface.Name, "error", err)
		}
	}
	if err := pc.SetMulticastTTL(255); err != nil {
		s.logger.Debug("failed to set multicast TTL", "error", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		s.logger.Debug("failed to enable multicast loopback", "error", err)
	}

	s.localIP = ip
	s.conn = conn
	s.send = func(b []byte) error {
		_, err := conn.WriteToUDP(b, mdnsGroup)
		return err
	}

	if err := s.announce(uint32(s.cfg.TTL / time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("%w: announce: %v", ErrUnavailable, err)
	}
	s.query()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.readLoop()
	go s.tickLoop(ctx)

	s.logger.Info("discovery started",
		"service", s.service, "instance", s.instanceName(), "ip", ip, "port", s.info.Port)
	return nil
}

// Close sends the goodbye announcement, closes the socket and waits for the
// background goroutines. Only the first call has any effect.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.conn == nil {
			return
		}
		if s.cancel != nil {
			s.cancel()
		}
		if gerr := s.announce(0); gerr != nil {
			s.logger.Warn("failed to send goodbye", "error", gerr)
		}
		err = s.conn.Close()
		s.wg.Wait()
		s.logger.Info("discovery stopped", "instance", s.instanceName())
	})
	return err
}

func (s *Service) instanceName() string {
	return instanceLabel(s.info.ServiceName) + "." + s.service
}

func (s *Service) record() record {
	label := instanceLabel(s.info.ServiceName)
	return record{
		instance: label + "." + s.service,
		host:     label + ".local.",
		ip:       s.localIP,
		port:     s.info.Port,
		txt: map[string]string{
			txtDeviceName:  s.info.DeviceName,
			txtDirectory:   s.info.Directory,
			txtEnvironment: s.info.Environment,
			txtID:          s.id,
		},
	}
}

func (s *Service) announce(ttl uint32) error {
	msg, err := buildResponse(s.service, s.record(), ttl)
	if err != nil {
		return err
	}
	return s.send(msg)
}

func (s *Service) query() {
	msg, err := buildQuery(s.service)
	if err != nil {
		s.logger.Warn("failed to build query", "error", err)
		return
	}
	if err := s.send(msg); err != nil {
		s.logger.Debug("failed to send query", "error", err)
	}
}

func (s *Service) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxPacket)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("discovery read failed", "error", err)
			continue
		}
		var srcIP net.IP
		if src != nil {
			srcIP = src.IP
		}
		s.handlePacket(buf[:n], srcIP)
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.announce(uint32(s.cfg.TTL / time.Second)); err != nil {
				s.logger.Debug("re-announce failed", "error", err)
			}
			s.query()
			s.expire()
		}
	}
}

func (s *Service) expire() {
	gone := s.registry.Expire()
	if len(gone) == 0 {
		return
	}
	for _, instance := range gone {
		metrics.RecordDiscoveryEvent("expire")
		s.logger.Info("peer expired", "instance", instance)
	}
	metrics.SetDiscoveredPeers(s.registry.Len())
}

// handlePacket answers queries for our service and applies announcements
// and goodbyes from other nodes to the registry.
func (s *Service) handlePacket(data []byte, src net.IP) {
	pkt, err := parsePacket(data, s.service)
	if err != nil {
		s.logger.Debug("ignoring malformed mDNS packet", "from", src, "error", err)
		return
	}

	if !pkt.response {
		if pkt.asked {
			if err := s.announce(uint32(s.cfg.TTL / time.Second)); err != nil {
				s.logger.Debug("failed to answer query", "error", err)
			}
		}
		return
	}

	for _, e := range pkt.entries {
		s.apply(e, src)
	}
	metrics.SetDiscoveredPeers(s.registry.Len())
}

func (s *Service) apply(e entry, src net.IP) {
	if e.txt[txtID] == s.id {
		return
	}
	addr := e.ip
	if addr == nil {
		addr = src
	}
	if addr != nil && s.localIP != nil && addr.Equal(s.localIP) {
		return
	}

	// Records are keyed by service instance; display names may repeat.
	key := strings.ToLower(e.instance)
	if e.ttl == 0 {
		if s.registry.Remove(key) {
			metrics.RecordDiscoveryEvent("remove")
			s.logger.Info("peer removed", "instance", e.instance)
		}
		return
	}

	if addr == nil || e.port == 0 {
		s.logger.Debug("announcement without address or port", "instance", e.instance)
		return
	}

	rec := peer.Record{
		Name:        displayName(e),
		IP:          addr.String(),
		Port:        e.port,
		Environment: e.txt[txtEnvironment],
		Directory:   e.txt[txtDirectory],
		Status:      peer.StatusOnline,
		Source:      peer.SourceMDNS,
	}

	if s.registry.Upsert(key, rec, time.Duration(e.ttl)*time.Second) {
		metrics.RecordDiscoveryEvent("add")
		s.logger.Info("peer discovered", "name", rec.Name, "ip", rec.IP, "port", rec.Port, "environment", rec.Environment)
	} else {
		metrics.RecordDiscoveryEvent("update")
		s.logger.Debug("peer refreshed", "name", rec.Name, "ip", rec.IP)
	}
}

// displayName prefers the advertised device name over the instance label.
func displayName(e entry) string {
	if name := e.txt[txtDeviceName]; name != "" {
		return name
	}
	return instanceShortName(e.instance)
}
