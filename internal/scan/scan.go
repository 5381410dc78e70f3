// Package scan finds lansync peers by sweeping the local /24 and re-checks
// the liveness of peers already known.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BadgerOps/lansync/internal/metrics"
	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/probe"
)

// ErrUnavailable is returned when no usable local IPv4 address is known.
var ErrUnavailable = errors.New("network scan unavailable")

// Options tunes the sweep.
type Options struct {
	Port         int
	Workers      int
	ProbeTimeout time.Duration
	BatchTimeout time.Duration
}

// Result is the outcome of one sweep.
type Result struct {
	Found []peer.Record `json:"found_services"`
	Range string        `json:"scan_range"`
}

// Scanner probes every host of the local /24.
type Scanner struct {
	client *probe.Client
	opts   Options
	logger *slog.Logger

	// baseURL maps a host address to the URL probed for it.
	baseURL func(ip string) string
}

// NewScanner creates a scanner. Zero option values take the defaults of
// port 3000, 20 workers, 2 s per probe and 30 s per sweep.
func NewScanner(opts Options, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Port == 0 {
		opts.Port = 3000
	}
	if opts.Workers <= 0 {
		opts.Workers = 20
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 30 * time.Second
	}

	s := &Scanner{
		client: probe.NewClient(opts.ProbeTimeout, logger),
		opts:   opts,
		logger: logger,
	}
	s.baseURL = func(ip string) string { return probe.BaseURL(ip, s.opts.Port) }
	return s
}

// Scan probes <prefix>.1 through <prefix>.254 except localIP itself and
// returns the hosts that answered the environment probe. Hosts that fail or
// time out are left out.
func (s *Scanner) Scan(ctx context.Context, localIP string) (*Result, error) {
	prefix, self, err := subnetPrefix(localIP)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.opts.BatchTimeout)
	defer cancel()

	hosts := make([]string, 0, 253)
	jobs := make([]probe.Job, 0, 253)
	for i := 1; i <= 254; i++ {
		if i == self {
			continue
		}
		ip := fmt.Sprintf("%s.%d", prefix, i)
		hosts = append(hosts, ip)
		jobs = append(jobs, probe.Job{BaseURL: s.baseURL(ip)})
	}

	s.logger.Info("scanning network", "range", prefix+".1-254", "workers", s.opts.Workers)
	pool := probe.NewPool(s.client, s.opts.Workers, s.opts.ProbeTimeout, s.logger)
	results := pool.Execute(ctx, jobs)

	found := make([]peer.Record, 0)
	for i, r := range results {
		if !r.OK() {
			continue
		}
		found = append(found, peer.Record{
			Name:        r.Identity.Name,
			IP:          hosts[i],
			Port:        s.opts.Port,
			Environment: r.Identity.Environment,
			Status:      peer.StatusOnline,
			LastSeen:    time.Now().Format(time.RFC3339),
			Source:      peer.SourceScan,
		})
	}

	elapsed := time.Since(start)
	metrics.RecordScan(elapsed, len(found))
	s.logger.Info("network scan complete", "range", prefix+".1-254", "found", len(found), "duration", elapsed)

	return &Result{Found: found, Range: prefix + ".1-254"}, nil
}

// subnetPrefix splits a dotted IPv4 quad into its first three octets and the
// host octet.
func subnetPrefix(localIP string) (string, int, error) {
	ip := net.ParseIP(strings.TrimSpace(localIP))
	if ip == nil || ip.To4() == nil || !strings.Contains(localIP, ".") {
		return "", 0, fmt.Errorf("%w: %q is not an IPv4 address", ErrUnavailable, localIP)
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return "", 0, fmt.Errorf("%w: %s is not a LAN address", ErrUnavailable, localIP)
	}
	v4 := ip.To4()
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2]), int(v4[3]), nil
}
