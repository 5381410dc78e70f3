package scan

import (
	"context"
	"log/slog"
	"time"

	"github.com/BadgerOps/lansync/internal/metrics"
	"github.com/BadgerOps/lansync/internal/peer"
	"github.com/BadgerOps/lansync/internal/probe"
)

// StatusChecker re-probes known peers.
type StatusChecker struct {
	client  *probe.Client
	workers int
	timeout time.Duration
	batch   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewStatusChecker creates a checker that probes up to workers peers at once.
// Each request is bounded by timeout and a whole Check by batchTimeout. Zero
// values take the defaults of 20 workers, 2 s and 30 s.
func NewStatusChecker(workers int, timeout, batchTimeout time.Duration, logger *slog.Logger) *StatusChecker {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 20
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if batchTimeout <= 0 {
		batchTimeout = 30 * time.Second
	}
	return &StatusChecker{
		client:  probe.NewClient(timeout, logger),
		workers: workers,
		timeout: timeout,
		batch:   batchTimeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Check probes every device that has an IP and returns the updated records in
// input order. Devices without an IP are dropped. A device that answers is
// marked online with fresh metadata; one that does not is marked offline and
// keeps its previous name and last_seen. Devices not reached before the batch
// timeout are reported offline.
func (c *StatusChecker) Check(ctx context.Context, devices []peer.Record) []peer.Record {
	targets := make([]peer.Record, 0, len(devices))
	jobs := make([]probe.Job, 0, len(devices))
	for _, d := range devices {
		if d.IP == "" {
			continue
		}
		if d.Port == 0 {
			d.Port = 3000
		}
		targets = append(targets, d)
		jobs = append(jobs, probe.Job{BaseURL: probe.BaseURL(d.IP, d.Port), WithDirectory: true})
	}

	ctx, cancel := context.WithTimeout(ctx, c.batch)
	defer cancel()

	pool := probe.NewPool(c.client, c.workers, c.timeout, c.logger)
	results := pool.Execute(ctx, jobs)

	out := make([]peer.Record, len(targets))
	for i, r := range results {
		d := targets[i]
		d.Source = peer.SourceStatus
		if r.OK() {
			d.Status = peer.StatusOnline
			d.Environment = r.Identity.Environment
			if r.Identity.Name != probe.UnknownDevice || d.Name == "" {
				d.Name = r.Identity.Name
			}
			if r.Identity.Directory != "" {
				d.Directory = r.Identity.Directory
			}
			d.LastSeen = c.now().Format(time.RFC3339)
			d.Error = ""
			metrics.RecordStatusCheck(peer.StatusOnline)
		} else {
			d.Status = peer.StatusOffline
			d.Error = r.Error.Error()
			metrics.RecordStatusCheck(peer.StatusOffline)
			c.logger.Debug("peer offline", "peer", d.Addr(), "error", r.Error)
		}
		out[i] = d
	}
	return out
}
