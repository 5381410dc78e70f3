package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// errNotRun marks jobs that were never started because the batch was
// cancelled.
var errNotRun = errors.New("probe not started")

// Job is one host to identify.
type Job struct {
	BaseURL       string
	WithDirectory bool
}

// Result is the outcome of one Job.
type Result struct {
	Job      Job
	Identity *Identity
	Error    error
	Duration time.Duration
	index    int
}

// OK reports whether the host was identified as a peer.
func (r Result) OK() bool {
	return r.Error == nil && r.Identity != nil
}

// Pool probes hosts concurrently using a fixed number of workers.
type Pool struct {
	client  *Client
	workers int
	timeout time.Duration
	logger  *slog.Logger
}

// NewPool creates a pool. Every request a job makes gets its own timeout;
// zero leaves requests bounded only by the client and the batch context.
func NewPool(client *Client, workers int, timeout time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		client:  client,
		workers: workers,
		timeout: timeout,
		logger:  logger,
	}
}

// Execute probes every job and waits for all workers. The result slice has
// one entry per job in input order; jobs skipped because ctx ended carry
// the context error.
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	if len(jobs) == 0 {
		return []Result{}
	}

	jobsChan := make(chan jobWithIndex, len(jobs))
	resultsChan := make(chan Result, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < p.workers && i < len(jobs); i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	go func() {
		defer close(jobsChan)
		for i, job := range jobs {
			select {
			case jobsChan <- jobWithIndex{job: job, index: i}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]Result, len(jobs))
	for i, job := range jobs {
		results[i] = Result{Job: job, Error: errNotRun, index: i}
	}
	for result := range resultsChan {
		results[result.index] = result
	}

	if err := ctx.Err(); err != nil {
		for i := range results {
			if results[i].Error == errNotRun {
				results[i].Error = err
			}
		}
	}
	return results
}

// jobWithIndex pairs a Job with its original index for ordering results.
type jobWithIndex struct {
	job   Job
	index int
}

func (p *Pool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for j := range jobsChan {
		if ctx.Err() != nil {
			resultsChan <- Result{Job: j.job, Error: ctx.Err(), index: j.index}
			continue
		}

		start := time.Now()
		id, err := p.client.identify(ctx, j.job.BaseURL, j.job.WithDirectory, p.timeout)

		result := Result{
			Job:      j.job,
			Identity: id,
			Error:    err,
			Duration: time.Since(start),
			index:    j.index,
		}
		if err != nil {
			p.logger.Debug("probe failed", "peer", j.job.BaseURL, "error", err)
		} else {
			p.logger.Debug("probe succeeded", "peer", j.job.BaseURL, "name", id.Name, "environment", id.Environment)
		}
		resultsChan <- result
	}
}
