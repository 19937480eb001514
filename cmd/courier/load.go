package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/albertbausili/courier/pkg/courier"
)

type loadOptions struct {
	clients  int
	duration time.Duration
	ramp     time.Duration
	timeout  time.Duration
	delay    time.Duration
}

func newLoadCmd(a *app) *cobra.Command {
	opts := &loadOptions{}
	cmd := &cobra.Command{
		Use:   "load URL",
		Short: "Drive a server with concurrent keep-alive clients",
		Long: `load starts clients that each hold one keep-alive connection and send
GET requests back to back until the duration ends. With --ramp a new
client joins every interval instead of all starting at once. A summary
is printed as YAML.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runLoad(cmd.Context(), a, opts, args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(summary); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().IntVarP(&opts.clients, "clients", "c", 4, "number of concurrent clients")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "how long to send requests")
	cmd.Flags().DurationVar(&opts.ramp, "ramp", 0, "delay between starting clients")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "per-request timeout")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "pause between requests of one client")
	return cmd
}

// loadSummary is the outcome of a load run.
type loadSummary struct {
	URL        string           `yaml:"url"`
	Clients    int              `yaml:"clients"`
	Elapsed    time.Duration    `yaml:"elapsed"`
	Requests   int64            `yaml:"requests"`
	Successful int64            `yaml:"successful"`
	Failed     int64            `yaml:"failed"`
	RPS        float64          `yaml:"requests_per_second"`
	Statuses   map[int]int64    `yaml:"status_codes,omitempty"`
	Errors     map[string]int64 `yaml:"errors,omitempty"`
}

type loadStats struct {
	requests   atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64

	mu       sync.Mutex
	statuses map[int]int64
	errors   map[string]int64
}

func (s *loadStats) record(resp *courier.Message, err error) {
	s.requests.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed.Add(1)
		s.errors[failureKey(err)]++
		return
	}
	s.statuses[resp.StatusCode]++
	if resp.StatusCode < 400 {
		s.successful.Add(1)
	} else {
		s.failed.Add(1)
	}
}

// failureKey groups errors by kind and the stage they happened in.
func failureKey(err error) string {
	var e *courier.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%v during %s", e.Kind, e.Stage)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "other"
}

func runLoad(ctx context.Context, a *app, opts *loadOptions, url string) (*loadSummary, error) {
	if opts.clients <= 0 {
		return nil, fmt.Errorf("clients must be positive, got %d", opts.clients)
	}
	stats := &loadStats{statuses: make(map[int]int64), errors: make(map[string]int64)}

	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	config := a.config.Client
	config.KeepAlive = true
	start := time.Now()
	for i := 0; i < opts.clients; i++ {
		if i > 0 && opts.ramp > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(opts.ramp):
			}
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error { return loadWorker(gctx, config, opts, url, stats) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	a.logger.Debug("load finished", "elapsed", elapsed, "requests", stats.requests.Load())

	return &loadSummary{
		URL:        url,
		Clients:    opts.clients,
		Elapsed:    elapsed.Round(time.Millisecond),
		Requests:   stats.requests.Load(),
		Successful: stats.successful.Load(),
		Failed:     stats.failed.Load(),
		RPS:        float64(stats.requests.Load()) / elapsed.Seconds(),
		Statuses:   stats.statuses,
		Errors:     stats.errors,
	}, nil
}

func loadWorker(ctx context.Context, config courier.ClientConfig, opts *loadOptions, url string, stats *loadStats) error {
	c, err := courier.NewClient(config)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	for ctx.Err() == nil {
		reqCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		resp, err := c.Get(reqCtx, url)
		cancel()
		// Requests cut short by the end of the run are not counted.
		if ctx.Err() != nil {
			return nil
		}
		stats.record(resp, err)
		if opts.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.delay):
			}
		}
	}
	return nil
}
