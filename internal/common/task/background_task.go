// Package task implements a start/stop background task abstraction, used by
// the Metrics Sampler, which runs exactly one background task per variant
// with its own cancellation channel, and whose stop must be total:
// idempotent, and a no-op if called before start.
package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Periodic runs fn every interval until Stop is called. It is safe to call
// Stop multiple times, and to call Stop before Start; both are no-ops beyond
// the first successful stop.
type Periodic struct {
	fn         func()
	interval   time.Duration
	histogram  prometheus.Histogram
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	started    bool
	stopped    bool
}

var (
	histogramsMu sync.Mutex
	histograms   = map[string]prometheus.Histogram{}
)

// histogramFor returns the latency histogram for metricName, registering it
// on first use and reusing the same collector on every later call. Callers
// like the Sampler build a fresh Periodic per variant with the same
// metricName, and a second promauto registration under an unchanged name
// would panic.
func histogramFor(metricName string) prometheus.Histogram {
	histogramsMu.Lock()
	defer histogramsMu.Unlock()
	if h, ok := histograms[metricName]; ok {
		return h
	}
	h := promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    metricName + "_latency_seconds",
		Help:    "Background loop " + metricName + " latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})
	histograms[metricName] = h
	return h
}

// NewPeriodic constructs a Periodic task. metricName scopes the latency
// histogram exposed for this task (e.g. "sampler_scrape").
func NewPeriodic(fn func(), interval time.Duration, metricName string) *Periodic {
	return &Periodic{
		fn:        fn,
		interval:  interval,
		stopCh:    make(chan struct{}),
		histogram: histogramFor(metricName),
	}
}

// Start launches the periodic loop in a new goroutine. Calling Start more
// than once is a no-op.
func (p *Periodic) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOnce()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runOnce()
			}
		}
	}()
}

func (p *Periodic) runOnce() {
	start := time.Now()
	p.fn()
	p.histogram.Observe(time.Since(start).Seconds())
}

// Stop signals the loop to exit and blocks until it has. Safe to call
// multiple times or without a prior Start.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
