// Package sampler implements the metrics sampler: a background task that
// scrapes broker and storage hosts on a fixed cadence, buffers the results
// in memory, and flushes them as JSON artefacts when the variant
// completes. A scrape failure never fails the enclosing test.
package sampler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/common/task"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

// DefaultInterval is the sampler's fixed cadence.
const DefaultInterval = 30 * time.Second

// Snapshot is one scrape of one host at one point in time.
type Snapshot struct {
	Timestamp time.Time       `json:"timestamp"`
	HostID    string          `json:"hostId"`
	Role      string          `json:"role"`
	Metrics   json.RawMessage `json:"metrics"`
}

// Scraper performs a single metrics-scrape command against a host,
// invoked via the Executor, returning the JSON it emits on stdout.
type Scraper interface {
	Scrape(ctx *armadacontext.Context, host fleet.Host) (json.RawMessage, error)
}

// Sampler owns exactly one background task for the duration of a variant
// exactly one background task runs per variant.
type Sampler struct {
	scraper Scraper
	hosts   []fleet.Host
	log     *armadacontext.Context

	mu     sync.Mutex
	series []Snapshot

	periodic *task.Periodic
}

// New builds a Sampler over the given broker/storage hosts.
func New(ctx *armadacontext.Context, scraper Scraper, hosts []fleet.Host, interval time.Duration) *Sampler {
	s := &Sampler{scraper: scraper, hosts: hosts, log: ctx}
	s.periodic = task.NewPeriodic(func() { s.scrapeAll(s.log) }, interval, "sampler_scrape")
	return s
}

// Start begins periodic sampling. It is started before warmup begins and
// runs continuously through the measurement window, so warmup-phase
// behaviour is visible in the flushed time-series even though summary
// metrics exclude it.
func (s *Sampler) Start() {
	s.periodic.Start()
}

// Stop halts sampling. Safe to call multiple times.
func (s *Sampler) Stop() {
	s.periodic.Stop()
}

func (s *Sampler) scrapeAll(ctx *armadacontext.Context) {
	now := time.Now()
	for _, h := range s.hosts {
		data, err := s.scraper.Scrape(ctx, h)
		if err != nil {
			ctx.Log.WithField("host", h.ID).WithError(err).Warn("metrics scrape failed, skipping host for this period")
			continue
		}
		s.mu.Lock()
		s.series = append(s.series, Snapshot{Timestamp: now, HostID: h.ID, Role: string(h.Role), Metrics: data})
		s.mu.Unlock()
	}
}

// chartPoint is one (timestamp, host) entry in the plot-friendly artefact.
// It carries no metric values; those are only in metrics.json.
type chartPoint struct {
	Timestamp time.Time `json:"t"`
	HostID    string    `json:"hostId"`
}

// Flush writes the buffered time-series to dir as metrics.json plus a
// chart-data.json in a plot-friendly shape.
func (s *Sampler) Flush(dir string) error {
	s.mu.Lock()
	series := make([]Snapshot, len(s.series))
	copy(series, s.series)
	s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating metrics directory")
	}

	raw, err := json.MarshalIndent(series, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling time series")
	}
	if err := os.WriteFile(filepath.Join(dir, "metrics.json"), raw, 0o644); err != nil {
		return errors.Wrap(err, "writing metrics.json")
	}

	points := make([]chartPoint, len(series))
	for i, snap := range series {
		points[i] = chartPoint{Timestamp: snap.Timestamp, HostID: snap.HostID}
	}
	chartData, err := json.MarshalIndent(points, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshalling chart data")
	}
	return os.WriteFile(filepath.Join(dir, "chart-data.json"), chartData, 0o644)
}
