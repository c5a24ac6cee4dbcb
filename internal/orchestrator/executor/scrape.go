package executor

import (
	"encoding/json"
	"time"

	"github.com/armadaproject/exparch/internal/common/armadacontext"
	"github.com/armadaproject/exparch/internal/orchestrator/fleet"
)

// scrapeDeadline bounds a single metrics-scrape command; generous enough
// that a loaded broker/storage host doesn't spuriously time out a period.
const scrapeDeadline = 15 * time.Second

// metricsScrapeCommand is the shell invocation the remote agent exposes for
// a health snapshot: heap usage, GC counters, CPU, memory, as JSON on
// stdout.
const metricsScrapeCommand = "exparch-agent metrics-scrape"

// Scrape implements sampler.Scraper: it runs the metrics-scrape command on
// host and returns its JSON stdout unparsed, leaving interpretation to the
// sampler's flushed artefact.
func (e *Executor) Scrape(ctx *armadacontext.Context, host fleet.Host) (json.RawMessage, error) {
	res, err := e.Run(ctx, host, metricsScrapeCommand, scrapeDeadline)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.Stdout), nil
}
