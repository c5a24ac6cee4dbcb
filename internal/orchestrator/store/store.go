// Package store implements the experiment store: the per-experiment
// directory layout, the ULID-based experiment identity, and the
// transactional write-and-rename update of the `latest` pointer.
package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	benchmarkResultsDir = "benchmark_results"
	metricsDir          = "metrics"
	manifestsDir        = "manifests"
	orchestratorLogFile = "orchestrator.log"
	infraVarsFile       = "infra_vars.json"
	fleetFile           = "fleet.json"
	latestPointerFile   = "latest"
)

// NewExperimentID mints an `exp-<ULID>` identity, sortable by creation
// time - the property `list` relies on to show experiments newest-first.
// entropy must not be nil; callers construct it once per process with
// NewEntropySource.
func NewExperimentID(now time.Time, entropy io.Reader) string {
	id := ulid.MustNew(ulid.Timestamp(now), entropy)
	return "exp-" + id.String()
}

// NewEntropySource builds the monotonic entropy source NewExperimentID
// requires, seeded from a cryptographically random reader.
func NewEntropySource(seed io.Reader) io.Reader {
	return ulid.Monotonic(seed, 0)
}

// Store roots every experiment directory under Root.
type Store struct {
	Root string
}

// New wraps a root directory.
func New(root string) *Store {
	return &Store{Root: root}
}

// ExperimentDir returns the directory for experimentID under Root.
func (s *Store) ExperimentDir(experimentID string) string {
	return filepath.Join(s.Root, experimentID)
}

// Init creates the experiment's directory tree and updates the `latest`
// pointer, before any cloud work begins. Pointer update uses
// write-and-rename so a concurrent reader of `latest` never observes a
// partially-written pointer.
func (s *Store) Init(experimentID string) error {
	dir := s.ExperimentDir(experimentID)
	for _, sub := range []string{benchmarkResultsDir, metricsDir, manifestsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return errors.Wrapf(err, "creating %s", sub)
		}
	}
	logFile, err := os.OpenFile(filepath.Join(dir, orchestratorLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "creating orchestrator.log")
	}
	logFile.Close()

	return s.setLatest(experimentID)
}

// setLatest writes experimentID to a temp file and renames it over the
// `latest` pointer, so the update is atomic on any POSIX filesystem.
func (s *Store) setLatest(experimentID string) error {
	pointerPath := filepath.Join(s.Root, latestPointerFile)
	tmpPath := pointerPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(experimentID), 0o644); err != nil {
		return errors.Wrap(err, "writing latest pointer temp file")
	}
	if err := os.Rename(tmpPath, pointerPath); err != nil {
		return errors.Wrap(err, "renaming latest pointer into place")
	}
	return nil
}

// Latest resolves the `latest` pointer to an experiment ID.
func (s *Store) Latest() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Root, latestPointerFile))
	if err != nil {
		return "", errors.Wrap(err, "reading latest pointer")
	}
	return strings.TrimSpace(string(data)), nil
}

// Resolve turns an --experiment-id argument of either a concrete ID or the
// literal "latest" into a concrete experiment ID.
func (s *Store) Resolve(experimentID string) (string, error) {
	if experimentID == "latest" {
		return s.Latest()
	}
	return experimentID, nil
}

// WriteInfraVars persists the generated provisioner inputs document.
func (s *Store) WriteInfraVars(experimentID string, data []byte) error {
	return os.WriteFile(filepath.Join(s.ExperimentDir(experimentID), infraVarsFile), data, 0o644)
}

// WriteFleet persists the provisioned fleet so a later `run` or `teardown`
// invocation against the same experiment ID does not need to re-provision
// to learn which hosts exist when `run` targets an already-provisioned
// cluster.
func (s *Store) WriteFleet(experimentID string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding fleet")
	}
	return os.WriteFile(filepath.Join(s.ExperimentDir(experimentID), fleetFile), data, 0o644)
}

// ReadFleet loads a fleet previously persisted by WriteFleet.
func (s *Store) ReadFleet(experimentID string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.ExperimentDir(experimentID), fleetFile))
	if err != nil {
		return errors.Wrap(err, "reading fleet.json")
	}
	return json.Unmarshal(data, v)
}

// BenchmarkResultsDir returns the directory a variant's raw/summary/skipped
// artefacts are written to.
func (s *Store) BenchmarkResultsDir(experimentID, variantName string) string {
	return filepath.Join(s.ExperimentDir(experimentID), benchmarkResultsDir, variantName)
}

// MetricsDir returns the directory the sampler flushes time-series into.
func (s *Store) MetricsDir(experimentID, variantName string) string {
	return filepath.Join(s.ExperimentDir(experimentID), metricsDir, variantName)
}

// ManifestsDir returns the directory generated control-plane payloads are
// recorded to.
func (s *Store) ManifestsDir(experimentID string) string {
	return filepath.Join(s.ExperimentDir(experimentID), manifestsDir)
}

// AppendLog appends a line to orchestrator.log, mirroring what the
// structured logger already emits to stdout so the experiment directory is
// self-contained for later inspection.
func (s *Store) AppendLog(experimentID, line string) error {
	f, err := os.OpenFile(filepath.Join(s.ExperimentDir(experimentID), orchestratorLogFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening orchestrator.log")
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

// LogHook is a logrus.Hook that mirrors every log entry into the current
// experiment's orchestrator.log, keeping the on-disk log append-only and
// consistent with what the structured logger emitted.
type LogHook struct {
	Store        *Store
	ExperimentID string
}

func (h *LogHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *LogHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}
	return h.Store.AppendLog(h.ExperimentID, strings.TrimRight(line, "\n"))
}

// List enumerates known experiment directories under Root, newest first
// (ULIDs sort lexically by creation time).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, errors.Wrap(err, "reading store root")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "exp-") {
			ids = append(ids, e.Name())
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}
