package store

import (
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExperimentID_SortsByCreationTime(t *testing.T) {
	entropy := NewEntropySource(rand.Reader)
	first := NewExperimentID(time.Unix(1000, 0), entropy)
	second := NewExperimentID(time.Unix(2000, 0), entropy)
	assert.Less(t, first, second)
	assert.Contains(t, first, "exp-")
}

func TestInit_CreatesLayoutAndLatestPointer(t *testing.T) {
	s := New(t.TempDir())
	id := "exp-01ARZ3NDEKTSV4RRFFQ69G5FAV"
	require.NoError(t, s.Init(id))

	for _, sub := range []string{benchmarkResultsDir, metricsDir, manifestsDir} {
		assert.DirExists(t, s.ExperimentDir(id)+"/"+sub)
	}
	assert.FileExists(t, s.ExperimentDir(id)+"/"+orchestratorLogFile)

	latest, err := s.Latest()
	require.NoError(t, err)
	assert.Equal(t, id, latest)
}

func TestManifestsDir(t *testing.T) {
	s := New(t.TempDir())
	id := "exp-01ARZ3NDEKTSV4RRFFQ69G5FAV"
	require.NoError(t, s.Init(id))

	assert.Equal(t, s.ExperimentDir(id)+"/"+manifestsDir, s.ManifestsDir(id))
	assert.DirExists(t, s.ManifestsDir(id))
}

func TestResolve_LatestLiteral(t *testing.T) {
	s := New(t.TempDir())
	id := "exp-01ARZ3NDEKTSV4RRFFQ69G5FAV"
	require.NoError(t, s.Init(id))

	resolved, err := s.Resolve("latest")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)

	resolved, err = s.Resolve("exp-explicit")
	require.NoError(t, err)
	assert.Equal(t, "exp-explicit", resolved)
}

func TestWriteReadFleet_RoundTrips(t *testing.T) {
	s := New(t.TempDir())
	id := "exp-01ARZ3NDEKTSV4RRFFQ69G5FAV"
	require.NoError(t, s.Init(id))

	type fleet struct {
		Hosts []string `json:"hosts"`
	}
	require.NoError(t, s.WriteFleet(id, fleet{Hosts: []string{"i-1", "i-2"}}))

	var got fleet
	require.NoError(t, s.ReadFleet(id, &got))
	assert.Equal(t, []string{"i-1", "i-2"}, got.Hosts)
}

func TestReadFleet_MissingFileErrors(t *testing.T) {
	s := New(t.TempDir())
	id := "exp-missing"
	require.NoError(t, s.Init(id))

	var out interface{}
	assert.Error(t, s.ReadFleet(id, &out))
}

func TestList_NewestFirst(t *testing.T) {
	s := New(t.TempDir())
	entropy := NewEntropySource(rand.Reader)
	older := NewExperimentID(time.Unix(1000, 0), entropy)
	newer := NewExperimentID(time.Unix(2000, 0), entropy)
	require.NoError(t, s.Init(older))
	require.NoError(t, s.Init(newer))

	ids, err := s.List()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, newer, ids[0])
	assert.Equal(t, older, ids[1])
}

func TestAppendLog(t *testing.T) {
	s := New(t.TempDir())
	id := "exp-log-test"
	require.NoError(t, s.Init(id))
	require.NoError(t, s.AppendLog(id, "line one"))
	require.NoError(t, s.AppendLog(id, "line two"))

	data, err := os.ReadFile(s.ExperimentDir(id) + "/" + orchestratorLogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "line one")
	assert.Contains(t, string(data), "line two")
}
