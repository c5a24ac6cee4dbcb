package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkloadConfig_Validate(t *testing.T) {
	require.NoError(t, baseWorkload().Validate())
}

func TestWorkloadConfig_Validate_RejectsNonPositiveCounts(t *testing.T) {
	for _, mutate := range []func(*WorkloadConfig){
		func(w *WorkloadConfig) { w.Topics = 0 },
		func(w *WorkloadConfig) { w.Partitions = 0 },
		func(w *WorkloadConfig) { w.ProducerCount = 0 },
		func(w *WorkloadConfig) { w.ConsumerCount = 0 },
	} {
		w := baseWorkload()
		mutate(&w)
		assert.Error(t, w.Validate())
	}
}

func TestWorkloadConfig_Validate_RejectsNonPositiveTestDuration(t *testing.T) {
	w := baseWorkload()
	w.TestDuration = 0
	assert.Error(t, w.Validate())
}

func TestWorkloadConfig_Validate_RejectsNegativeWarmup(t *testing.T) {
	w := baseWorkload()
	w.WarmupDuration = -1
	assert.Error(t, w.Validate())
}

func TestMessageSize_Validate_RejectsNeitherFixedNorDistribution(t *testing.T) {
	assert.Error(t, MessageSize{}.Validate())
}

func TestMessageSize_Validate_RejectsBothFixedAndDistribution(t *testing.T) {
	m := MessageSize{Fixed: 128, Distribution: []SizeBucket{{Lo: 0, Hi: 256, Weight: 1}}}
	assert.Error(t, m.Validate())
}

func TestMessageSize_Validate_Distribution(t *testing.T) {
	valid := MessageSize{Distribution: []SizeBucket{
		{Lo: 0, Hi: 256, Weight: 0.5},
		{Lo: 256, Hi: 1024, Weight: 0.5},
	}}
	require.NoError(t, valid.Validate())

	invertedBounds := MessageSize{Distribution: []SizeBucket{{Lo: 256, Hi: 0, Weight: 1}}}
	assert.Error(t, invertedBounds.Validate())

	nonPositiveWeight := MessageSize{Distribution: []SizeBucket{{Lo: 0, Hi: 256, Weight: 0}}}
	assert.Error(t, nonPositiveWeight.Validate())
}
