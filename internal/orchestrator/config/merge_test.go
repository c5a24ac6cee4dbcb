package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseWorkload() WorkloadConfig {
	return WorkloadConfig{
		Topics:         4,
		Partitions:     8,
		ProducerCount:  2,
		ConsumerCount:  2,
		MessageSize:    MessageSize{Fixed: 1024},
		TestDuration:   5 * time.Minute,
		WarmupDuration: 30 * time.Second,
	}
}

func TestMergeWorkload_OverridesTakePrecedence(t *testing.T) {
	merged, err := MergeWorkload(baseWorkload(), map[string]interface{}{"targetRate": 5000})
	require.NoError(t, err)
	assert.Equal(t, 5000, merged.TargetRate)
	assert.Equal(t, 4, merged.Topics, "fields absent from overrides keep the base value")
}

func TestMergeWorkload_UnknownKeyRejected(t *testing.T) {
	_, err := MergeWorkload(baseWorkload(), map[string]interface{}{"bogusField": 1})
	assert.Error(t, err)
}

func TestMergeWorkload_Deterministic(t *testing.T) {
	overrides := map[string]interface{}{"targetRate": 1000}
	first, err := MergeWorkload(baseWorkload(), overrides)
	require.NoError(t, err)
	second, err := MergeWorkload(baseWorkload(), overrides)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSerialiseStable_Deterministic(t *testing.T) {
	merged, err := MergeWorkload(baseWorkload(), map[string]interface{}{"targetRate": 2000})
	require.NoError(t, err)

	first, err := SerialiseStable(merged)
	require.NoError(t, err)
	second, err := SerialiseStable(merged)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSerialiseStable_KeysSorted(t *testing.T) {
	data, err := SerialiseStable(baseWorkload())
	require.NoError(t, err)
	assert.Less(t, indexOf(t, data, "\"consumerCount\""), indexOf(t, data, "\"topics\""))
}

func indexOf(t *testing.T, data []byte, substr string) int {
	t.Helper()
	for i := 0; i+len(substr) <= len(data); i++ {
		if string(data[i:i+len(substr)]) == substr {
			return i
		}
	}
	t.Fatalf("substring %q not found in %s", substr, data)
	return -1
}
