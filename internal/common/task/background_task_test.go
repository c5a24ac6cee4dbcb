package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPeriodic_RunsImmediatelyThenOnInterval(t *testing.T) {
	var calls int32
	p := NewPeriodic(func() { atomic.AddInt32(&calls, 1) }, 5*time.Millisecond, "test_periodic_immediate")
	p.Start()
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestPeriodic_StopIsIdempotentAndSafeBeforeStart(t *testing.T) {
	p := NewPeriodic(func() {}, time.Millisecond, "test_periodic_idempotent")
	assert.NotPanics(t, func() { p.Stop() })

	p.Start()
	p.Stop()
	assert.NotPanics(t, func() { p.Stop() })
}

func TestPeriodic_StartTwiceOnlyRunsOneLoop(t *testing.T) {
	var calls int32
	p := NewPeriodic(func() { atomic.AddInt32(&calls, 1) }, 5*time.Millisecond, "test_periodic_start_twice")
	p.Start()
	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	// A duplicate Start would double the call rate; a generous ceiling
	// still catches a second loop running concurrently.
	assert.Less(t, atomic.LoadInt32(&calls), int32(10))
}

func TestNewPeriodic_ReusesHistogramAcrossInstancesWithSameName(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPeriodic(func() {}, time.Second, "test_periodic_shared_histogram")
		NewPeriodic(func() {}, time.Second, "test_periodic_shared_histogram")
		NewPeriodic(func() {}, time.Second, "test_periodic_shared_histogram")
	})
}
