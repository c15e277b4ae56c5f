package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEvictionCounter(t *testing.T) {
	before := testutil.ToFloat64(poolEvictions.WithLabelValues("test_reason"))
	IncEviction("test_reason")
	IncEviction("test_reason")
	after := testutil.ToFloat64(poolEvictions.WithLabelValues("test_reason"))
	assert.Equal(t, before+2, after)
}

func TestPoolOccupancyGauges(t *testing.T) {
	SetPoolOccupancy(3, 2, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(poolOccupancy.WithLabelValues("in_use")))
	assert.Equal(t, 2.0, testutil.ToFloat64(poolOccupancy.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(poolOccupancy.WithLabelValues("pending")))
}

func TestBufferCacheGauges(t *testing.T) {
	SetBufferCache(7, 4096)
	assert.Equal(t, 7.0, testutil.ToFloat64(bufferCount))
	assert.Equal(t, 4096.0, testutil.ToFloat64(bufferBytes))
}

func TestTrackedProcessesGauge(t *testing.T) {
	SetTrackedProcesses(5)
	assert.Equal(t, 5.0, testutil.ToFloat64(trackedProcesses))
}

func TestObserveAcquisitionDoesNotPanic(t *testing.T) {
	ObserveAcquisition("reused", 3*time.Millisecond)
	ObserveAcquisition("created", 40*time.Millisecond)
	ObserveAcquisition("queued", 900*time.Millisecond)
}
