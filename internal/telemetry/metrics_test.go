package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetOpen(t *testing.T) {
	SetOpen("test-seed", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(SeedOpen.WithLabelValues("test-seed")))
	SetOpen("test-seed", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(SeedOpen.WithLabelValues("test-seed")))
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	before := testutil.CollectAndCount(UploadDuration)
	d := TimeFunc(UploadDuration, func() { time.Sleep(time.Millisecond) })
	assert.GreaterOrEqual(t, d, time.Millisecond)
	assert.Equal(t, before, testutil.CollectAndCount(UploadDuration))

	assert.NotPanics(t, func() { TimeFunc(nil, func() {}) })
}

func TestCountersAreLabelled(t *testing.T) {
	EventsMalformed.WithLabelValues("kick").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(EventsMalformed.WithLabelValues("kick")), 1.0)
}
