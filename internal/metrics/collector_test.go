package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/raphaelgruber/scrapedeck/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordTiming(t *testing.T) {
	c := metrics.NewCollector()
	c.RecordTiming(metrics.OpSubmit, 10*time.Millisecond, nil)
	c.RecordTiming(metrics.OpSubmit, 30*time.Millisecond, errors.New("boom"))
	c.RecordTiming(metrics.OpUpload, 5*time.Millisecond, nil)

	snap := c.Snapshot()
	require.Len(t, snap.Operations, 2)
	assert.Equal(t, metrics.OpSubmit, snap.Operations[0].Name)

	submit := snap.Operation(metrics.OpSubmit)
	require.NotNil(t, submit)
	assert.Equal(t, int64(2), submit.Count)
	assert.Equal(t, int64(1), submit.Errors)
	assert.Equal(t, int64(10), submit.MinTimeMs)
	assert.Equal(t, int64(30), submit.MaxTimeMs)
	assert.InDelta(t, 20.0, submit.AvgTimeMs, 0.001)

	assert.Nil(t, snap.Operation(metrics.OpStatus))
}

func TestCollectorCounters(t *testing.T) {
	c := metrics.NewCollector()
	c.Incr(metrics.CounterReconnects)
	c.Incr(metrics.CounterReconnects)
	c.Incr(metrics.CounterDroppedFrames)

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Counters[metrics.CounterReconnects])
	assert.Equal(t, int64(1), snap.Counters[metrics.CounterDroppedFrames])
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *metrics.Collector
	c.RecordTiming(metrics.OpSubmit, time.Second, nil)
	c.Incr(metrics.CounterReconnects)
	assert.Empty(t, c.Snapshot().Operations)
}
