package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTimerObservesPositiveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_timer_histogram", Help: "test"})

	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(h)

	assert.Equal(t, uint64(1), testutil.CollectAndCount(h))
}

func TestInvocationsTotalIncrementsByOutcome(t *testing.T) {
	InvocationsTotal.WithLabelValues("succeeded").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(InvocationsTotal.WithLabelValues("succeeded")), float64(1))
}
