package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PaymentCompleted("paid")
	m.PaymentCompleted("paid")
	m.PaymentCompleted("replayed")
	m.CredentialsAllocated(3)
	m.CredentialsAllocated(0)
	m.AllocationFailed("insufficient_inventory")
	m.SweepAction("reaper", "cancelled")
	m.SweepFinished("reaper", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.paymentCompletions.WithLabelValues("paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.paymentCompletions.WithLabelValues("replayed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.credentialsAllocated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.allocationFailures.WithLabelValues("insufficient_inventory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeperActions.WithLabelValues("reaper", "cancelled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sweeperRuns.WithLabelValues("reaper")))

	count, err := testutil.GatherAndCount(reg, "vouchermart_sweeper_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.PaymentCompleted("paid")
		m.CredentialsAllocated(1)
		m.AllocationFailed("x")
		m.SweepAction("reaper", "cancelled")
		m.SweepFinished("reaper", time.Now())
	})
}
