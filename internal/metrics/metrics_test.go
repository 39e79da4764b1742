package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordFaultDetected()
	m.RecordResolve("accept", 3)
	m.RecordResolve("accept", 1)
	m.RecordHashError()
	m.RecordMaterializeFailure()
	m.SetTrainingActive(true)
	m.RecordTrainingRun("success")
	m.RecordNotification("email", "success")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FaultsDetected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResolveCalls.WithLabelValues("accept")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ResolvedRecords.WithLabelValues("accept")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrainingActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("email", "success")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_DoubleRegisterFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFaultDetected()
		m.RecordResolve("reject", 2)
		m.RecordHashError()
		m.RecordMaterializeFailure()
		m.SetTrainingActive(false)
		m.RecordTrainingRun("failure")
		m.RecordNotification("mqtt", "error")
	})
}
