package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAgainstRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m.SamplesEmitted)
	require.NotNil(t, m.SamplesSkipped)
	require.NotNil(t, m.RecordsLost)
	require.NotNil(t, m.EnqueuedFootprint)
	require.NotNil(t, m.GuardrailTrips)
	require.NotNil(t, m.SessionsActive)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewWithNilRegistererDoesNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		m := New(nil)
		m.SamplesEmitted.WithLabelValues("1").Inc()
	})
}
