package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterWithoutConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectors()
	require.NotPanics(t, func() { c.MustRegister(reg) })

	c.FramesSent.WithLabelValues("Data").Inc()
	c.FramesRetransmitted.Inc()
	c.BytesTransferred.Add(128)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
