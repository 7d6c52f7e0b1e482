package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestIncQueueOp_IncrementsLabeledCounter(t *testing.T) {
	before := testutil.ToFloat64(QueueOperationsTotal.WithLabelValues("ch-metrics-test", string(OpAdd)))
	IncQueueOp("ch-metrics-test", OpAdd)
	after := testutil.ToFloat64(QueueOperationsTotal.WithLabelValues("ch-metrics-test", string(OpAdd)))
	require.Equal(t, before+1, after)
}

func TestHubDropsTotal_IncrementsPerSubscriber(t *testing.T) {
	before := testutil.ToFloat64(HubDropsTotal.WithLabelValues("sub-metrics-test"))
	HubDropsTotal.WithLabelValues("sub-metrics-test").Inc()
	after := testutil.ToFloat64(HubDropsTotal.WithLabelValues("sub-metrics-test"))
	require.Equal(t, before+1, after)
}

func TestStreamsActive_IsGauge(t *testing.T) {
	StreamsActive.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(StreamsActive))
	StreamsActive.Set(1)
	require.Equal(t, float64(1), testutil.ToFloat64(StreamsActive))
}
