package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDefault_Singleton(t *testing.T) {
	require.Same(t, Default(), Default())
	require.NotNil(t, GetRegistry())
}

func TestHelpers(t *testing.T) {
	m := Default()

	conns := testutil.ToFloat64(m.ConnectedClients.WithLabelValues("chat"))
	ClientConnected("chat")
	require.Equal(t, conns+1, testutil.ToFloat64(m.ConnectedClients.WithLabelValues("chat")))
	ClientDisconnected("chat")
	require.Equal(t, conns, testutil.ToFloat64(m.ConnectedClients.WithLabelValues("chat")))

	dropped := testutil.ToFloat64(m.FramesDropped.WithLabelValues("non_text"))
	FrameDropped("non_text")
	require.Equal(t, dropped+1, testutil.ToFloat64(m.FramesDropped.WithLabelValues("non_text")))

	published := testutil.ToFloat64(m.Publishes)
	Published(3 * time.Millisecond)
	require.Equal(t, published+1, testutil.ToFloat64(m.Publishes))

	busErrs := testutil.ToFloat64(m.BusErrors.WithLabelValues("redis", "publish"))
	BusError("redis", "publish")
	require.Equal(t, busErrs+1, testutil.ToFloat64(m.BusErrors.WithLabelValues("redis", "publish")))
}

func TestRegistry_Gathers(t *testing.T) {
	ClientConnected("echo")
	defer ClientDisconnected("echo")

	families, err := GetRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["duplexhub_connected_clients"])
	require.True(t, names["duplexhub_connections_total"])
}
