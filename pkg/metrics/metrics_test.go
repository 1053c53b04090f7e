package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.FrameReceived("text")
	c.FrameReceived("text")
	c.FrameReceived("stop")
	c.DecodeError()
	c.Reconnect("failure")
	c.Reconnect("success")
	c.Upload("acked")
	c.Turn(true)
	c.Turn(false)
	c.Turn(false)

	require.Equal(t, 2.0, testutil.ToFloat64(c.frames.WithLabelValues("text")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.frames.WithLabelValues("stop")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.decodeErrors))
	require.Equal(t, 1.0, testutil.ToFloat64(c.reconnects.WithLabelValues("success")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.uploads.WithLabelValues("acked")))
	require.Equal(t, 2.0, testutil.ToFloat64(c.turns.WithLabelValues("fresh")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.turns.WithLabelValues("resume")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.FrameReceived("text")
		c.DecodeError()
		c.Reconnect("exhausted")
		c.Upload("failed")
		c.Turn(true)
	})
	require.Nil(t, c.Registry())
}

func TestHandlerServesCounters(t *testing.T) {
	c := New()
	c.FrameReceived("agent_status")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `tutor_chat_frames_received_total{type="agent_status"} 1`)
}
