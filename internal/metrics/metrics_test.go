package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionMetrics(t *testing.T) {
	m := New(nil)

	m.RecordSessionStart()
	m.RecordSessionStart()
	m.RecordSessionStop("failed", 12)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsClosed.WithLabelValues("failed")))
}

func TestPipelineMetrics(t *testing.T) {
	m := New(nil)

	m.RecordPipelineStart()
	m.RecordFrame()
	m.RecordFrame()
	m.RecordStreamError()
	m.RecordAnalysis(0.01, true)
	m.RecordAnalysis(0.02, false)
	m.RecordEncodeDrop()
	m.RecordRebind()
	m.RecordPipelineStop()

	assert.Zero(t, testutil.ToFloat64(m.ActivePipelines))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PipelinesStarted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Detections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EncodeDrops))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rebinds))
}

func TestSendMetricsCountBytesOnlyWhenSent(t *testing.T) {
	m := New(nil)

	m.RecordSend("sent", 88)
	m.RecordSend("no_channel", 88)
	m.RecordSend("sent", 88)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResultsSent.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResultsSent.WithLabelValues("no_channel")))
	assert.Equal(t, 176.0, testutil.ToFloat64(m.PayloadBytes))
}

func TestHTTPMetricsGroupStatus(t *testing.T) {
	m := New(nil)

	m.RecordHTTPRequest("POST", "/offer", 200, 0.1)
	m.RecordHTTPRequest("POST", "/offer", 201, 0.1)
	m.RecordHTTPRequest("POST", "/offer", 503, 0.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/offer", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("POST", "/offer", "5xx")))
	assert.Equal(t, "unknown", m.statusCodeToString(100))
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RecordDataChannel()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "landmarkrtc_datachannels_total 1")
}
