// ABOUTME: Tests for the Prometheus collectors and the exposition handler
// ABOUTME: Checks counter values with testutil and scrapes the handler over HTTP

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItem(t *testing.T) {
	m := New()

	m.WorkItem("completed", "", 5, 2*time.Second)
	m.WorkItem("error", "stalled", 3, 61*time.Second)
	m.WorkItem("rejected", "", 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.workItems.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workItems.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workItems.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workItemErrors.WithLabelValues("stalled")))
	assert.Equal(t, 8.0, testutil.ToFloat64(m.frames))
	assert.Equal(t, 2, testutil.CollectAndCount(m.workItemSeconds))
}

func TestCounters(t *testing.T) {
	m := New()

	m.ToolCall("get_weather")
	m.ToolCall("get_weather")
	m.Tokens(100, 25)
	m.Tokens(0, 5)
	m.Session(true)
	m.Session(false)
	m.Session(false)
	m.SetConsumers(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("get_weather")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tokens.WithLabelValues("prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.tokens.WithLabelValues("completion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessions.WithLabelValues("reused")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.consumers))
}

func TestBegin(t *testing.T) {
	m := New()

	end1 := m.Begin()
	end2 := m.Begin()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))
	end1()
	end2()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.WorkItem("completed", "", 1, time.Second)
		m.ToolCall("x")
		m.Tokens(1, 1)
		m.Session(true)
		m.SetConsumers(1)
		m.Begin()()
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.WorkItem("completed", "", 4, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	assert.Contains(t, text, `chat_relay_work_items_total{outcome="completed"} 1`)
	assert.Contains(t, text, "chat_relay_frames_sent_total 4")
	assert.Contains(t, text, "go_goroutines")
}
