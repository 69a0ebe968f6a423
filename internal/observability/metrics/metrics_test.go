package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineCounters(t *testing.T) {
	before := testutil.ToFloat64(toolCalls.WithLabelValues("executed"))
	ToolCall("executed")
	ToolCall("executed")
	assert.Equal(t, before+2, testutil.ToFloat64(toolCalls.WithLabelValues("executed")))

	SetInFlight(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(inFlight))

	ObserveNode("synthesizer", 10*time.Millisecond, nil)
	ObserveNode("synthesizer", 10*time.Millisecond, errors.New("boom"))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(nodeDuration), 2)

	before = testutil.ToFloat64(jobs.WithLabelValues("execute", "retry"))
	JobProcessed("execute", "retry")
	assert.Equal(t, before+1, testutil.ToFloat64(jobs.WithLabelValues("execute", "retry")))
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/executions", http.MethodPost, 500, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	assert.True(t, strings.Contains(text, `openmcp_http_requests_total{code="500",handler="/api/v1/executions",method="POST"}`))
	assert.True(t, strings.Contains(text, "openmcp_http_request_errors_total"))
	assert.True(t, strings.Contains(text, "openmcp_executions_started_total"))
}
