package monitor

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestCommandOutcomes(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues(ResultTimeout))
	CommandsTotal.WithLabelValues(ResultTimeout).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CommandsTotal.WithLabelValues(ResultTimeout)))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ConnectionState.Set(3)
	PollLoops.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "elm_connection_state 3")
	assert.Contains(t, string(body), "elm_poll_loops_total")
	assert.Contains(t, string(body), "elm_queue_depth")
}
