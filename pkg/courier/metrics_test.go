package courier

import (
	"errors"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Middleware(t *testing.T) {
	h := Prometheus()(okHandler)
	counter := httpRequestsTotal.WithLabelValues("GET", "/metered", "200")
	before := testutil.ToFloat64(counter)

	require.NoError(t, h.Serve(newTestContext("GET", "/metered")))
	require.NoError(t, h.Serve(newTestContext("GET", "/metered?x=1")))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, float64(0), testutil.ToFloat64(httpRequestsInFlight))
}

func TestPrometheusWithConfig_SkipAndLabels(t *testing.T) {
	h := PrometheusWithConfig(PrometheusConfig{
		SkipPaths: []string{"/metrics"},
		PathLabel: func(*Context) string { return "/users/:id" },
	})(HandlerFunc(func(ctx *Context) error {
		if ctx.Path() == "/users/fail" {
			return errors.New("lookup failed")
		}
		return ctx.Plain(http.StatusOK, "user")
	}))

	skipped := httpRequestsTotal.WithLabelValues("GET", "/metrics", "200")
	folded := httpRequestsTotal.WithLabelValues("GET", "/users/:id", "200")
	failed := httpRequestsTotal.WithLabelValues("GET", "/users/:id", "error")
	beforeSkipped, beforeFolded, beforeFailed := testutil.ToFloat64(skipped), testutil.ToFloat64(folded), testutil.ToFloat64(failed)

	require.NoError(t, h.Serve(newTestContext("GET", "/metrics")))
	require.NoError(t, h.Serve(newTestContext("GET", "/users/1")))
	require.NoError(t, h.Serve(newTestContext("GET", "/users/2")))
	require.Error(t, h.Serve(newTestContext("GET", "/users/fail")))

	assert.Equal(t, beforeSkipped, testutil.ToFloat64(skipped))
	assert.Equal(t, beforeFolded+2, testutil.ToFloat64(folded))
	assert.Equal(t, beforeFailed+1, testutil.ToFloat64(failed))
}
