package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthDecisionsCounted(t *testing.T) {
	AuthDecisions.WithLabelValues("allow").Inc()
	got := testutil.ToFloat64(AuthDecisions.WithLabelValues("allow"))
	assert.GreaterOrEqual(t, got, float64(1))
}

func TestHandlerServesExposition(t *testing.T) {
	LoginAttempts.WithLabelValues("success").Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "gafaelfawr_login_attempts_total")
}
