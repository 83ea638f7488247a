package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/user/{userId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/user/{userId}", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/user/abc", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/user/{userId}", "418"))
	assert.Equal(t, before+1, after)
}

func TestRecordNotification(t *testing.T) {
	okBefore := testutil.ToFloat64(notifications.WithLabelValues("admin", "true"))
	failBefore := testutil.ToFloat64(notifications.WithLabelValues("admin", "false"))

	RecordNotification("admin", nil)
	RecordNotification("admin", errors.New("boom"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(notifications.WithLabelValues("admin", "true")))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(notifications.WithLabelValues("admin", "false")))
}

func TestRecordVisionCall(t *testing.T) {
	before := testutil.ToFloat64(visionFallbacks)
	RecordVisionCall(0, false)
	RecordVisionCall(0, true)
	assert.Equal(t, before+1, testutil.ToFloat64(visionFallbacks))
}

func TestHandlerServesRegistry(t *testing.T) {
	RecordSubscription("manual", "requested")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calorie_ai_subscription_outcomes_total")
}
