package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/rooms/{code}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	labels := prometheus.Labels{"method": http.MethodGet, "path": "/api/rooms/{code}", "status": "418"}
	before := testutil.ToFloat64(HttpRequestsTotal.With(labels))

	for _, code := range []string{"AB12C3", "Z9K3M1"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/rooms/"+code, nil))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(HttpRequestsTotal.With(labels)))
}

func TestHandler_ExposesRelayCollectors(t *testing.T) {
	WsConnections.Inc()
	defer WsConnections.Dec()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body), "relay_ws_connections")
}
