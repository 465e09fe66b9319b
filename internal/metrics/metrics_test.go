package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"persona-ledger/internal/ledger"
	"persona-ledger/internal/pricing"
)

func TestObserveSend(t *testing.T) {
	r := NewRecorder()

	r.ObserveSend(ledger.SendRequest{}, ledger.Message{Kind: pricing.KindImage, TokenCost: 5}, 1, nil)
	r.ObserveSend(ledger.SendRequest{}, ledger.Message{Kind: pricing.KindImage, TokenCost: 3}, 2, nil)
	r.ObserveSend(ledger.SendRequest{}, ledger.Message{}, 1, fmt.Errorf("x: %w", ledger.ErrInsufficientBalance))
	r.ObserveSend(ledger.SendRequest{}, ledger.Message{}, 3, fmt.Errorf("%w: %w", ledger.ErrConflictExhausted, ledger.ErrConflict))
	r.ObserveSend(ledger.SendRequest{}, ledger.Message{}, 1, errors.New("db down"))

	require.Equal(t, 2.0, testutil.ToFloat64(r.sends.WithLabelValues("committed")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues("insufficient_balance")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues("conflict_exhausted")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.sends.WithLabelValues("internal")))
	require.Equal(t, 8.0, testutil.ToFloat64(r.charged.WithLabelValues("image")))

	families, err := r.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "persona_ledger_send_attempts" {
			continue
		}
		found = true
		h := mf.GetMetric()[0].GetHistogram()
		require.Equal(t, uint64(5), h.GetSampleCount())
		require.Equal(t, 8.0, h.GetSampleSum())
	}
	require.True(t, found)
}

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRecorder()

	e := gin.New()
	e.Use(r.Middleware())
	e.GET("/v1/me/balance", func(c *gin.Context) { c.Status(http.StatusOK) })
	e.GET("/metrics", gin.WrapH(r.Handler()))

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/me/balance", nil))
	require.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("GET", "/v1/me/balance", "200")))

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, strings.Contains(w.Body.String(), "persona_http_requests_total"))
}
