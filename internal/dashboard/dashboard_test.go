package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradestream/config"
	"tradestream/internal/metrics"
	"tradestream/logger"
)

func newTestRouter(t *testing.T, d *Dashboard) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	d.Register(r)
	return r
}

func get(t *testing.T, r http.Handler, path string) (int, map[string]json.RawMessage) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestNewDisabled(t *testing.T) {
	d := New(config.DashboardConfig{Enabled: false}, logger.Logger(), nil)
	assert.Nil(t, d)

	// nil dashboards are inert
	d.Start(context.Background())
	d.Close()
	r := newTestRouter(t, d)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboardRoutes(t *testing.T) {
	log := logger.Logger()
	d := New(config.DashboardConfig{Enabled: true}, log, func() map[string]float64 {
		return map[string]float64{"trades_streamed": 12}
	})
	require.NotNil(t, d)
	t.Cleanup(d.Close)
	r := newTestRouter(t, d)

	metrics.EmitStreamCompleted(log, "binance", "BTC-USDT", 12, 1)
	log.WithComponent("feed").Warn("reconnecting")

	code, body := get(t, r, "/api/summary")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"trades_streamed":12}`, string(body["summary"]))

	code, body = get(t, r, "/api/metrics?component=dataset")
	assert.Equal(t, http.StatusOK, code)
	var metricItems []map[string]interface{}
	require.NoError(t, json.Unmarshal(body["metrics"], &metricItems))
	require.Len(t, metricItems, 1)
	assert.Equal(t, "trades_streamed", metricItems[0]["name"])

	code, body = get(t, r, "/api/logs?level=warn")
	assert.Equal(t, http.StatusOK, code)
	var logItems []logRecord
	require.NoError(t, json.Unmarshal(body["logs"], &logItems))
	require.Len(t, logItems, 1)
	assert.Equal(t, "feed", logItems[0].Component)

	code, _ = get(t, r, "/api/logs?level=nope")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, r, "/api/resources")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "resources")
}
