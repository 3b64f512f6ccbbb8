package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alias1177/Trader/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type stubSource struct {
	state     models.RiskState
	positions []*models.Position
	resumed   int
}

func (s *stubSource) RiskState() models.RiskState       { return s.state }
func (s *stubSource) OpenPositions() []*models.Position { return s.positions }
func (s *stubSource) Resume() {
	s.resumed++
	s.state.Paused = false
}

func serve(t *testing.T, r http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	w := serve(t, NewRouter(&stubSource{}), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStatus(t *testing.T) {
	pausedAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &stubSource{
		state: models.RiskState{Capital: 9800, PeakEquity: 10000, Drawdown: 0.02, ConsecutiveLosses: 3, Paused: true, PausedAt: pausedAt},
		positions: []*models.Position{
			{ID: "p1", Pair: "XBTUSD", Side: models.SideBuy, Size: 0.1, Remaining: 0.07, Status: models.PositionPartialClosed},
		},
	}

	w := serve(t, NewRouter(src), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 9800.0, resp.Capital)
	assert.True(t, resp.Paused)
	require.NotNil(t, resp.PausedAt)
	assert.True(t, pausedAt.Equal(*resp.PausedAt))
	require.Len(t, resp.OpenPositions, 1)
	assert.Equal(t, "p1", resp.OpenPositions[0].ID)
}

func TestStatusEmpty(t *testing.T) {
	w := serve(t, NewRouter(&stubSource{state: models.RiskState{Capital: 10000}}), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Equal(t, []any{}, raw["open_positions"])
	assert.NotContains(t, raw, "paused_at")
}

func TestResume(t *testing.T) {
	src := &stubSource{state: models.RiskState{Paused: true}}
	r := NewRouter(src)

	w := serve(t, r, http.MethodPost, "/resume")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resumed":true}`, w.Body.String())
	assert.Equal(t, 1, src.resumed)

	w = serve(t, r, http.MethodPost, "/resume")
	assert.JSONEq(t, `{"resumed":false}`, w.Body.String())

	w = serve(t, r, http.MethodGet, "/resume")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
