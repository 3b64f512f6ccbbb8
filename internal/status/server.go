package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/Trader/models"
)

// Source is the read side of the trading loop plus the manual resume
type Source interface {
	RiskState() models.RiskState
	OpenPositions() []*models.Position
	Resume()
}

// Response is the /status payload
type Response struct {
	Capital           float64            `json:"capital"`
	PeakEquity        float64            `json:"peak_equity"`
	Drawdown          float64            `json:"drawdown"`
	ConsecutiveLosses int                `json:"consecutive_losses"`
	Paused            bool               `json:"paused"`
	PausedAt          *time.Time         `json:"paused_at,omitempty"`
	OpenPositions     []*models.Position `json:"open_positions"`
}

// NewRouter exposes health, status and resume endpoints
func NewRouter(src Source) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/status", func(c *gin.Context) {
		state := src.RiskState()
		resp := Response{
			Capital:           state.Capital,
			PeakEquity:        state.PeakEquity,
			Drawdown:          state.Drawdown,
			ConsecutiveLosses: state.ConsecutiveLosses,
			Paused:            state.Paused,
			OpenPositions:     src.OpenPositions(),
		}
		if resp.OpenPositions == nil {
			resp.OpenPositions = []*models.Position{}
		}
		if state.Paused {
			resp.PausedAt = &state.PausedAt
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/resume", func(c *gin.Context) {
		wasPaused := src.RiskState().Paused
		src.Resume()
		c.JSON(http.StatusOK, gin.H{"resumed": wasPaused})
	})

	return r
}

// Server runs the status router on an address
type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// NewServer creates a status server listening on addr
func NewServer(addr string, src Source) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(src),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.With().Str("component", "status_server").Logger(),
	}
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("Status server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
