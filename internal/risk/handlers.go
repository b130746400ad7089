package risk

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/exchange-api/pkg/response"
)

// StartDailyReset zeroes the daily loss counters at every UTC midnight
// until the context is cancelled.
func (m *Manager) StartDailyReset(ctx context.Context) {
	logger := log.With().Str("component", "risk_daily_reset").Logger()
	logger.Info().Msg("starting daily reset loop")

	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down daily reset loop")
			return
		case <-time.After(next.Sub(now)):
			if err := m.ResetDaily(); err != nil {
				logger.Error().Err(err).Msg("daily reset failed")
			}
		}
	}
}

// GinHandlers contains HTTP handlers for risk endpoints
type GinHandlers struct {
	manager *Manager
}

func NewGinHandlers(manager *Manager) *GinHandlers {
	return &GinHandlers{
		manager: manager,
	}
}

// GetRiskStateHandler handles GET requests for the authenticated user's
// exposure state across all instruments
func (h *GinHandlers) GetRiskStateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		states, err := h.manager.db.GetStatesForUser(userID)
		response.Handle(c, states, err)
	}
}

// ResetDailyHandler handles POST requests to reset daily loss counters.
// Requires internal authentication
func (h *GinHandlers) ResetDailyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.manager.ResetDaily(); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, gin.H{"message": "daily loss counters reset"})
	}
}
