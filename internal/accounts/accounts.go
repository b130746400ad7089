package accounts

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/response"
)

// Service owns user accounts, cash balances and instrument holdings. It is
// the account gate consulted by pre-trade risk checks and the bookkeeper
// that applies executed trades to both counterparties.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// GetBalance returns a user's current cash balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	user, err := s.db.GetUserByID(userID)
	if err != nil {
		return decimal.Zero, err
	}
	return user.Balance, nil
}

// GetHoldings returns a user's current holding quantity for a symbol.
func (s *Service) GetHoldings(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	holding, err := s.db.GetHolding(userID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return holding.Quantity, nil
}

// CreateUser stores a new user record.
func (s *Service) CreateUser(user *User) error {
	return s.db.CreateUser(user)
}

// GetUserByID retrieves a user by ID.
func (s *Service) GetUserByID(userID string) (*User, error) {
	return s.db.GetUserByID(userID)
}

// GetUserByUsername retrieves a user by username.
func (s *Service) GetUserByUsername(username string) (*User, error) {
	return s.db.GetUserByUsername(username)
}

// Deposit credits a user's cash balance.
func (s *Service) Deposit(userID string, amount decimal.Decimal) error {
	return s.db.UpdateBalance(userID, amount)
}

// GrantHolding credits a user's holding for a symbol.
func (s *Service) GrantHolding(userID, symbol string, quantity decimal.Decimal) error {
	return s.db.AdjustHolding(userID, symbol, quantity)
}

// ApplyTrade moves cash and holdings between the trade's counterparties.
func (s *Service) ApplyTrade(trade *types.Trade) error {
	return s.db.ApplyTrade(trade)
}

// ConsumeTrades applies announced trades to account balances until the
// context is cancelled or the feed closes. Failed applications are logged
// and skipped; the trade ledger remains the source of truth.
func (s *Service) ConsumeTrades(ctx context.Context, feed <-chan types.Trade) {
	logger := log.With().Str("component", "account_bookkeeper").Logger()
	logger.Info().Msg("starting account bookkeeper")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down account bookkeeper")
			return
		case trade, ok := <-feed:
			if !ok {
				logger.Info().Msg("trade feed closed")
				return
			}
			if err := s.ApplyTrade(&trade); err != nil {
				logger.Error().
					Err(err).
					Str("trade_id", trade.TradeID).
					Msg("failed to apply trade to accounts")
			}
		}
	}
}

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetProfileHandler handles GET requests for the authenticated user's
// account, including balance and holdings
func (h *GinHandlers) GetProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		user, err := h.service.GetUserByID(userID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		holdings, err := h.service.db.GetHoldingsForUser(userID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{
			"user":     user,
			"holdings": holdings,
		})
	}
}

// DepositHandler handles POST requests to credit the authenticated user's
// cash balance
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		var request struct {
			Amount decimal.Decimal `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !request.Amount.IsPositive() {
			response.BadRequest(c, "Amount must be positive")
			return
		}

		if err := h.service.Deposit(userID, request.Amount); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "deposit applied"})
	}
}

// GrantHoldingHandler handles POST requests to credit holdings to a user.
// Requires internal authentication
func (h *GinHandlers) GrantHoldingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			UserID   string          `json:"user_id" binding:"required"`
			Symbol   string          `json:"symbol" binding:"required"`
			Quantity decimal.Decimal `json:"quantity" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if !request.Quantity.IsPositive() {
			response.BadRequest(c, "Quantity must be positive")
			return
		}

		if err := h.service.GrantHolding(request.UserID, request.Symbol, request.Quantity); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"message": "holding granted"})
	}
}
