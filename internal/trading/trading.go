package trading

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/auth"
	"github.com/ksred/exchange-api/internal/engine"
	"github.com/ksred/exchange-api/internal/publisher"
	"github.com/ksred/exchange-api/internal/risk"
	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/response"
)

// Service is the order submission boundary. It hands orders to the
// matching engine and keeps a durable audit trail of order state. The
// audit store is never consulted during matching.
type Service struct {
	db     *Database
	engine *engine.Engine
	trades *publisher.Database
}

// NewService creates a trading service over the given engine and stores.
func NewService(gormDB *gorm.DB, matchingEngine *engine.Engine, trades *publisher.Database) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		engine: matchingEngine,
		trades: trades,
	}
}

// SubmitOrder admits a new order with idempotency support. A repeated
// idempotency key returns the previously admitted order and its trades
// instead of creating a duplicate.
func (s *Service) SubmitOrder(ctx context.Context, userID string, req *SubmitOrderRequest, idempotencyKey string) (*types.SubmitOrderResponse, error) {
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record.ResourceID != "" && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetOrder(record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, engine.ErrOrderNotFound
		}
		trades, err := s.trades.GetTradesForOrders([]string{existing.OrderID})
		if err != nil {
			return nil, err
		}
		return &types.SubmitOrderResponse{Order: existing, Trades: trades}, nil
	}

	order, trades, err := s.engine.Submit(ctx, &engine.SubmitRequest{
		UserID:   userID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		// Audit even rejected and failed submissions
		if order != nil {
			if auditErr := s.db.UpsertOrder(order); auditErr != nil {
				return nil, auditErr
			}
		}
		return nil, err
	}

	// The audit row and the idempotency record commit together; a retried
	// key can never see one without the other.
	if err := s.db.UpsertOrderWithIdempotency(order, idempotencyKey); err != nil {
		return nil, err
	}
	if err := s.auditCounterparties(order.OrderID, trades); err != nil {
		return nil, err
	}

	return &types.SubmitOrderResponse{Order: order, Trades: trades}, nil
}

// auditCounterparties refreshes the audit rows of resting orders touched
// by the given trades.
func (s *Service) auditCounterparties(orderID string, trades []types.Trade) error {
	for _, trade := range trades {
		counterpartyID := trade.BuyOrderID
		if counterpartyID == orderID {
			counterpartyID = trade.SellOrderID
		}
		counterparty, err := s.engine.Order(counterpartyID)
		if err != nil {
			return err
		}
		if err := s.db.UpsertOrder(counterparty); err != nil {
			return err
		}
	}
	return nil
}

// CancelOrder removes a resting order owned by the user.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*types.Order, error) {
	order, err := s.engine.Cancel(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.db.UpsertOrder(order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder retrieves an order owned by the user from the audit store.
func (s *Service) GetOrder(orderID, userID string) (*types.Order, error) {
	return s.db.GetOrderByOrderIDAndUserID(orderID, userID)
}

// GetUserOrders retrieves all of a user's orders from the audit store.
func (s *Service) GetUserOrders(userID string) ([]types.Order, error) {
	return s.db.GetOrdersForUser(userID)
}

// GetOrderBook returns the aggregated depth of an instrument's book.
func (s *Service) GetOrderBook(symbol string, depth int) (*types.BookSnapshot, error) {
	return s.engine.Snapshot(symbol, depth)
}

// handleSubmissionError maps engine and risk errors onto API responses.
func handleSubmissionError(c *gin.Context, err error) {
	var rejection *risk.RejectionError
	var settlement *engine.SettlementError

	switch {
	case errors.Is(err, engine.ErrInvalidOrder):
		response.BadRequest(c, err.Error())
	case errors.As(err, &rejection):
		response.RiskRejected(c, rejection.Reason, rejection.Detail)
	case errors.Is(err, engine.ErrOrderNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, engine.ErrAlreadyFilled):
		response.Conflict(c, "Order already filled")
	case errors.Is(err, engine.ErrBookHalted):
		response.ServiceUnavailable(c, "Order book is out of service")
	case errors.As(err, &settlement):
		response.ServiceUnavailable(c, "Trade settlement failed, order book is out of service")
	default:
		response.InternalError(c, "An unexpected error occurred")
	}
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func userIDFromContext(c *gin.Context) (string, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	userID := auth.GetClientID(claims)
	if userID == "" {
		response.Unauthorized(c, "Invalid user ID in token")
		return "", false
	}
	return userID, true
}

// SubmitOrderHandler handles POST requests to submit new orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req SubmitOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.SubmitOrder(c.Request.Context(), userID, &req, idempotencyKey)
		if err != nil {
			handleSubmissionError(c, err)
			return
		}

		response.Success(c, result)
	}
}

// CancelOrderHandler handles DELETE requests to cancel resting orders
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), orderID, userID)
		if err != nil {
			handleSubmissionError(c, err)
			return
		}

		response.Success(c, order)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// Requires a valid JWT token
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID, userID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// GetUserOrdersHandler handles GET requests to list the user's orders
// Requires a valid JWT token
func (h *GinHandlers) GetUserOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := userIDFromContext(c)
		if !ok {
			return
		}

		orders, err := h.service.GetUserOrders(userID)
		response.Handle(c, orders, err)
	}
}

// GetOrderBookHandler handles GET requests for an instrument's depth
// URL parameter: symbol; optional query parameter: depth
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		depth := 0
		if raw := c.Query("depth"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				response.BadRequest(c, "Invalid depth parameter")
				return
			}
			depth = parsed
		}

		snapshot, err := h.service.GetOrderBook(symbol, depth)
		if err != nil {
			handleSubmissionError(c, err)
			return
		}

		response.Success(c, snapshot)
	}
}

// ReconcileBookHandler handles POST requests to rebuild a halted book.
// Requires internal authentication
// URL parameter: symbol
func (h *GinHandlers) ReconcileBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		if err := h.service.engine.Reconcile(symbol); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{"message": "order book reconciled"})
	}
}
