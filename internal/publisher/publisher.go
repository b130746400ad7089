package publisher

import (
	"context"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/response"
)

const outboundBuffer = 1024

// Service makes executed trades durable and announces them to interested
// consumers. Record is synchronous and its failure is surfaced to the
// caller; Announce never blocks and never fails, trades are dropped with a
// warning when the outbound buffer is full.
type Service struct {
	db       *Database
	outbound chan types.Trade

	mu          sync.RWMutex
	subscribers map[string]chan types.Trade
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		outbound:    make(chan types.Trade, outboundBuffer),
		subscribers: make(map[string]chan types.Trade),
	}
}

// Record writes the trade to the durable ledger.
func (s *Service) Record(trade *types.Trade) error {
	return s.db.CreateTrade(trade)
}

// Announce queues the trade for asynchronous delivery to subscribers.
// It never blocks the caller.
func (s *Service) Announce(trade *types.Trade) {
	select {
	case s.outbound <- *trade:
	default:
		log.Warn().
			Str("trade_id", trade.TradeID).
			Str("component", "trade_publisher").
			Msg("outbound buffer full, dropping trade announcement")
	}
}

// Subscribe registers a named consumer and returns its delivery channel.
// Deliveries to a full subscriber channel are dropped.
func (s *Service) Subscribe(name string, buffer int) <-chan types.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan types.Trade, buffer)
	s.subscribers[name] = ch
	return ch
}

// Unsubscribe removes a named consumer and closes its channel.
func (s *Service) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[name]; ok {
		delete(s.subscribers, name)
		close(ch)
	}
}

// Start runs the announcement fan-out loop until the context is cancelled.
func (s *Service) Start(ctx context.Context) {
	logger := log.With().Str("component", "trade_publisher").Logger()
	logger.Info().Msg("starting trade publisher")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down trade publisher")
			return
		case trade := <-s.outbound:
			s.fanOut(trade)
		}
	}
}

func (s *Service) fanOut(trade types.Trade) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, ch := range s.subscribers {
		select {
		case ch <- trade:
		default:
			log.Warn().
				Str("trade_id", trade.TradeID).
				Str("subscriber", name).
				Str("component", "trade_publisher").
				Msg("subscriber channel full, dropping trade")
		}
	}
}

// GetTradesForOrders exposes the durable ledger entries for a set of orders.
// Reconciliation reads through this to treat the ledger as the source of truth.
func (s *Service) GetTradesForOrders(orderIDs []string) ([]types.Trade, error) {
	return s.db.GetTradesForOrders(orderIDs)
}

// GetDB exposes the trade store for components that rebuild state from it.
func (s *Service) GetDB() *Database {
	return s.db
}

// GinHandlers contains HTTP handlers for trade query endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetRecentTradesHandler handles GET requests for an instrument's recent trades
// URL parameter: symbol
func (h *GinHandlers) GetRecentTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		trades, err := h.service.db.GetTradesForSymbol(symbol, 100)
		response.Handle(c, trades, err)
	}
}

// GetUserTradesHandler handles GET requests for the authenticated user's
// trade history, on either side of the trade
func (h *GinHandlers) GetUserTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("clientID")
		if userID == "" {
			response.Unauthorized(c, "Missing user identity")
			return
		}

		trades, err := h.service.db.GetTradesForUser(userID)
		response.Handle(c, trades, err)
	}
}
