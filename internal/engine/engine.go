package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/exchange-api/internal/orderbook"
	"github.com/ksred/exchange-api/internal/types"
)

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrOrderNotFound = errors.New("order not found")
	ErrAlreadyFilled = errors.New("order already filled")
	ErrBookHalted    = errors.New("order book out of service")
)

// SettlementError indicates the durable trade record could not be written.
// The affected instrument's book is taken out of service until reconciled.
type SettlementError struct {
	Symbol string
	Err    error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failure on %s: %v", e.Symbol, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// RiskChecker admits or rejects orders before they touch the book and
// absorbs executed trades into exposure state.
type RiskChecker interface {
	CheckOrder(ctx context.Context, order *types.Order) error
	SettleTrade(trade *types.Trade)
}

// TradeRecorder makes trades durable and announces them downstream.
// Record failures abort matching; Announce never blocks.
type TradeRecorder interface {
	Record(trade *types.Trade) error
	Announce(trade *types.Trade)
}

// TradeLedger is implemented by recorders that can read their durable
// ledger back. Reconciliation uses it to correct in-memory order state
// against what was actually recorded.
type TradeLedger interface {
	GetTradesForOrders(orderIDs []string) ([]types.Trade, error)
}

// SubmitRequest carries a new order into the engine.
type SubmitRequest struct {
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// instrument pairs a book with the lock that serializes all access to it.
// halted marks the book inconsistent after a settlement failure.
type instrument struct {
	mu     sync.Mutex
	book   *orderbook.Book
	halted bool
}

// Engine matches orders per instrument with price-time priority. One lock
// per instrument is held across the whole admit-match-settle sequence, so
// each instrument processes submissions strictly in arrival order while
// distinct instruments run concurrently.
type Engine struct {
	mu          sync.RWMutex
	instruments map[string]*instrument
	orders      map[string]*types.Order

	risk   RiskChecker
	trades TradeRecorder
}

// NewEngine creates a matching engine wired to the given risk checker and
// trade recorder.
func NewEngine(risk RiskChecker, trades TradeRecorder) *Engine {
	return &Engine{
		instruments: make(map[string]*instrument),
		orders:      make(map[string]*types.Order),
		risk:        risk,
		trades:      trades,
	}
}

func (e *Engine) instrument(symbol string) *instrument {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instruments[symbol]
	if !ok {
		inst = &instrument{book: orderbook.New(symbol)}
		e.instruments[symbol] = inst
	}
	return inst
}

func validateRequest(req *SubmitRequest) error {
	if req.UserID == "" || req.Symbol == "" {
		return ErrInvalidOrder
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return ErrInvalidOrder
	}
	if !req.Price.IsPositive() || !req.Quantity.IsPositive() {
		return ErrInvalidOrder
	}
	return nil
}

// Submit validates, risk-checks and matches a new order, resting any
// remainder on the book. Returns the admitted order and the trades it
// produced. The order executes at each resting counterparty's price.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*types.Order, []types.Trade, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}

	order := &types.Order{
		OrderID:           uuid.New().String(),
		UserID:            req.UserID,
		Symbol:            req.Symbol,
		Side:              req.Side,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Price:             req.Price,
		Status:            types.OrderStatusOpen,
		SubmittedAt:       time.Now(),
	}

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Str("price", order.Price.String()).
		Str("quantity", order.Quantity.String()).
		Str("service", "engine").
		Logger()

	inst := e.instrument(req.Symbol)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.halted {
		logger.Warn().Msg("submission refused, book out of service")
		return nil, nil, ErrBookHalted
	}

	if err := e.risk.CheckOrder(ctx, order); err != nil {
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = time.Now()
		e.rememberOrder(order)
		logger.Info().Err(err).Msg("order rejected by risk checks")
		return copyOrder(order), nil, err
	}

	trades, err := e.match(inst, order, logger)
	if err != nil {
		e.rememberOrder(order)
		return copyOrder(order), trades, err
	}

	if order.RemainingQuantity.IsPositive() {
		if insertErr := inst.book.Insert(order); insertErr != nil {
			logger.Error().Err(insertErr).Msg("failed to rest order on book")
			return nil, nil, insertErr
		}
	} else {
		order.Status = types.OrderStatusFilled
	}
	order.UpdatedAt = time.Now()
	e.rememberOrder(order)

	logger.Info().
		Int("trades", len(trades)).
		Str("remaining", order.RemainingQuantity.String()).
		Str("status", order.Status).
		Msg("order processed")

	return copyOrder(order), trades, nil
}

// match executes the incoming order against the opposite side of the book.
// Resting orders owned by the same user are set aside and restored with
// their queue position intact, never traded against.
func (e *Engine) match(inst *instrument, order *types.Order, logger zerolog.Logger) ([]types.Trade, error) {
	opposite := types.SideSell
	if order.Side == types.SideSell {
		opposite = types.SideBuy
	}

	var trades []types.Trade
	var skipped []*types.Order
	defer func() {
		for i := len(skipped) - 1; i >= 0; i-- {
			if err := inst.book.Restore(skipped[i]); err != nil {
				logger.Error().
					Err(err).
					Str("skipped_order_id", skipped[i].OrderID).
					Msg("failed to restore set-aside order")
			}
		}
	}()

	for order.RemainingQuantity.IsPositive() {
		resting := inst.book.PeekBest(opposite)
		if resting == nil || !crosses(order, resting) {
			break
		}

		if resting.UserID == order.UserID {
			inst.book.PopBest(opposite)
			skipped = append(skipped, resting)
			continue
		}

		quantity := decimal.Min(order.RemainingQuantity, resting.RemainingQuantity)
		trade := newTrade(order, resting, quantity)

		if err := e.trades.Record(&trade); err != nil {
			inst.halted = true
			logger.Error().
				Err(err).
				Str("trade_id", trade.TradeID).
				Msg("trade record failed, halting book")
			return trades, &SettlementError{Symbol: order.Symbol, Err: err}
		}
		e.risk.SettleTrade(&trade)
		e.trades.Announce(&trade)
		trades = append(trades, trade)

		order.RemainingQuantity = order.RemainingQuantity.Sub(quantity)
		resting.RemainingQuantity = resting.RemainingQuantity.Sub(quantity)
		resting.UpdatedAt = time.Now()
		if resting.RemainingQuantity.IsPositive() {
			// Partial fill: the resting order keeps its place at the
			// front of its price level.
			resting.Status = types.OrderStatusPartiallyFilled
		} else {
			inst.book.PopBest(opposite)
			resting.Status = types.OrderStatusFilled
		}

		logger.Debug().
			Str("trade_id", trade.TradeID).
			Str("resting_order_id", resting.OrderID).
			Str("trade_price", trade.Price.String()).
			Str("trade_quantity", trade.Quantity.String()).
			Msg("trade executed")
	}

	if len(trades) > 0 && order.RemainingQuantity.IsPositive() {
		order.Status = types.OrderStatusPartiallyFilled
	}
	return trades, nil
}

// Cancel removes a resting order from its book. Terminal orders cannot be
// cancelled: filled orders return ErrAlreadyFilled, anything else no longer
// resting returns ErrOrderNotFound.
func (e *Engine) Cancel(ctx context.Context, orderID, userID string) (*types.Order, error) {
	e.mu.RLock()
	order, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrOrderNotFound
	}
	if userID != "" && order.UserID != userID {
		return nil, ErrOrderNotFound
	}

	inst := e.instrument(order.Symbol)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.halted {
		return nil, ErrBookHalted
	}

	if !inst.book.Contains(orderID) {
		if order.Status == types.OrderStatusFilled {
			return nil, ErrAlreadyFilled
		}
		return nil, ErrOrderNotFound
	}

	if _, err := inst.book.Remove(orderID); err != nil {
		return nil, err
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()

	log.Info().
		Str("order_id", orderID).
		Str("symbol", order.Symbol).
		Str("service", "engine").
		Msg("order cancelled")

	return copyOrder(order), nil
}

// Order returns a point-in-time copy of an order known to the engine.
func (e *Engine) Order(orderID string) (*types.Order, error) {
	e.mu.RLock()
	order, ok := e.orders[orderID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrOrderNotFound
	}

	inst := e.instrument(order.Symbol)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return copyOrder(order), nil
}

// Snapshot returns the aggregated depth of an instrument's book.
func (e *Engine) Snapshot(symbol string, depth int) (*types.BookSnapshot, error) {
	inst := e.instrument(symbol)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.halted {
		return nil, ErrBookHalted
	}
	return inst.book.Snapshot(depth), nil
}

// Reconcile rebuilds a halted instrument's book from the engine's order
// state and returns it to service. Non-terminal orders re-enter in their
// original admission sequence, so relative priority is preserved.
func (e *Engine) Reconcile(symbol string) error {
	inst := e.instrument(symbol)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	e.mu.RLock()
	var open []*types.Order
	for _, order := range e.orders {
		if order.Symbol == symbol && !order.IsTerminal() {
			open = append(open, order)
		}
	}
	e.mu.RUnlock()

	sort.Slice(open, func(i, j int) bool {
		return open[i].SubmittedAt.Before(open[j].SubmittedAt)
	})

	// The durable ledger is the source of truth: correct any order whose
	// in-memory remainder disagrees with its recorded fills.
	if ledger, ok := e.trades.(TradeLedger); ok && len(open) > 0 {
		if err := e.reconcileAgainstLedger(ledger, open); err != nil {
			return err
		}
	}

	book := orderbook.New(symbol)
	for _, order := range open {
		if order.IsTerminal() {
			continue
		}
		if err := book.Insert(order); err != nil {
			return fmt.Errorf("failed to rebuild book for %s: %w", symbol, err)
		}
	}

	inst.book = book
	inst.halted = false

	log.Info().
		Str("symbol", symbol).
		Int("orders_restored", len(open)).
		Str("service", "engine").
		Msg("book reconciled and returned to service")

	return nil
}

// reconcileAgainstLedger resets each order's remainder and status from its
// recorded fills. Orders the ledger shows as fully filled turn terminal and
// stay off the rebuilt book.
func (e *Engine) reconcileAgainstLedger(ledger TradeLedger, open []*types.Order) error {
	ids := make([]string, 0, len(open))
	for _, order := range open {
		ids = append(ids, order.OrderID)
	}

	trades, err := ledger.GetTradesForOrders(ids)
	if err != nil {
		return fmt.Errorf("failed to read trade ledger: %w", err)
	}

	filled := make(map[string]decimal.Decimal)
	for _, trade := range trades {
		filled[trade.BuyOrderID] = filled[trade.BuyOrderID].Add(trade.Quantity)
		filled[trade.SellOrderID] = filled[trade.SellOrderID].Add(trade.Quantity)
	}

	for _, order := range open {
		executed, ok := filled[order.OrderID]
		if !ok {
			continue
		}
		remaining := order.Quantity.Sub(executed)
		if !remaining.Equal(order.RemainingQuantity) {
			log.Warn().
				Str("order_id", order.OrderID).
				Str("in_memory", order.RemainingQuantity.String()).
				Str("from_ledger", remaining.String()).
				Str("service", "engine").
				Msg("order remainder corrected from trade ledger")
			order.RemainingQuantity = remaining
		}
		if remaining.IsPositive() {
			order.Status = types.OrderStatusPartiallyFilled
		} else {
			order.Status = types.OrderStatusFilled
		}
		order.UpdatedAt = time.Now()
	}
	return nil
}

func (e *Engine) rememberOrder(order *types.Order) {
	e.mu.Lock()
	e.orders[order.OrderID] = order
	e.mu.Unlock()
}

func crosses(incoming, resting *types.Order) bool {
	if incoming.Side == types.SideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return incoming.Price.LessThanOrEqual(resting.Price)
}

// newTrade builds the trade record for a match, priced at the resting
// order's limit.
func newTrade(incoming, resting *types.Order, quantity decimal.Decimal) types.Trade {
	trade := types.Trade{
		TradeID:    "TRD_" + uuid.New().String(),
		Symbol:     incoming.Symbol,
		Price:      resting.Price,
		Quantity:   quantity,
		ExecutedAt: time.Now(),
	}
	if incoming.Side == types.SideBuy {
		trade.BuyOrderID = incoming.OrderID
		trade.BuyerID = incoming.UserID
		trade.SellOrderID = resting.OrderID
		trade.SellerID = resting.UserID
	} else {
		trade.BuyOrderID = resting.OrderID
		trade.BuyerID = resting.UserID
		trade.SellOrderID = incoming.OrderID
		trade.SellerID = incoming.UserID
	}
	return trade
}

func copyOrder(order *types.Order) *types.Order {
	c := *order
	return &c
}
