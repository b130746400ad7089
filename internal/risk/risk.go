package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/exchange-api/internal/types"
)

// Rejection reasons
const (
	ReasonInvalid       = "invalid"
	ReasonFunding       = "funding"
	ReasonPositionLimit = "position-limit"
	ReasonDailyLoss     = "daily-loss"
	ReasonMargin        = "margin"
	ReasonUnavailable   = "unavailable"
)

// RejectionError indicates an order failed a pre-trade risk check.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected: %s: %s", e.Reason, e.Detail)
}

// AccountGate provides the account balance and holdings views consulted by
// pre-trade checks. Implementations may fail transiently; the manager
// retries before rejecting.
type AccountGate interface {
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	GetHoldings(ctx context.Context, userID, symbol string) (decimal.Decimal, error)
}

const (
	gateAttempts = 3
	gateBackoff  = 50 * time.Millisecond
)

// Manager performs pre-trade risk checks and maintains per-user exposure
// state. All checks run against the in-memory state, which is warmed from
// the database on startup and written through on every settled trade.
type Manager struct {
	mu     sync.Mutex
	states map[string]*RiskState // keyed by userID + "/" + symbol
	db     *Database
	gate   AccountGate
	limits Limits
}

// NewManager creates a risk manager with the given account gate and limits,
// loading any previously recorded exposure state.
func NewManager(gormDB *gorm.DB, gate AccountGate, limits Limits) (*Manager, error) {
	m := &Manager{
		states: make(map[string]*RiskState),
		db:     NewDatabase(gormDB),
		gate:   gate,
		limits: limits,
	}

	states, err := m.db.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load risk states: %w", err)
	}
	for i := range states {
		s := states[i]
		m.states[stateKey(s.UserID, s.Symbol)] = &s
	}

	log.Info().
		Int("states_loaded", len(states)).
		Str("max_position", limits.MaxPosition.String()).
		Str("max_daily_loss", limits.MaxDailyLoss.String()).
		Str("margin_requirement", limits.MarginRequirement.String()).
		Msg("risk manager initialised")

	return m, nil
}

func stateKey(userID, symbol string) string {
	return userID + "/" + symbol
}

// CheckOrder runs the full pre-trade check sequence for an order. A nil
// return admits the order; otherwise the error is a *RejectionError naming
// the failed check.
func (m *Manager) CheckOrder(ctx context.Context, order *types.Order) error {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Str("service", "risk").
		Logger()

	// Structural sanity first. The engine validates before calling in, but
	// the manager never trusts its callers with malformed amounts.
	if order.Side != types.SideBuy && order.Side != types.SideSell {
		return &RejectionError{Reason: ReasonInvalid, Detail: "unknown order side"}
	}
	if !order.Price.IsPositive() || !order.Quantity.IsPositive() {
		return &RejectionError{Reason: ReasonInvalid, Detail: "price and quantity must be positive"}
	}

	orderValue := order.Price.Mul(order.Quantity)

	// Fetch the account view up front so no gate call happens under the
	// state lock. Balance is needed for both the funding and margin checks.
	balance, err := m.getBalance(ctx, order.UserID)
	if err != nil {
		logger.Error().Err(err).Msg("account gate unavailable for balance check")
		return &RejectionError{Reason: ReasonUnavailable, Detail: "account balance unavailable"}
	}

	// Funding check against the account view
	if order.Side == types.SideBuy {
		if balance.LessThan(orderValue) {
			logger.Info().
				Str("balance", balance.String()).
				Str("order_value", orderValue.String()).
				Msg("order rejected on funding check")
			return &RejectionError{Reason: ReasonFunding, Detail: "insufficient balance"}
		}
	} else {
		holdings, err := m.getHoldings(ctx, order.UserID, order.Symbol)
		if err != nil {
			logger.Error().Err(err).Msg("account gate unavailable for holdings check")
			return &RejectionError{Reason: ReasonUnavailable, Detail: "account holdings unavailable"}
		}
		if holdings.LessThan(order.Quantity) {
			logger.Info().
				Str("holdings", holdings.String()).
				Str("quantity", order.Quantity.String()).
				Msg("order rejected on funding check")
			return &RejectionError{Reason: ReasonFunding, Detail: "insufficient holdings"}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(order.UserID, order.Symbol)

	// Position limit on the projected post-trade position
	delta := order.Quantity
	if order.Side == types.SideSell {
		delta = delta.Neg()
	}
	projected := state.Position.Add(delta)
	if projected.Abs().GreaterThan(m.limits.MaxPosition) {
		logger.Info().
			Str("position", state.Position.String()).
			Str("projected", projected.String()).
			Str("limit", m.limits.MaxPosition.String()).
			Msg("order rejected on position limit")
		return &RejectionError{Reason: ReasonPositionLimit, Detail: "position limit exceeded"}
	}

	// Daily loss circuit breaker
	if state.DailyPnL.IsNegative() && state.DailyPnL.Neg().GreaterThanOrEqual(m.limits.MaxDailyLoss) {
		logger.Info().
			Str("daily_pnl", state.DailyPnL.String()).
			Str("limit", m.limits.MaxDailyLoss.String()).
			Msg("order rejected on daily loss breaker")
		return &RejectionError{Reason: ReasonDailyLoss, Detail: "daily loss limit reached"}
	}

	// Margin check: the order value must be coverable at the margin rate
	required := orderValue.Mul(m.limits.MarginRequirement)
	if balance.LessThan(required) {
		logger.Info().
			Str("balance", balance.String()).
			Str("margin_required", required.String()).
			Msg("order rejected on margin check")
		return &RejectionError{Reason: ReasonMargin, Detail: "insufficient margin"}
	}

	logger.Debug().Msg("order passed risk checks")
	return nil
}

// SettleTrade applies an executed trade to both counterparties' exposure.
// The buyer's position increases and cash decreases by the trade value; the
// seller mirrors it. Persistence failures are logged, not returned: the
// in-memory state remains authoritative for subsequent checks.
func (m *Manager) SettleTrade(trade *types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value := trade.Value()

	buyer := m.stateLocked(trade.BuyerID, trade.Symbol)
	buyer.Position = buyer.Position.Add(trade.Quantity)
	buyer.DailyPnL = buyer.DailyPnL.Sub(value)
	m.persistLocked(buyer)

	seller := m.stateLocked(trade.SellerID, trade.Symbol)
	seller.Position = seller.Position.Sub(trade.Quantity)
	seller.DailyPnL = seller.DailyPnL.Add(value)
	m.persistLocked(seller)

	log.Debug().
		Str("trade_id", trade.TradeID).
		Str("symbol", trade.Symbol).
		Str("buyer_position", buyer.Position.String()).
		Str("seller_position", seller.Position.String()).
		Str("service", "risk").
		Msg("trade settled into risk state")
}

// Position returns the current signed position for a user and symbol.
func (m *Manager) Position(userID, symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(userID, symbol).Position
}

// DailyPnL returns the realized profit and loss since the last daily reset.
func (m *Manager) DailyPnL(userID, symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(userID, symbol).DailyPnL
}

// ResetDaily zeroes all daily loss counters, in memory and in the store.
func (m *Manager) ResetDaily() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, state := range m.states {
		state.DailyPnL = decimal.Zero
	}
	if err := m.db.ResetDailyPnL(); err != nil {
		return fmt.Errorf("failed to reset daily pnl: %w", err)
	}

	log.Info().Str("service", "risk").Msg("daily loss counters reset")
	return nil
}

func (m *Manager) stateLocked(userID, symbol string) *RiskState {
	key := stateKey(userID, symbol)
	state, ok := m.states[key]
	if !ok {
		state = &RiskState{
			UserID:   userID,
			Symbol:   symbol,
			Position: decimal.Zero,
			DailyPnL: decimal.Zero,
		}
		m.states[key] = state
	}
	return state
}

func (m *Manager) persistLocked(state *RiskState) {
	if err := m.db.UpsertState(state); err != nil {
		log.Error().
			Err(err).
			Str("user_id", state.UserID).
			Str("symbol", state.Symbol).
			Str("service", "risk").
			Msg("failed to persist risk state")
	}
}

// getBalance queries the account gate with bounded retries.
func (m *Manager) getBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt < gateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(gateBackoff << uint(attempt-1)):
			}
		}
		balance, err := m.gate.GetBalance(ctx, userID)
		if err == nil {
			return balance, nil
		}
		lastErr = err
	}
	return decimal.Zero, lastErr
}

// getHoldings queries the account gate with bounded retries.
func (m *Manager) getHoldings(ctx context.Context, userID, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt < gateAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(gateBackoff << uint(attempt-1)):
			}
		}
		holdings, err := m.gate.GetHoldings(ctx, userID, symbol)
		if err == nil {
			return holdings, nil
		}
		lastErr = err
	}
	return decimal.Zero, lastErr
}
