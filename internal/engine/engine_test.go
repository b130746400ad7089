package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/exchange-api/internal/types"
)

// stubRisk admits every order unless a rejection is registered for the user.
type stubRisk struct {
	mu      sync.Mutex
	rejects map[string]error
	settled []types.Trade
}

func newStubRisk() *stubRisk {
	return &stubRisk{rejects: make(map[string]error)}
}

func (s *stubRisk) CheckOrder(_ context.Context, order *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.rejects[order.UserID]; ok {
		return err
	}
	return nil
}

func (s *stubRisk) SettleTrade(trade *types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, *trade)
}

// stubRecorder captures recorded and announced trades, optionally failing
// the durable write.
type stubRecorder struct {
	mu        sync.Mutex
	recordErr error
	recorded  []types.Trade
	announced []types.Trade
}

func (s *stubRecorder) Record(trade *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.recorded = append(s.recorded, *trade)
	return nil
}

func (s *stubRecorder) Announce(trade *types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced = append(s.announced, *trade)
}

func (s *stubRecorder) GetTradesForOrders(orderIDs []string) ([]types.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]bool, len(orderIDs))
	for _, id := range orderIDs {
		ids[id] = true
	}
	var trades []types.Trade
	for _, trade := range s.recorded {
		if ids[trade.BuyOrderID] || ids[trade.SellOrderID] {
			trades = append(trades, trade)
		}
	}
	return trades, nil
}

func newTestEngine() (*Engine, *stubRisk, *stubRecorder) {
	risk := newStubRisk()
	recorder := &stubRecorder{}
	return NewEngine(risk, recorder), risk, recorder
}

func submitRequest(userID, side string, price, quantity int64) *SubmitRequest {
	return &SubmitRequest{
		UserID:   userID,
		Symbol:   "AAPL",
		Side:     side,
		Price:    decimal.NewFromInt(price),
		Quantity: decimal.NewFromInt(quantity),
	}
}

func TestSubmitRestsOnEmptyBook(t *testing.T) {
	engine, _, recorder := newTestEngine()

	order, trades, err := engine.Submit(context.Background(), submitRequest("alice", types.SideBuy, 100, 10))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, recorder.recorded)
	assert.Equal(t, types.OrderStatusOpen, order.Status)
	assert.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(10)))

	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Bids, 1)
	assert.True(t, snapshot.Bids[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestSubmitValidation(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	_, _, err := engine.Submit(ctx, submitRequest("", types.SideBuy, 100, 10))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = engine.Submit(ctx, submitRequest("alice", "HOLD", 100, 10))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = engine.Submit(ctx, submitRequest("alice", types.SideBuy, -5, 10))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = engine.Submit(ctx, submitRequest("alice", types.SideBuy, 100, 0))
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestMatchExecutesAtRestingPrice(t *testing.T) {
	engine, risk, recorder := newTestEngine()
	ctx := context.Background()

	resting, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 10))
	require.NoError(t, err)

	// The aggressive buy is priced above the resting ask; it must trade at
	// the resting order's price.
	order, trades, err := engine.Submit(ctx, submitRequest("bob", types.SideBuy, 105, 10))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.True(t, trade.Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, trade.Quantity.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "bob", trade.BuyerID)
	assert.Equal(t, "alice", trade.SellerID)
	assert.Equal(t, order.OrderID, trade.BuyOrderID)
	assert.Equal(t, resting.OrderID, trade.SellOrderID)

	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.True(t, order.RemainingQuantity.IsZero())

	// Record, settle and announce all saw the trade
	assert.Len(t, recorder.recorded, 1)
	assert.Len(t, recorder.announced, 1)
	assert.Len(t, risk.settled, 1)

	// Both sides of the book are now empty
	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Bids)
	assert.Empty(t, snapshot.Asks)
}

func TestMatchRespectsTimePriority(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	first, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 5))
	require.NoError(t, err)
	second, _, err := engine.Submit(ctx, submitRequest("bob", types.SideSell, 100, 3))
	require.NoError(t, err)

	order, trades, err := engine.Submit(ctx, submitRequest("carol", types.SideBuy, 100, 6))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// Earlier admission fills first and completely
	assert.Equal(t, first.OrderID, trades[0].SellOrderID)
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, second.OrderID, trades[1].SellOrderID)
	assert.True(t, trades[1].Quantity.Equal(decimal.NewFromInt(1)))

	assert.Equal(t, types.OrderStatusFilled, order.Status)

	// The later order keeps its remainder on the book
	remaining, err := engine.Order(second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPartiallyFilled, remaining.Status)
	assert.True(t, remaining.RemainingQuantity.Equal(decimal.NewFromInt(2)))
}

func TestPartialFillKeepsQueuePosition(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	first, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 10))
	require.NoError(t, err)
	second, _, err := engine.Submit(ctx, submitRequest("bob", types.SideSell, 100, 5))
	require.NoError(t, err)

	// Partially fill the front order
	_, trades, err := engine.Submit(ctx, submitRequest("carol", types.SideBuy, 100, 4))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, first.OrderID, trades[0].SellOrderID)

	// The partially filled order stays ahead of the later admission
	_, trades, err = engine.Submit(ctx, submitRequest("dave", types.SideBuy, 100, 6))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, first.OrderID, trades[0].SellOrderID)
	assert.True(t, trades[0].Quantity.Equal(decimal.NewFromInt(6)))

	// Only now does the second order trade
	_, trades, err = engine.Submit(ctx, submitRequest("erin", types.SideBuy, 100, 5))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, second.OrderID, trades[0].SellOrderID)
}

func TestNoCrossRestsIncoming(t *testing.T) {
	engine, _, recorder := newTestEngine()
	ctx := context.Background()

	_, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 105, 10))
	require.NoError(t, err)

	order, trades, err := engine.Submit(ctx, submitRequest("bob", types.SideBuy, 100, 10))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, recorder.recorded)
	assert.Equal(t, types.OrderStatusOpen, order.Status)

	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	assert.Len(t, snapshot.Bids, 1)
	assert.Len(t, snapshot.Asks, 1)
}

func TestSelfTradePrevention(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	own, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 5))
	require.NoError(t, err)
	other, _, err := engine.Submit(ctx, submitRequest("bob", types.SideSell, 100, 5))
	require.NoError(t, err)

	// Alice's buy crosses her own resting ask; it must skip it and trade
	// with Bob instead.
	_, trades, err := engine.Submit(ctx, submitRequest("alice", types.SideBuy, 105, 5))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, other.OrderID, trades[0].SellOrderID)
	assert.Equal(t, "bob", trades[0].SellerID)

	// Her own ask is back on the book, untouched and still at the front
	restored, err := engine.Order(own.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, restored.Status)
	assert.True(t, restored.RemainingQuantity.Equal(decimal.NewFromInt(5)))

	_, trades, err = engine.Submit(ctx, submitRequest("carol", types.SideBuy, 100, 5))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, own.OrderID, trades[0].SellOrderID)
}

func TestSelfTradeOnlyOwnOrdersRests(t *testing.T) {
	engine, _, recorder := newTestEngine()
	ctx := context.Background()

	_, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 5))
	require.NoError(t, err)

	// With only her own order on the far side, the buy produces no trades
	// and rests.
	order, trades, err := engine.Submit(ctx, submitRequest("alice", types.SideBuy, 100, 5))
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Empty(t, recorder.recorded)
	assert.Equal(t, types.OrderStatusOpen, order.Status)

	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	assert.Len(t, snapshot.Bids, 1)
	assert.Len(t, snapshot.Asks, 1)
}

func TestRiskRejectionLeavesBookUntouched(t *testing.T) {
	engine, risk, recorder := newTestEngine()
	ctx := context.Background()

	_, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 5))
	require.NoError(t, err)

	rejection := errors.New("position limit exceeded")
	risk.rejects["bob"] = rejection

	order, trades, err := engine.Submit(ctx, submitRequest("bob", types.SideBuy, 100, 5))
	assert.ErrorIs(t, err, rejection)
	assert.Empty(t, trades)
	assert.Empty(t, recorder.recorded)
	require.NotNil(t, order)
	assert.Equal(t, types.OrderStatusRejected, order.Status)

	// The resting order was never touched
	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Asks, 1)
	assert.True(t, snapshot.Asks[0].Quantity.Equal(decimal.NewFromInt(5)))
	assert.Empty(t, snapshot.Bids)
}

func TestCancel(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	order, _, err := engine.Submit(ctx, submitRequest("alice", types.SideBuy, 100, 10))
	require.NoError(t, err)

	cancelled, err := engine.Cancel(ctx, order.OrderID, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)

	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Bids)

	// Cancelling again is not found, not already-filled
	_, err = engine.Cancel(ctx, order.OrderID, "alice")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelUnknownOrder(t *testing.T) {
	engine, _, _ := newTestEngine()

	_, err := engine.Cancel(context.Background(), "no-such-order", "alice")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCancelWrongOwner(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	order, _, err := engine.Submit(ctx, submitRequest("alice", types.SideBuy, 100, 10))
	require.NoError(t, err)

	_, err = engine.Cancel(ctx, order.OrderID, "mallory")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	// The order is still resting
	current, err := engine.Order(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, current.Status)
}

func TestCancelFilledOrder(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	order, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 5))
	require.NoError(t, err)
	_, trades, err := engine.Submit(ctx, submitRequest("bob", types.SideBuy, 100, 5))
	require.NoError(t, err)
	require.Len(t, trades, 1)

	_, err = engine.Cancel(ctx, order.OrderID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyFilled)
}

func TestRecordFailureHaltsBook(t *testing.T) {
	engine, risk, recorder := newTestEngine()
	ctx := context.Background()

	resting, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 5))
	require.NoError(t, err)

	recorder.recordErr = errors.New("ledger unavailable")

	order, trades, err := engine.Submit(ctx, submitRequest("bob", types.SideBuy, 100, 5))
	require.Error(t, err)
	var settlementErr *SettlementError
	require.ErrorAs(t, err, &settlementErr)
	assert.Equal(t, "AAPL", settlementErr.Symbol)
	assert.Empty(t, trades)

	// No risk state moved and nothing was announced
	assert.Empty(t, risk.settled)
	assert.Empty(t, recorder.announced)

	// Neither order lost quantity
	assert.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(5)))
	current, err := engine.Order(resting.OrderID)
	require.NoError(t, err)
	assert.True(t, current.RemainingQuantity.Equal(decimal.NewFromInt(5)))

	// The book is out of service until reconciled
	_, _, err = engine.Submit(ctx, submitRequest("carol", types.SideBuy, 100, 1))
	assert.ErrorIs(t, err, ErrBookHalted)
	_, err = engine.Snapshot("AAPL", 0)
	assert.ErrorIs(t, err, ErrBookHalted)
	_, err = engine.Cancel(ctx, resting.OrderID, "alice")
	assert.ErrorIs(t, err, ErrBookHalted)

	// Other instruments are unaffected
	_, _, err = engine.Submit(ctx, &SubmitRequest{
		UserID:   "carol",
		Symbol:   "GOOGL",
		Side:     types.SideBuy,
		Price:    decimal.NewFromInt(50),
		Quantity: decimal.NewFromInt(1),
	})
	assert.NoError(t, err)

	// Reconciliation returns the book to service
	recorder.recordErr = nil
	require.NoError(t, engine.Reconcile("AAPL"))

	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, snapshot.Asks)
}

func TestReconcileCorrectsFromLedger(t *testing.T) {
	engine, _, recorder := newTestEngine()
	ctx := context.Background()

	resting, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 10))
	require.NoError(t, err)

	recorder.recordErr = errors.New("ledger unavailable")
	incoming, _, err := engine.Submit(ctx, submitRequest("bob", types.SideBuy, 100, 4))
	var settlementErr *SettlementError
	require.ErrorAs(t, err, &settlementErr)

	// The write actually reached the ledger before the failure surfaced;
	// in-memory state never saw the fill.
	recorder.recordErr = nil
	recorder.recorded = append(recorder.recorded, types.Trade{
		TradeID:     "TRD_recovered",
		Symbol:      "AAPL",
		BuyOrderID:  incoming.OrderID,
		BuyerID:     "bob",
		SellOrderID: resting.OrderID,
		SellerID:    "alice",
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(4),
	})

	require.NoError(t, engine.Reconcile("AAPL"))

	// The resting order's remainder now reflects the recorded fill
	corrected, err := engine.Order(resting.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPartiallyFilled, corrected.Status)
	assert.True(t, corrected.RemainingQuantity.Equal(decimal.NewFromInt(6)))

	// The incoming order was fully filled per the ledger and stays off the book
	taker, err := engine.Order(incoming.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, taker.Status)

	snapshot, err := engine.Snapshot("AAPL", 0)
	require.NoError(t, err)
	require.Len(t, snapshot.Asks, 1)
	assert.True(t, snapshot.Asks[0].Quantity.Equal(decimal.NewFromInt(6)))
	assert.Empty(t, snapshot.Bids)
}

func TestQuantityConservation(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	_, _, err := engine.Submit(ctx, submitRequest("alice", types.SideSell, 100, 3))
	require.NoError(t, err)
	_, _, err = engine.Submit(ctx, submitRequest("bob", types.SideSell, 100, 4))
	require.NoError(t, err)

	order, trades, err := engine.Submit(ctx, submitRequest("carol", types.SideBuy, 100, 10))
	require.NoError(t, err)
	require.Len(t, trades, 2)

	filled := decimal.Zero
	for _, trade := range trades {
		filled = filled.Add(trade.Quantity)
	}
	assert.True(t, filled.Add(order.RemainingQuantity).Equal(order.Quantity),
		"filled quantity plus remainder must equal the submitted quantity")
	assert.Equal(t, types.OrderStatusPartiallyFilled, order.Status)
	assert.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(3)))
}

func TestOrderLookup(t *testing.T) {
	engine, _, _ := newTestEngine()
	ctx := context.Background()

	order, _, err := engine.Submit(ctx, submitRequest("alice", types.SideBuy, 100, 10))
	require.NoError(t, err)

	found, err := engine.Order(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, found.OrderID)

	// The returned order is a copy; mutating it does not affect the engine
	found.Status = types.OrderStatusFilled
	again, err := engine.Order(order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, again.Status)

	_, err = engine.Order("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
