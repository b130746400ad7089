package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/exchange-api/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Trade{}))
	return db
}

func testTrade(id string, executedAt time.Time) *types.Trade {
	return &types.Trade{
		TradeID:     id,
		Symbol:      "AAPL",
		BuyOrderID:  "bo-" + id,
		SellOrderID: "so-" + id,
		BuyerID:     "alice",
		SellerID:    "bob",
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(5),
		ExecutedAt:  executedAt,
	}
}

func TestRecordIsDurable(t *testing.T) {
	service := NewService(setupTestDB(t))

	trade := testTrade("t1", time.Now())
	require.NoError(t, service.Record(trade))

	stored, err := service.db.GetTrade("t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", stored.TradeID)
	assert.True(t, stored.Price.Equal(decimal.NewFromInt(100)))

	_, err = service.db.GetTrade("missing")
	assert.Error(t, err)
}

func TestRecordRejectsDuplicateTradeID(t *testing.T) {
	service := NewService(setupTestDB(t))

	require.NoError(t, service.Record(testTrade("t1", time.Now())))
	assert.Error(t, service.Record(testTrade("t1", time.Now())))
}

func TestGetTradesForSymbolNewestFirst(t *testing.T) {
	service := NewService(setupTestDB(t))

	base := time.Now()
	require.NoError(t, service.Record(testTrade("t1", base.Add(-2*time.Minute))))
	require.NoError(t, service.Record(testTrade("t2", base.Add(-time.Minute))))
	require.NoError(t, service.Record(testTrade("t3", base)))

	trades, err := service.db.GetTradesForSymbol("AAPL", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t3", trades[0].TradeID)
	assert.Equal(t, "t2", trades[1].TradeID)
}

func TestGetTradesForUserCoversBothSides(t *testing.T) {
	service := NewService(setupTestDB(t))

	base := time.Now()
	bought := testTrade("t1", base.Add(-time.Minute))
	sold := testTrade("t2", base)
	sold.BuyerID = "carol"
	sold.SellerID = "alice"
	other := testTrade("t3", base)
	other.BuyerID = "carol"
	other.SellerID = "dave"

	require.NoError(t, service.Record(bought))
	require.NoError(t, service.Record(sold))
	require.NoError(t, service.Record(other))

	trades, err := service.db.GetTradesForUser("alice")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t2", trades[0].TradeID)
	assert.Equal(t, "t1", trades[1].TradeID)
}

func TestAnnounceFansOutToSubscribers(t *testing.T) {
	service := NewService(setupTestDB(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go service.Start(ctx)

	first := service.Subscribe("first", 8)
	second := service.Subscribe("second", 8)

	service.Announce(testTrade("t1", time.Now()))

	for _, feed := range []<-chan types.Trade{first, second} {
		select {
		case trade := <-feed:
			assert.Equal(t, "t1", trade.TradeID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive announced trade")
		}
	}
}

func TestAnnounceNeverBlocks(t *testing.T) {
	service := NewService(setupTestDB(t))

	// Without the fan-out loop running, flood past the outbound buffer.
	// Announce must drop rather than block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < outboundBuffer+10; i++ {
			service.Announce(testTrade("t1", time.Now()))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("announce blocked on a full outbound buffer")
	}
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	service := NewService(setupTestDB(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go service.Start(ctx)

	// The stalled subscriber has no buffer and is never read
	service.Subscribe("stalled", 0)
	healthy := service.Subscribe("healthy", 8)

	service.Announce(testTrade("t1", time.Now()))
	service.Announce(testTrade("t2", time.Now()))

	received := 0
	timeout := time.After(time.Second)
	for received < 2 {
		select {
		case <-healthy:
			received++
		case <-timeout:
			t.Fatalf("healthy subscriber stalled after %d deliveries", received)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	service := NewService(setupTestDB(t))

	feed := service.Subscribe("consumer", 1)
	service.Unsubscribe("consumer")

	_, ok := <-feed
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
