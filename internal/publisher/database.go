package publisher

import (
	"fmt"

	"github.com/ksred/exchange-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateTrade appends a trade to the durable ledger.
func (d *Database) CreateTrade(trade *types.Trade) error {
	return d.db.Create(trade).Error
}

// GetTrade retrieves a trade by its ID.
func (d *Database) GetTrade(tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch trade: %w", err)
	}
	return &trade, nil
}

// GetTradesForSymbol retrieves the most recent trades for an instrument,
// newest first.
func (d *Database) GetTradesForSymbol(symbol string, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("symbol = ?", symbol).
		Order("executed_at DESC").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch trades for symbol: %w", err)
	}
	return trades, nil
}

// GetTradesForUser retrieves all trades where the user was buyer or seller,
// newest first.
func (d *Database) GetTradesForUser(userID string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("executed_at DESC").
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch trades for user: %w", err)
	}
	return trades, nil
}

// GetTradesForOrders retrieves all trades in which any of the given orders
// participated, oldest first. Used to rebuild book state after a fault.
func (d *Database) GetTradesForOrders(orderIDs []string) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.Where("buy_order_id IN ? OR sell_order_id IN ?", orderIDs, orderIDs).
		Order("executed_at ASC").
		Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch trades for orders: %w", err)
	}
	return trades, nil
}
