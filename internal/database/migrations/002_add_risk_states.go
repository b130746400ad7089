package migrations

import (
	"github.com/ksred/exchange-api/internal/risk"
	"gorm.io/gorm"
)

// AddRiskStates creates the risk state table and required indexes
func AddRiskStates(db *gorm.DB) error {
	// Create the risk state table
	if err := db.AutoMigrate(&risk.RiskState{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Index for trade lookups by instrument and time
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_executed_at
		 ON trades(symbol, executed_at)`,

		// Indexes for per-user trade history on either side
		`CREATE INDEX IF NOT EXISTS idx_trades_buyer
		 ON trades(buyer_id)`,

		`CREATE INDEX IF NOT EXISTS idx_trades_seller
		 ON trades(seller_id)`,

		// Composite index for per-user order history queries
		`CREATE INDEX IF NOT EXISTS idx_orders_user_submitted_at
		 ON orders(user_id, submitted_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
