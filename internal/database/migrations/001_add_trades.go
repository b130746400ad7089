package migrations

import (
	"github.com/ksred/exchange-api/internal/types"
	"gorm.io/gorm"
)

func AddTrades(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	return nil
}
