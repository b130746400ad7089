package database

import (
	"fmt"
	"os"

	"github.com/ksred/exchange-api/internal/accounts"
	"github.com/ksred/exchange-api/internal/database/migrations"
	"github.com/ksred/exchange-api/internal/trading"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "exchange.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddTrades(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddRiskStates(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&accounts.User{},
		&accounts.Holding{},
		&trading.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
