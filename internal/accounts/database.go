package accounts

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/exchange-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateUser(user *User) error {
	return d.db.Create(user).Error
}

func (d *Database) GetUserByID(userID string) (*User, error) {
	var user User
	if err := d.db.Where("user_id = ?", userID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *Database) GetUserByUsername(username string) (*User, error) {
	var user User
	if err := d.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (d *Database) UpdateBalance(userID string, delta decimal.Decimal) error {
	result := d.db.Model(&User{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetHolding retrieves a user's holding for a symbol. Returns a zero
// quantity holding without error when none is recorded.
func (d *Database) GetHolding(userID, symbol string) (*Holding, error) {
	var holding Holding
	if err := d.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Holding{UserID: userID, Symbol: symbol, Quantity: decimal.Zero}, nil
		}
		return nil, err
	}
	return &holding, nil
}

func (d *Database) GetHoldingsForUser(userID string) ([]Holding, error) {
	var holdings []Holding
	if err := d.db.Where("user_id = ?", userID).Find(&holdings).Error; err != nil {
		return nil, err
	}
	return holdings, nil
}

// AdjustHolding adds delta to a user's holding for a symbol, creating the
// row if needed.
func (d *Database) AdjustHolding(userID, symbol string, delta decimal.Decimal) error {
	holding := &Holding{
		UserID:    userID,
		Symbol:    symbol,
		Quantity:  delta,
		UpdatedAt: time.Now(),
	}
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "symbol"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"quantity":   gorm.Expr("quantity + ?", delta),
			"updated_at": time.Now(),
		}),
	}).Create(holding).Error
}

// ApplyTrade moves cash and holdings between the trade's counterparties in
// a single transaction.
func (d *Database) ApplyTrade(trade *types.Trade) error {
	value := trade.Value()

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	steps := []struct {
		userID string
		column string
		expr   string
		delta  decimal.Decimal
	}{
		{trade.BuyerID, "balance", "balance - ?", value},
		{trade.SellerID, "balance", "balance + ?", value},
	}
	for _, step := range steps {
		if err := tx.Model(&User{}).
			Where("user_id = ?", step.userID).
			Updates(map[string]interface{}{
				step.column: gorm.Expr(step.expr, step.delta),
				"updated_at": time.Now(),
			}).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to move cash: %w", err)
		}
	}

	adjust := NewDatabase(tx)
	if err := adjust.AdjustHolding(trade.BuyerID, trade.Symbol, trade.Quantity); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to credit buyer holdings: %w", err)
	}
	if err := adjust.AdjustHolding(trade.SellerID, trade.Symbol, trade.Quantity.Neg()); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to debit seller holdings: %w", err)
	}

	return tx.Commit().Error
}
