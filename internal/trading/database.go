package trading

import (
	"errors"
	"time"

	"github.com/ksred/exchange-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndUserID(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetOrdersForUser retrieves a user's orders, newest first.
func (d *Database) GetOrdersForUser(userID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("user_id = ?", userID).
		Order("submitted_at DESC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// UpsertOrder writes the current state of an order, keyed by order ID.
// Used to keep the audit trail in step with the engine's in-memory state.
func (d *Database) UpsertOrder(order *types.Order) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"remaining_quantity", "status", "updated_at",
		}),
	}).Create(order).Error
}

// UpsertOrderWithIdempotency writes the order's audit row and its idempotency
// record in a single transaction, so a retried key can never observe the order
// without its idempotency guard (or vice versa).
func (d *Database) UpsertOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := NewDatabase(tx).UpsertOrder(order); err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}
