package risk

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// UpsertState writes the current risk state for a user and symbol,
// replacing any existing row.
func (d *Database) UpsertState(state *RiskState) error {
	state.UpdatedAt = time.Now()
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "daily_pnl", "updated_at"}),
	}).Create(state).Error
}

// GetState retrieves the risk state for a user and symbol.
// Returns nil without error when no state has been recorded yet.
func (d *Database) GetState(userID, symbol string) (*RiskState, error) {
	var state RiskState
	if err := d.db.Where("user_id = ? AND symbol = ?", userID, symbol).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// GetStatesForUser retrieves all recorded risk states for a user.
func (d *Database) GetStatesForUser(userID string) ([]RiskState, error) {
	var states []RiskState
	if err := d.db.Where("user_id = ?", userID).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// LoadAll retrieves every recorded risk state, used to warm the in-memory
// view on startup.
func (d *Database) LoadAll() ([]RiskState, error) {
	var states []RiskState
	if err := d.db.Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// ResetDailyPnL zeroes the daily profit and loss counters for all users.
func (d *Database) ResetDailyPnL() error {
	return d.db.Model(&RiskState{}).
		Where("1 = 1").
		Updates(map[string]interface{}{
			"daily_pnl":  decimal.Zero,
			"updated_at": time.Now(),
		}).Error
}
