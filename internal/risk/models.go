package risk

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RiskState tracks one user's exposure on one instrument. Position is signed:
// positive for net long, negative for net short. DailyPnL accumulates realized
// profit and loss since the last daily reset.
type RiskState struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"index:idx_risk_states_user_symbol,unique" json:"user_id"`
	Symbol     string          `gorm:"index:idx_risk_states_user_symbol,unique" json:"symbol"`
	Position   decimal.Decimal `gorm:"type:decimal(32,8)" json:"position"`
	DailyPnL   decimal.Decimal `gorm:"column:daily_pnl;type:decimal(32,8)" json:"daily_pnl"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Limits holds the risk thresholds applied to every order.
type Limits struct {
	MaxPosition       decimal.Decimal
	MaxDailyLoss      decimal.Decimal
	MarginRequirement decimal.Decimal
}

// DefaultLimits returns the standard production thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxPosition:       decimal.NewFromInt(10000),
		MaxDailyLoss:      decimal.NewFromInt(5000),
		MarginRequirement: decimal.RequireFromString("0.20"),
	}
}

// LimitsFromEnv reads risk thresholds from the environment, falling back to
// the defaults for any value that is unset or unparseable.
func LimitsFromEnv() Limits {
	limits := DefaultLimits()
	if v := os.Getenv("MAX_POSITION_LIMIT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			limits.MaxPosition = d
		}
	}
	if v := os.Getenv("MAX_LOSS_THRESHOLD"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			limits.MaxDailyLoss = d
		}
	}
	if v := os.Getenv("MARGIN_REQUIREMENT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			limits.MarginRequirement = d
		}
	}
	return limits
}
