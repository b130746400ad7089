package accounts

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model   `json:"-"`
	UserID       string          `gorm:"uniqueIndex" json:"user_id"`
	Username     string          `gorm:"uniqueIndex" json:"username"`
	Email        string          `gorm:"uniqueIndex" json:"email"`
	PasswordHash string          `json:"-"`
	Balance      decimal.Decimal `gorm:"type:decimal(32,8)" json:"balance"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type Holding struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"index:idx_holdings_user_symbol,unique" json:"user_id"`
	Symbol     string          `gorm:"index:idx_holdings_user_symbol,unique" json:"symbol"`
	Quantity   decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
