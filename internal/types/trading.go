package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses
const (
	OrderStatusOpen            = "OPEN"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
)

type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	UserID            string          `gorm:"index" json:"user_id"`
	Symbol            string          `gorm:"index" json:"symbol"`
	Side              string          `json:"side"`       // BUY or SELL
	Quantity          decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(32,8)" json:"remaining_quantity"`
	Price             decimal.Decimal `gorm:"type:decimal(32,8)" json:"price"`
	Status            string          `json:"status"` // OPEN, PARTIALLY_FILLED, FILLED, CANCELLED, REJECTED
	SubmittedAt       time.Time       `json:"submitted_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer rest on or match against the book.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

type Trade struct {
	gorm.Model  `json:"-"`
	TradeID     string          `gorm:"uniqueIndex" json:"trade_id"`
	Symbol      string          `gorm:"index" json:"symbol"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	BuyerID     string          `gorm:"index" json:"buyer_id"`
	SellerID    string          `gorm:"index" json:"seller_id"`
	Price       decimal.Decimal `gorm:"type:decimal(32,8)" json:"price"`
	Quantity    decimal.Decimal `gorm:"type:decimal(32,8)" json:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// Value returns the notional value of the trade (price * quantity).
func (t *Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}
