package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubmitOrderResponse is returned after an order has been admitted to the book.
// Trades contains any executions that occurred immediately on admission.
type SubmitOrderResponse struct {
	Order  *Order  `json:"order"`
	Trades []Trade `json:"trades"`
}

// BookLevel represents one aggregated price level of the order book.
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// BookSnapshot represents the visible depth of one instrument's order book.
type BookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}
