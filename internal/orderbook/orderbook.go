package orderbook

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/ksred/exchange-api/internal/types"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrOrderNotFound  = errors.New("order not found in book")
	ErrDuplicateOrder = errors.New("order already in book")
)

// entry is a node in a price level's FIFO queue
type entry struct {
	order *types.Order
	level *priceLevel
	prev  *entry
	next  *entry
}

// priceLevel holds all resting orders at a single price, oldest first
type priceLevel struct {
	price decimal.Decimal
	head  *entry
	tail  *entry
	count int
}

// Book is a single instrument's limit order book with price-time priority.
// Bids are ordered highest price first, asks lowest price first; within a
// price level orders queue in admission order. Resting orders keep their
// queue position across partial fills.
//
// Book is not safe for concurrent use. Callers serialize access per
// instrument.
type Book struct {
	symbol string
	bids   *btree.BTreeG[*priceLevel]
	asks   *btree.BTreeG[*priceLevel]
	index  map[string]*entry
}

// New creates an empty book for the given instrument symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		index: make(map[string]*entry),
	}
}

// Symbol returns the instrument this book serves.
func (b *Book) Symbol() string {
	return b.symbol
}

func (b *Book) side(side string) *btree.BTreeG[*priceLevel] {
	if side == types.SideBuy {
		return b.bids
	}
	return b.asks
}

func validate(b *Book, order *types.Order) error {
	if order == nil || order.OrderID == "" || order.UserID == "" {
		return ErrInvalidOrder
	}
	if order.Symbol != b.symbol {
		return ErrInvalidOrder
	}
	if order.Side != types.SideBuy && order.Side != types.SideSell {
		return ErrInvalidOrder
	}
	if !order.Price.IsPositive() || !order.RemainingQuantity.IsPositive() {
		return ErrInvalidOrder
	}
	return nil
}

// Insert admits an order at the back of its price level's queue.
func (b *Book) Insert(order *types.Order) error {
	if err := validate(b, order); err != nil {
		return err
	}
	if _, exists := b.index[order.OrderID]; exists {
		return ErrDuplicateOrder
	}
	b.attach(order, false)
	return nil
}

// Restore reinserts an order at the front of its price level's queue,
// preserving the time priority it held before being set aside.
func (b *Book) Restore(order *types.Order) error {
	if err := validate(b, order); err != nil {
		return err
	}
	if _, exists := b.index[order.OrderID]; exists {
		return ErrDuplicateOrder
	}
	b.attach(order, true)
	return nil
}

func (b *Book) attach(order *types.Order, front bool) {
	tree := b.side(order.Side)
	key := &priceLevel{price: order.Price}
	level, ok := tree.Get(key)
	if !ok {
		level = &priceLevel{price: order.Price}
		tree.Set(level)
	}

	e := &entry{order: order, level: level}
	if front {
		e.next = level.head
		if level.head != nil {
			level.head.prev = e
		}
		level.head = e
		if level.tail == nil {
			level.tail = e
		}
	} else {
		e.prev = level.tail
		if level.tail != nil {
			level.tail.next = e
		}
		level.tail = e
		if level.head == nil {
			level.head = e
		}
	}
	level.count++
	b.index[order.OrderID] = e
}

// PeekBest returns the highest-priority resting order on the given side
// without removing it, or nil if that side is empty.
func (b *Book) PeekBest(side string) *types.Order {
	level, ok := b.side(side).Min()
	if !ok {
		return nil
	}
	return level.head.order
}

// PopBest removes and returns the highest-priority resting order on the
// given side, or nil if that side is empty.
func (b *Book) PopBest(side string) *types.Order {
	tree := b.side(side)
	level, ok := tree.Min()
	if !ok {
		return nil
	}
	e := level.head
	b.detach(e)
	return e.order
}

// Remove takes an order out of the book by ID, regardless of its position.
func (b *Book) Remove(orderID string) (*types.Order, error) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.detach(e)
	return e.order, nil
}

// Contains reports whether an order is currently resting in the book.
func (b *Book) Contains(orderID string) bool {
	_, ok := b.index[orderID]
	return ok
}

// Len returns the number of resting orders on the given side.
func (b *Book) Len(side string) int {
	n := 0
	b.side(side).Scan(func(level *priceLevel) bool {
		n += level.count
		return true
	})
	return n
}

func (b *Book) detach(e *entry) {
	level := e.level
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		level.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		level.tail = e.prev
	}
	e.prev = nil
	e.next = nil
	level.count--
	if level.count == 0 {
		b.side(e.order.Side).Delete(level)
	}
	delete(b.index, e.order.OrderID)
}

// Snapshot returns the aggregated depth of the book, best levels first.
// A depth of zero includes all levels.
func (b *Book) Snapshot(depth int) *types.BookSnapshot {
	snapshot := &types.BookSnapshot{
		Symbol:    b.symbol,
		Bids:      b.sideLevels(types.SideBuy, depth),
		Asks:      b.sideLevels(types.SideSell, depth),
		Timestamp: time.Now(),
	}
	return snapshot
}

func (b *Book) sideLevels(side string, depth int) []types.BookLevel {
	levels := make([]types.BookLevel, 0)
	b.side(side).Scan(func(level *priceLevel) bool {
		if depth > 0 && len(levels) >= depth {
			return false
		}
		total := decimal.Zero
		for e := level.head; e != nil; e = e.next {
			total = total.Add(e.order.RemainingQuantity)
		}
		levels = append(levels, types.BookLevel{
			Price:    level.price,
			Quantity: total,
			Orders:   level.count,
		})
		return true
	})
	return levels
}
