// Package paper provides an in-memory broker for tests and credential-less runs.
package paper

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/schema"
)

type paperOrder struct {
	id             string
	clientOrderID  string
	symbol         string
	side           schema.Side
	orderType      schema.OrderType
	quantity       decimal.Decimal
	limitPrice     *decimal.Decimal
	stopPrice      *decimal.Decimal
	status         schema.Status
	filledQty      decimal.Decimal
	filledAvgPrice decimal.Decimal
	updatedAt      time.Time
}

// Broker simulates a brokerage in memory. Orders are accepted as OPEN and
// move only when the test (or operator tooling) drives them via MarkFilled,
// Remove, or CancelOrder. Failures can be scripted per operation to
// exercise the retry path.
type Broker struct {
	venue string

	mu        sync.Mutex
	orders    map[string]*paperOrder
	positions map[string]schema.Position
	prices    map[string]decimal.Decimal
	failures  map[string][]error
	seq       int
	fillOnAck bool
	clock     func() time.Time
}

var _ broker.API = (*Broker)(nil)

// Option configures the paper broker.
type Option func(*Broker)

// WithImmediateFill makes market orders fill at the current price on accept.
func WithImmediateFill() Option {
	return func(b *Broker) {
		b.fillOnAck = true
	}
}

// WithClock overrides the broker clock.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// New constructs a paper broker for the named venue.
func New(venue string, opts ...Option) *Broker {
	b := &Broker{
		venue:     venue,
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]schema.Position),
		prices:    make(map[string]decimal.Decimal),
		failures:  make(map[string][]error),
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// FailNext queues errors returned by the next invocations of op, in order.
// Operation names follow the gateway verbs: submit_order, get_order,
// cancel_order, modify_order, get_orders, get_positions, get_account_info,
// get_price.
func (b *Broker) FailNext(op string, failures ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], failures...)
}

func (b *Broker) popFailure(op string) error {
	queued := b.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	b.failures[op] = queued[1:]
	return err
}

// SetPrice sets the quoted price for a symbol.
func (b *Broker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetPosition sets a reported position.
func (b *Broker) SetPosition(position schema.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[position.Symbol] = position
}

// MarkFilled records a broker-side fill, moving the order to
// PARTIALLY_FILLED or FILLED.
func (b *Broker) MarkFilled(brokerOrderID string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return errs.New(b.venue, errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	order.filledQty = order.filledQty.Add(qty)
	if order.filledQty.GreaterThan(order.quantity) {
		order.filledQty = order.quantity
	}
	order.filledAvgPrice = price
	if order.filledQty.GreaterThanOrEqual(order.quantity) {
		order.status = schema.StatusFilled
	} else {
		order.status = schema.StatusPartiallyFilled
	}
	order.updatedAt = b.clock()
	return nil
}

// Remove drops an order entirely, simulating an externally expunged order.
func (b *Broker) Remove(brokerOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, brokerOrderID)
}

// SubmitOrder accepts an order and returns its broker id.
func (b *Broker) SubmitOrder(_ context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("submit_order"); err != nil {
		return broker.OrderAck{}, err
	}
	b.seq++
	order := &paperOrder{
		id:            fmt.Sprintf("PB-%06d", b.seq),
		clientOrderID: req.ClientOrderID,
		symbol:        req.Symbol,
		side:          req.Side,
		orderType:     req.Type,
		quantity:      req.Quantity,
		limitPrice:    req.LimitPrice,
		stopPrice:     req.StopPrice,
		status:        schema.StatusOpen,
		updatedAt:     b.clock(),
	}
	if b.fillOnAck && req.Type == schema.OrderTypeMarket {
		price, ok := b.prices[req.Symbol]
		if !ok {
			price = decimal.NewFromInt(100)
		}
		order.status = schema.StatusFilled
		order.filledQty = req.Quantity
		order.filledAvgPrice = price
	}
	b.orders[order.id] = order
	return ackOf(order), nil
}

// GetOrder returns the broker's view of one order.
func (b *Broker) GetOrder(_ context.Context, brokerOrderID string) (broker.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("get_order"); err != nil {
		return broker.OrderAck{}, err
	}
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.OrderAck{}, errs.New(b.venue, errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	return ackOf(order), nil
}

// CancelOrder cancels a working order.
func (b *Broker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("cancel_order"); err != nil {
		return err
	}
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return errs.New(b.venue, errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	if order.status.Terminal() {
		return errs.New(b.venue, errs.CodeInvalid, errs.WithMessage("order already terminal"))
	}
	order.status = schema.StatusCanceled
	order.updatedAt = b.clock()
	return nil
}

// ModifyOrder amends a working order.
func (b *Broker) ModifyOrder(_ context.Context, brokerOrderID string, changes broker.OrderChanges) (broker.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("modify_order"); err != nil {
		return broker.OrderAck{}, err
	}
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.OrderAck{}, errs.New(b.venue, errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	if order.status.Terminal() {
		return broker.OrderAck{}, errs.New(b.venue, errs.CodeInvalid, errs.WithMessage("order already terminal"))
	}
	if changes.Quantity != nil {
		order.quantity = *changes.Quantity
	}
	if changes.LimitPrice != nil {
		order.limitPrice = changes.LimitPrice
	}
	if changes.StopPrice != nil {
		order.stopPrice = changes.StopPrice
	}
	order.updatedAt = b.clock()
	return ackOf(order), nil
}

// ListOrders lists tracked orders, oldest first.
func (b *Broker) ListOrders(_ context.Context, filter broker.ListFilter) ([]broker.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("get_orders"); err != nil {
		return nil, err
	}
	acks := make([]broker.OrderAck, 0, len(b.orders))
	for _, order := range b.orders {
		if filter.Symbol != "" && !strings.EqualFold(filter.Symbol, order.symbol) {
			continue
		}
		if filter.OpenOnly && order.status.Terminal() {
			continue
		}
		acks = append(acks, ackOf(order))
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i].BrokerOrderID < acks[j].BrokerOrderID })
	return acks, nil
}

// ListPositions returns the configured positions.
func (b *Broker) ListPositions(_ context.Context) ([]schema.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("get_positions"); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(b.positions))
	for _, position := range b.positions {
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

// AccountInfo returns synthetic account standing.
func (b *Broker) AccountInfo(_ context.Context) (schema.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("get_account_info"); err != nil {
		return schema.AccountInfo{}, err
	}
	return schema.AccountInfo{
		AccountID:   "paper",
		Currency:    "USD",
		Equity:      decimal.NewFromInt(1_000_000),
		BuyingPower: decimal.NewFromInt(4_000_000),
	}, nil
}

// Price quotes the configured price for a symbol.
func (b *Broker) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.popFailure("get_price"); err != nil {
		return decimal.Zero, err
	}
	price, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, errs.New(b.venue, errs.CodeNotFound, errs.WithMessage("no quote for "+symbol))
	}
	return price, nil
}

func ackOf(order *paperOrder) broker.OrderAck {
	return broker.OrderAck{
		BrokerOrderID:  order.id,
		Symbol:         order.symbol,
		Status:         order.status,
		FilledQty:      order.filledQty,
		FilledAvgPrice: order.filledAvgPrice,
	}
}
