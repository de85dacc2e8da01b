// Package schema defines canonical order lifecycle types shared across the engine.
package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/ordercore/errs"
)

// Side captures the direction of an order.
type Side string

const (
	// SideBuy indicates a buy order.
	SideBuy Side = "BUY"
	// SideSell indicates a sell order.
	SideSell Side = "SELL"
)

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStop represents stop orders.
	OrderTypeStop OrderType = "STOP"
)

// Status enumerates order lifecycle states.
type Status string

const (
	// StatusPending indicates the order has not yet been sent to the broker.
	StatusPending Status = "PENDING"
	// StatusSubmitted indicates the broker accepted the order.
	StatusSubmitted Status = "SUBMITTED"
	// StatusOpen indicates the order is working on the broker's book.
	StatusOpen Status = "OPEN"
	// StatusWaitingTrigger indicates a dependent order gated on its parent's fill.
	StatusWaitingTrigger Status = "WAITING_TRIGGER"
	// StatusPartiallyFilled indicates a partial fill.
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	// StatusFilled indicates a complete fill.
	StatusFilled Status = "FILLED"
	// StatusCanceled indicates cancellation, local or broker-side.
	StatusCanceled Status = "CANCELED"
	// StatusRejected indicates the broker refused the order.
	StatusRejected Status = "REJECTED"
	// StatusError indicates submission failed after retries were exhausted.
	StatusError Status = "ERROR"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// OpenStatuses lists the states in which an order is live on the broker side.
func OpenStatuses() []Status {
	return []Status{StatusSubmitted, StatusOpen, StatusPartiallyFilled}
}

// ActiveStatuses lists every non-terminal state.
func ActiveStatuses() []Status {
	return []Status{StatusPending, StatusSubmitted, StatusOpen, StatusWaitingTrigger, StatusPartiallyFilled, StatusError}
}

// Order is the persisted record of a trading order.
type Order struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Type           OrderType        `json:"type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	Status         Status           `json:"status"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	ParentOrderID  string           `json:"parent_order_id,omitempty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal  `json:"filled_avg_price"`
	RetryCount     int              `json:"retry_count"`
	LastError      string           `json:"last_error,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	if o.LimitPrice != nil {
		p := *o.LimitPrice
		out.LimitPrice = &p
	}
	if o.StopPrice != nil {
		p := *o.StopPrice
		out.StopPrice = &p
	}
	if o.Metadata != nil {
		out.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate checks the fields required before an order may reach a broker.
func (o Order) Validate() error {
	if o.Symbol == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	switch o.Side {
	case SideBuy, SideSell:
	default:
		return errs.New("", errs.CodeInvalid, errs.WithMessage("side must be BUY or SELL"))
	}
	if !o.Quantity.IsPositive() {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	switch o.Type {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if o.LimitPrice == nil || !o.LimitPrice.IsPositive() {
			return errs.New("", errs.CodeInvalid, errs.WithMessage("limit orders require a positive limit price"))
		}
	case OrderTypeStop:
		if o.StopPrice == nil || !o.StopPrice.IsPositive() {
			return errs.New("", errs.CodeInvalid, errs.WithMessage("stop orders require a positive stop price"))
		}
	default:
		return errs.New("", errs.CodeInvalid, errs.WithMessage("type must be MARKET, LIMIT, or STOP"))
	}
	return nil
}
