// Package broker fronts an external brokerage with a typed, retry-wrapped façade.
package broker

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/schema"
)

// OrderRequest carries the fields a broker needs to accept an order.
type OrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          schema.Side      `json:"side"`
	Type          schema.OrderType `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
}

// Validate enforces the gateway's input contract before anything reaches
// the wire. Violations surface as permanent validation errors.
func (r OrderRequest) Validate(venue string) error {
	if strings.TrimSpace(r.Symbol) == "" {
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	switch r.Side {
	case schema.SideBuy, schema.SideSell:
	default:
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("side must be BUY or SELL"))
	}
	if !r.Quantity.IsPositive() {
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	switch r.Type {
	case schema.OrderTypeMarket:
	case schema.OrderTypeLimit:
		if r.LimitPrice == nil || !r.LimitPrice.IsPositive() {
			return errs.New(venue, errs.CodeInvalid, errs.WithMessage("limit orders require a positive limit price"))
		}
	case schema.OrderTypeStop:
		if r.StopPrice == nil || !r.StopPrice.IsPositive() {
			return errs.New(venue, errs.CodeInvalid, errs.WithMessage("stop orders require a positive stop price"))
		}
	default:
		return errs.New(venue, errs.CodeInvalid, errs.WithMessage("type must be MARKET, LIMIT, or STOP"))
	}
	return nil
}

// OrderChanges lists the mutable attributes of a working order.
type OrderChanges struct {
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
}

func (c OrderChanges) empty() bool {
	return c.Quantity == nil && c.LimitPrice == nil && c.StopPrice == nil
}

// OrderAck is the canonical form of a broker order report. Vendor payloads
// are converted into this shape at the adapter boundary; nothing
// loosely-typed crosses further into the system.
type OrderAck struct {
	BrokerOrderID  string          `json:"broker_order_id"`
	Symbol         string          `json:"symbol"`
	Status         schema.Status   `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal `json:"filled_avg_price"`
}

// ListFilter scopes broker-side order listings.
type ListFilter struct {
	Symbol   string `json:"symbol,omitempty"`
	OpenOnly bool   `json:"open_only,omitempty"`
}

// API is the vendor-facing contract implemented by broker adapters. All
// methods return canonical types; adapters own payload mapping and error
// classification.
type API interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	GetOrder(ctx context.Context, brokerOrderID string) (OrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, changes OrderChanges) (OrderAck, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]OrderAck, error)
	ListPositions(ctx context.Context) ([]schema.Position, error)
	AccountInfo(ctx context.Context) (schema.AccountInfo, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}
