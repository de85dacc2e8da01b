// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/meridianhq/ordercore/internal/schema"
)

// Filter scopes order lookups.
type Filter struct {
	AccountID     string          `json:"account_id,omitempty"`
	Symbol        string          `json:"symbol,omitempty"`
	ParentOrderID string          `json:"parent_order_id,omitempty"`
	Statuses      []schema.Status `json:"statuses,omitempty"`
	HasBrokerID   bool            `json:"has_broker_id,omitempty"`
	Limit         int             `json:"limit,omitempty"`
}

// Fields enumerates the mutable columns of an order record. Nil members are
// left untouched by Update.
type Fields struct {
	Status         *schema.Status
	BrokerOrderID  *string
	FilledQty      *decimal.Decimal
	FilledAvgPrice *decimal.Decimal
	RetryCount     *int
	LastError      *string
}

// Store is the durable home of order records. Every mutation is single-row
// atomic; CompareAndSetStatus is the concurrency primitive that guards
// transitions contended between direct submission and reconciliation.
type Store interface {
	Create(ctx context.Context, order schema.Order) error
	Get(ctx context.Context, id string) (schema.Order, error)
	List(ctx context.Context, filter Filter) ([]schema.Order, error)
	Update(ctx context.Context, id string, fields Fields) error
	CompareAndSetStatus(ctx context.Context, id string, expected, next schema.Status) error
}

// StatusPtr is a convenience for building Fields literals.
func StatusPtr(s schema.Status) *schema.Status { return &s }

// StringPtr is a convenience for building Fields literals.
func StringPtr(s string) *string { return &s }

// IntPtr is a convenience for building Fields literals.
func IntPtr(i int) *int { return &i }

// DecimalPtr is a convenience for building Fields literals.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
