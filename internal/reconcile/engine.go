// Package reconcile merges broker-reported truth into the persisted order
// records and drives cascades for fills observed out-of-band.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/lifecycle"
	"github.com/meridianhq/ordercore/internal/observability"
	"github.com/meridianhq/ordercore/internal/orderstore"
	"github.com/meridianhq/ordercore/internal/schema"
)

// Gateway is the slice of the broker gateway the reconciler reads through.
// *broker.Gateway satisfies it.
type Gateway interface {
	AccountID() string
	Venue() string
	ListOrders(ctx context.Context, filter broker.ListFilter) ([]broker.OrderAck, error)
	GetOrder(ctx context.Context, brokerOrderID string) (broker.OrderAck, error)
	ListPositions(ctx context.Context) ([]schema.Position, error)
}

// Cascader submits the dependent children of a filled parent.
// *lifecycle.Machine satisfies it.
type Cascader interface {
	CascadeOnFill(ctx context.Context, parentID string) error
}

// maxErrorSamples bounds the error detail carried in a Summary; full detail
// is always logged.
const maxErrorSamples = 5

// Summary reports one reconciliation pass. Positions are captured for
// reporting only and never drive order-status transitions.
type Summary struct {
	Checked     int                          `json:"checked"`
	Updated     int                          `json:"updated"`
	Filled      int                          `json:"filled"`
	Canceled    int                          `json:"canceled"`
	Conflicts   int                          `json:"conflicts"`
	ErrorsTotal int                          `json:"errors_total"`
	Errors      []string                     `json:"errors,omitempty"`
	Positions   map[string][]schema.Position `json:"positions,omitempty"`
}

func (s *Summary) sampleError(msg string) {
	s.ErrorsTotal++
	if len(s.Errors) < maxErrorSamples {
		s.Errors = append(s.Errors, msg)
	}
}

func (s *Summary) merge(other Summary) {
	s.Checked += other.Checked
	s.Updated += other.Updated
	s.Filled += other.Filled
	s.Canceled += other.Canceled
	s.Conflicts += other.Conflicts
	s.ErrorsTotal += other.ErrorsTotal
	for _, msg := range other.Errors {
		if len(s.Errors) < maxErrorSamples {
			s.Errors = append(s.Errors, msg)
		}
	}
	for account, positions := range other.Positions {
		if s.Positions == nil {
			s.Positions = make(map[string][]schema.Position)
		}
		s.Positions[account] = positions
	}
}

// String renders the pass counters for display.
func (s Summary) String() string {
	return fmt.Sprintf("checked=%d updated=%d filled=%d canceled=%d conflicts=%d errors=%d",
		s.Checked, s.Updated, s.Filled, s.Canceled, s.Conflicts, s.ErrorsTotal)
}

// Engine pulls the broker's authoritative state and writes it over the
// local record. Accounts reconcile independently and concurrently; a bad
// order or a bad account never halts the pass.
type Engine struct {
	store    orderstore.Store
	cascader Cascader
	gateways []Gateway
}

// NewEngine constructs a reconciliation engine over the store and the
// per-account gateways.
func NewEngine(store orderstore.Store, cascader Cascader, gateways ...Gateway) *Engine {
	return &Engine{store: store, cascader: cascader, gateways: gateways}
}

// Run executes one reconciliation pass across every account. Broker state
// wins on any divergence. Running twice with no broker-side change in
// between mutates nothing on the second pass.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
		wg      conc.WaitGroup
	)
	for _, gw := range e.gateways {
		gw := gw
		wg.Go(func() {
			account := e.reconcileAccount(ctx, gw)
			mu.Lock()
			summary.merge(account)
			mu.Unlock()
		})
	}
	wg.Wait()

	observability.Log().Info("reconciliation pass finished", observability.F("summary", summary.String()))
	return summary, ctx.Err()
}

func (e *Engine) reconcileAccount(ctx context.Context, gw Gateway) Summary {
	var summary Summary

	acks, err := gw.ListOrders(ctx, broker.ListFilter{})
	if err != nil {
		msg := "list orders for account " + gw.AccountID() + ": " + err.Error()
		observability.Log().Error("reconciliation skipped account",
			observability.F("account_id", gw.AccountID()),
			observability.F("error", err.Error()),
		)
		summary.sampleError(msg)
		return summary
	}
	byBrokerID := make(map[string]broker.OrderAck, len(acks))
	for _, ack := range acks {
		byBrokerID[ack.BrokerOrderID] = ack
	}

	locals, err := e.store.List(ctx, orderstore.Filter{
		AccountID:   gw.AccountID(),
		Statuses:    schema.OpenStatuses(),
		HasBrokerID: true,
	})
	if err != nil {
		summary.sampleError("list local orders for account " + gw.AccountID() + ": " + err.Error())
		return summary
	}

	for _, local := range locals {
		summary.Checked++
		ack, found := byBrokerID[local.BrokerOrderID]
		if !found {
			// Vendors drop settled orders from listings; confirm before
			// declaring an external cancel.
			ack, err = gw.GetOrder(ctx, local.BrokerOrderID)
			if err != nil {
				if errs.IsNotFound(err) {
					e.recordExternalCancel(ctx, local, &summary)
					continue
				}
				summary.sampleError("get order " + local.BrokerOrderID + ": " + err.Error())
				continue
			}
		}
		e.mergeOrder(ctx, local, ack, &summary)
	}

	positions, err := gw.ListPositions(ctx)
	if err != nil {
		summary.sampleError("list positions for account " + gw.AccountID() + ": " + err.Error())
	} else {
		summary.Positions = map[string][]schema.Position{gw.AccountID(): positions}
	}
	return summary
}

func (e *Engine) recordExternalCancel(ctx context.Context, local schema.Order, summary *Summary) {
	if err := e.store.CompareAndSetStatus(ctx, local.ID, local.Status, schema.StatusCanceled); err != nil {
		if errs.IsConflict(err) {
			// Someone else moved it first; the next pass sees the new state.
			return
		}
		summary.sampleError("cancel order " + local.ID + ": " + err.Error())
		return
	}
	observability.Log().Info("order canceled externally",
		observability.F("order_id", local.ID),
		observability.F("broker_order_id", local.BrokerOrderID),
	)
	summary.Updated++
	summary.Canceled++
}

// mergeOrder writes the broker's view over the local record. The fill is
// durably persisted before any cascade fires.
func (e *Engine) mergeOrder(ctx context.Context, local schema.Order, ack broker.OrderAck, summary *Summary) {
	changed := false

	if !ack.FilledQty.Equal(local.FilledQty) || !ack.FilledAvgPrice.Equal(local.FilledAvgPrice) {
		if !local.FilledQty.IsZero() || !local.FilledAvgPrice.IsZero() {
			// A recorded fill diverging from broker truth is overwritten,
			// with the prior values kept in the log.
			summary.Conflicts++
			observability.Log().Error("fill diverged from broker",
				observability.F("order_id", local.ID),
				observability.F("local_filled_qty", local.FilledQty),
				observability.F("broker_filled_qty", ack.FilledQty),
				observability.F("local_filled_avg_price", local.FilledAvgPrice),
				observability.F("broker_filled_avg_price", ack.FilledAvgPrice),
			)
		}
		fields := orderstore.Fields{
			FilledQty:      orderstore.DecimalPtr(ack.FilledQty),
			FilledAvgPrice: orderstore.DecimalPtr(ack.FilledAvgPrice),
		}
		if err := e.store.Update(ctx, local.ID, fields); err != nil {
			summary.sampleError("update fill on order " + local.ID + ": " + err.Error())
			return
		}
		changed = true
	}

	if ack.Status != local.Status {
		if !lifecycle.CanTransition(local.Status, ack.Status) {
			summary.Conflicts++
			observability.Log().Error("broker status unreachable from local",
				observability.F("order_id", local.ID),
				observability.F("local_status", local.Status),
				observability.F("broker_status", ack.Status),
			)
			return
		}
		if err := e.store.CompareAndSetStatus(ctx, local.ID, local.Status, ack.Status); err != nil {
			if errs.IsConflict(err) {
				summary.Conflicts++
				return
			}
			summary.sampleError("transition order " + local.ID + ": " + err.Error())
			return
		}
		changed = true
		if ack.Status == schema.StatusFilled {
			summary.Filled++
			if err := e.cascader.CascadeOnFill(ctx, local.ID); err != nil {
				summary.sampleError("cascade for order " + local.ID + ": " + err.Error())
			}
		}
		if ack.Status == schema.StatusCanceled {
			summary.Canceled++
		}
	}

	if changed {
		summary.Updated++
	}
}

// RunEvery reconciles on a fixed interval until ctx is done. Passes do not
// overlap; a slow pass simply delays the next tick.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Run(ctx); err != nil {
				observability.Log().Error("reconciliation pass aborted", observability.F("error", err.Error()))
			}
		}
	}
}
