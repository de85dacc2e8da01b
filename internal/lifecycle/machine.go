// Package lifecycle owns order status transitions, dependent-order cascade,
// and re-submission of errored orders.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/observability"
	"github.com/meridianhq/ordercore/internal/orderstore"
	"github.com/meridianhq/ordercore/internal/schema"
)

// transitions is the authoritative table of permitted status moves. Every
// status write in the engine funnels through CompareAndSetStatus against one
// of these edges.
var transitions = map[schema.Status][]schema.Status{
	schema.StatusPending:         {schema.StatusSubmitted, schema.StatusError, schema.StatusRejected},
	schema.StatusSubmitted:       {schema.StatusOpen, schema.StatusPartiallyFilled, schema.StatusFilled, schema.StatusCanceled, schema.StatusError},
	schema.StatusWaitingTrigger:  {schema.StatusSubmitted, schema.StatusError},
	schema.StatusOpen:            {schema.StatusPartiallyFilled, schema.StatusFilled, schema.StatusCanceled},
	schema.StatusPartiallyFilled: {schema.StatusFilled, schema.StatusCanceled},
	schema.StatusError:           {schema.StatusPending},
}

// CanTransition reports whether from may move to next.
func CanTransition(from, next schema.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Broker is the slice of the gateway surface the state machine drives.
// *broker.Gateway satisfies it.
type Broker interface {
	Venue() string
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, brokerOrderID string) (broker.OrderAck, error)
}

// Machine drives orders through their lifecycle. One instance serves all
// accounts; per-account gateways are resolved at call time so no account's
// backoff wait serializes another's.
type Machine struct {
	store   orderstore.Store
	brokers map[string]Broker
	newID   func() string
}

// Option configures a Machine.
type Option func(*Machine)

// WithIDGenerator overrides order id generation, primarily for testing.
func WithIDGenerator(gen func() string) Option {
	return func(m *Machine) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewMachine constructs a state machine over the store and the per-account
// broker gateways.
func NewMachine(store orderstore.Store, brokers map[string]Broker, opts ...Option) *Machine {
	m := &Machine{
		store:   store,
		brokers: brokers,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Machine) brokerFor(accountID string) (Broker, error) {
	b, ok := m.brokers[accountID]
	if !ok {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("no broker configured for account "+accountID))
	}
	return b, nil
}

// Place persists a new order and, unless it is gated on a parent fill,
// submits it to the broker. The returned order reflects the persisted state
// after submission settled; a non-nil error reports why submission failed
// while the order itself carries the resulting ERROR or REJECTED status.
func (m *Machine) Place(ctx context.Context, order schema.Order) (schema.Order, error) {
	if err := order.Validate(); err != nil {
		return schema.Order{}, err
	}
	if strings.TrimSpace(order.AccountID) == "" {
		return schema.Order{}, errs.New("", errs.CodeInvalid, errs.WithMessage("account id required"))
	}
	if _, err := m.brokerFor(order.AccountID); err != nil {
		return schema.Order{}, err
	}
	if order.ID == "" {
		order.ID = m.newID()
	}

	parentFilled := false
	if order.ParentOrderID != "" {
		parent, err := m.store.Get(ctx, order.ParentOrderID)
		if err != nil {
			return schema.Order{}, errs.New("", errs.CodeInvalid,
				errs.WithMessage("parent order "+order.ParentOrderID+" not found"), errs.WithCause(err))
		}
		switch parent.Status {
		case schema.StatusCanceled, schema.StatusRejected:
			return schema.Order{}, errs.New("", errs.CodeInvalid,
				errs.WithMessage("parent order is "+string(parent.Status)+"; dependent would never trigger"))
		case schema.StatusFilled:
			parentFilled = true
		}
		order.Status = schema.StatusWaitingTrigger
	} else {
		order.Status = schema.StatusPending
	}
	order.BrokerOrderID = ""
	order.RetryCount = 0
	order.LastError = ""

	if err := m.store.Create(ctx, order); err != nil {
		return schema.Order{}, err
	}
	observability.Log().Info("order placed",
		observability.F("order_id", order.ID),
		observability.F("account_id", order.AccountID),
		observability.F("symbol", order.Symbol),
		observability.F("status", order.Status),
	)

	var submitErr error
	switch {
	case order.Status == schema.StatusPending:
		submitErr = m.submitPending(ctx, order)
	case parentFilled:
		// Parent was already filled at placement time; trigger right away.
		submitErr = m.cascadeChild(ctx, order)
	}

	placed, err := m.store.Get(ctx, order.ID)
	if err != nil {
		return schema.Order{}, err
	}
	return placed, submitErr
}

// submitPending sends a PENDING order to the broker and persists the outcome.
// The order must currently hold status PENDING; the PENDING->SUBMITTED edge
// is claimed only after the broker accepted, so a rejection lands on the
// PENDING->REJECTED edge directly.
func (m *Machine) submitPending(ctx context.Context, order schema.Order) error {
	b, err := m.brokerFor(order.AccountID)
	if err != nil {
		return err
	}
	ack, err := b.SubmitOrder(ctx, m.toRequest(order))
	if err != nil {
		m.recordSubmitFailure(ctx, order.ID, schema.StatusPending, b.Venue(), err)
		return err
	}
	if ack.Status == schema.StatusRejected {
		m.recordRejection(ctx, order.ID, schema.StatusPending, ack.BrokerOrderID)
		return errs.New(b.Venue(), errs.CodeInvalid, errs.WithMessage("broker rejected order"))
	}
	if err := m.store.CompareAndSetStatus(ctx, order.ID, schema.StatusPending, schema.StatusSubmitted); err != nil {
		return err
	}
	return m.applyAck(ctx, order.ID, ack)
}

// cascadeChild claims one WAITING_TRIGGER child and submits it. The
// compare-and-set on WAITING_TRIGGER->SUBMITTED is the sole guard against a
// concurrent pass submitting the same child twice; losing the race is not an
// error.
func (m *Machine) cascadeChild(ctx context.Context, child schema.Order) error {
	if err := m.store.CompareAndSetStatus(ctx, child.ID, schema.StatusWaitingTrigger, schema.StatusSubmitted); err != nil {
		if errs.IsConflict(err) {
			observability.Log().Debug("cascade claim lost",
				observability.F("order_id", child.ID),
				observability.F("parent_order_id", child.ParentOrderID),
			)
			return nil
		}
		return err
	}
	b, err := m.brokerFor(child.AccountID)
	if err != nil {
		m.recordSubmitFailure(ctx, child.ID, schema.StatusSubmitted, "", err)
		return err
	}
	ack, submitErr := b.SubmitOrder(ctx, m.toRequest(child))
	if submitErr != nil {
		m.recordSubmitFailure(ctx, child.ID, schema.StatusSubmitted, b.Venue(), submitErr)
		return submitErr
	}
	if ack.Status == schema.StatusRejected {
		// SUBMITTED has no edge to REJECTED; an errored trigger leg stays
		// retryable instead.
		m.recordSubmitFailure(ctx, child.ID, schema.StatusSubmitted, b.Venue(),
			errs.New(b.Venue(), errs.CodeInvalid, errs.WithMessage("broker rejected order")))
		return errs.New(b.Venue(), errs.CodeInvalid, errs.WithMessage("broker rejected order"))
	}
	return m.applyAck(ctx, child.ID, ack)
}

// applyAck persists the broker's acceptance onto an order already holding
// SUBMITTED, then cascades if the acceptance itself reported a full fill.
func (m *Machine) applyAck(ctx context.Context, orderID string, ack broker.OrderAck) error {
	fields := orderstore.Fields{
		BrokerOrderID:  orderstore.StringPtr(ack.BrokerOrderID),
		FilledQty:      orderstore.DecimalPtr(ack.FilledQty),
		FilledAvgPrice: orderstore.DecimalPtr(ack.FilledAvgPrice),
	}
	if err := m.store.Update(ctx, orderID, fields); err != nil {
		return err
	}
	if ack.Status != schema.StatusSubmitted && CanTransition(schema.StatusSubmitted, ack.Status) {
		if err := m.store.CompareAndSetStatus(ctx, orderID, schema.StatusSubmitted, ack.Status); err != nil {
			if !errs.IsConflict(err) {
				return err
			}
		}
	}
	observability.Log().Info("order accepted",
		observability.F("order_id", orderID),
		observability.F("broker_order_id", ack.BrokerOrderID),
		observability.F("status", ack.Status),
	)
	if ack.Status == schema.StatusFilled {
		return m.CascadeOnFill(ctx, orderID)
	}
	return nil
}

// recordSubmitFailure moves a failed submission to ERROR, or to REJECTED for
// permanent failures when the order still holds PENDING. LastError and the
// attempt count come from the retry envelope when present.
func (m *Machine) recordSubmitFailure(ctx context.Context, orderID string, from schema.Status, venue string, cause error) {
	next := schema.StatusError
	if !errs.IsTransient(cause) && CanTransition(from, schema.StatusRejected) {
		next = schema.StatusRejected
	}
	if err := m.store.CompareAndSetStatus(ctx, orderID, from, next); err != nil {
		observability.Log().Error("submit failure not recorded",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()),
		)
		return
	}
	attempts := 1
	var e *errs.E
	if errors.As(cause, &e) && e.Attempts > 0 {
		attempts = e.Attempts
	}
	fields := orderstore.Fields{
		LastError:  orderstore.StringPtr(cause.Error()),
		RetryCount: orderstore.IntPtr(attempts),
	}
	if err := m.store.Update(ctx, orderID, fields); err != nil {
		observability.Log().Error("submit failure detail not recorded",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()),
		)
	}
	observability.Log().Error("order submission failed",
		observability.F("order_id", orderID),
		observability.F("venue", venue),
		observability.F("status", next),
		observability.F("error", cause.Error()),
	)
}

func (m *Machine) recordRejection(ctx context.Context, orderID string, from schema.Status, brokerOrderID string) {
	if err := m.store.CompareAndSetStatus(ctx, orderID, from, schema.StatusRejected); err != nil {
		observability.Log().Error("rejection not recorded",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()),
		)
		return
	}
	fields := orderstore.Fields{
		LastError: orderstore.StringPtr("broker rejected order"),
	}
	if brokerOrderID != "" {
		fields.BrokerOrderID = orderstore.StringPtr(brokerOrderID)
	}
	if err := m.store.Update(ctx, orderID, fields); err != nil {
		observability.Log().Error("rejection detail not recorded",
			observability.F("order_id", orderID),
			observability.F("error", err.Error()),
		)
	}
}

func (m *Machine) toRequest(order schema.Order) broker.OrderRequest {
	return broker.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
	}
}

// Cancel asks the broker to cancel a working order and records the result.
func (m *Machine) Cancel(ctx context.Context, orderID string) (schema.Order, error) {
	order, err := m.store.Get(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if !CanTransition(order.Status, schema.StatusCanceled) {
		return order, errs.New("", errs.CodeConflict,
			errs.WithMessage("order in status "+string(order.Status)+" cannot be canceled"))
	}
	if order.BrokerOrderID == "" {
		return order, errs.New("", errs.CodeConflict,
			errs.WithMessage("order has no broker order id yet; reconcile before canceling"))
	}
	b, err := m.brokerFor(order.AccountID)
	if err != nil {
		return order, err
	}
	if err := b.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		if !errs.IsNotFound(err) {
			return order, err
		}
		// Already gone broker-side; fall through and record the cancel.
	}
	if err := m.store.CompareAndSetStatus(ctx, orderID, order.Status, schema.StatusCanceled); err != nil {
		return order, err
	}
	observability.Log().Info("order canceled",
		observability.F("order_id", orderID),
		observability.F("broker_order_id", order.BrokerOrderID),
	)
	return m.store.Get(ctx, orderID)
}

// CascadeOnFill submits every WAITING_TRIGGER child of a filled parent.
// Each child is claimed individually; one child's failure never blocks its
// siblings. Safe to invoke multiple times for the same parent.
func (m *Machine) CascadeOnFill(ctx context.Context, parentID string) error {
	children, err := m.store.List(ctx, orderstore.Filter{
		ParentOrderID: parentID,
		Statuses:      []schema.Status{schema.StatusWaitingTrigger},
	})
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := m.cascadeChild(ctx, child); err != nil {
			observability.Log().Error("cascade child failed",
				observability.F("parent_order_id", parentID),
				observability.F("order_id", child.ID),
				observability.F("error", err.Error()),
			)
		}
	}
	return nil
}

// RetryOutcome reports one order that a retry batch skipped or failed.
type RetryOutcome struct {
	OrderID string `json:"order_id"`
	Message string `json:"message"`
}

// RetryResult aggregates a retry batch.
type RetryResult struct {
	Succeeded []string       `json:"succeeded"`
	Skipped   []RetryOutcome `json:"skipped"`
	Failed    []RetryOutcome `json:"failed"`
}

// maxDisplayedFailures bounds the failure detail included in Summary; the
// full detail is always logged.
const maxDisplayedFailures = 3

// Summary renders a bounded human-readable account of the batch.
func (r RetryResult) Summary() string {
	s := fmt.Sprintf("%d succeeded, %d skipped, %d failed", len(r.Succeeded), len(r.Skipped), len(r.Failed))
	if len(r.Failed) == 0 {
		return s
	}
	shown := r.Failed
	if len(shown) > maxDisplayedFailures {
		shown = shown[:maxDisplayedFailures]
	}
	parts := make([]string, 0, len(shown))
	for _, f := range shown {
		parts = append(parts, f.OrderID+": "+truncate(f.Message, 120))
	}
	s += "; failures: " + strings.Join(parts, "; ")
	if len(r.Failed) > maxDisplayedFailures {
		s += fmt.Sprintf("; and %d more", len(r.Failed)-maxDisplayedFailures)
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// RetrySelected resubmits the given orders. Only orders currently in ERROR
// are touched; everything else is reported as skipped with no mutation.
func (m *Machine) RetrySelected(ctx context.Context, ids []string) RetryResult {
	var result RetryResult
	for _, id := range ids {
		order, err := m.store.Get(ctx, id)
		if err != nil {
			result.Skipped = append(result.Skipped, RetryOutcome{OrderID: id, Message: truncate(err.Error(), 120)})
			continue
		}
		if order.Status != schema.StatusError {
			result.Skipped = append(result.Skipped, RetryOutcome{OrderID: id, Message: "status is " + string(order.Status)})
			continue
		}
		if err := m.store.CompareAndSetStatus(ctx, id, schema.StatusError, schema.StatusPending); err != nil {
			result.Skipped = append(result.Skipped, RetryOutcome{OrderID: id, Message: truncate(err.Error(), 120)})
			continue
		}
		reset := orderstore.Fields{
			RetryCount: orderstore.IntPtr(0),
			LastError:  orderstore.StringPtr(""),
		}
		if err := m.store.Update(ctx, id, reset); err != nil {
			result.Failed = append(result.Failed, RetryOutcome{OrderID: id, Message: truncate(err.Error(), 120)})
			continue
		}
		order.Status = schema.StatusPending
		if err := m.submitPending(ctx, order); err != nil {
			observability.Log().Error("retry submission failed",
				observability.F("order_id", id),
				observability.F("error", err.Error()),
			)
			result.Failed = append(result.Failed, RetryOutcome{OrderID: id, Message: truncate(err.Error(), 120)})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	observability.Log().Info("retry batch finished", observability.F("summary", result.Summary()))
	return result
}

// GetOpenOrders lists the orders currently live on the broker side for an
// account.
func (m *Machine) GetOpenOrders(ctx context.Context, accountID string) ([]schema.Order, error) {
	return m.store.List(ctx, orderstore.Filter{
		AccountID: accountID,
		Statuses:  schema.OpenStatuses(),
	})
}
