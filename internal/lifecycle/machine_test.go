package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/broker/paper"
	"github.com/meridianhq/ordercore/internal/lifecycle"
	"github.com/meridianhq/ordercore/internal/orderstore"
	"github.com/meridianhq/ordercore/internal/retry"
	"github.com/meridianhq/ordercore/internal/schema"
)

type fixture struct {
	machine *lifecycle.Machine
	store   *orderstore.MemoryStore
	api     *paper.Broker
}

func newFixture(t *testing.T, paperOpts ...paper.Option) *fixture {
	t.Helper()
	store := orderstore.NewMemoryStore()
	api := paper.New("paper", paperOpts...)
	policy := retry.NewPolicy(retry.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	gw := broker.NewGateway(schema.Account{ID: "acct-1", Venue: "paper"}, api, broker.WithRetryPolicy(policy))

	var seq int
	machine := lifecycle.NewMachine(store, map[string]lifecycle.Broker{"acct-1": gw},
		lifecycle.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("ord-%03d", seq)
		}),
	)
	return &fixture{machine: machine, store: store, api: api}
}

func limitOrder(id string) schema.Order {
	limit := decimal.NewFromFloat(187.5)
	return schema.Order{
		ID:         id,
		AccountID:  "acct-1",
		Symbol:     "AAPL",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		LimitPrice: &limit,
	}
}

func TestPlaceSubmitsImmediately(t *testing.T) {
	f := newFixture(t)

	placed, err := f.machine.Place(context.Background(), limitOrder(""))
	require.NoError(t, err)
	require.Equal(t, "ord-001", placed.ID)
	require.Equal(t, schema.StatusOpen, placed.Status)
	require.Equal(t, "PB-000001", placed.BrokerOrderID)
}

func TestPlaceRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	order := limitOrder("")
	order.Quantity = decimal.Zero
	_, err := f.machine.Place(context.Background(), order)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	order = limitOrder("")
	order.AccountID = "unknown"
	_, err = f.machine.Place(context.Background(), order)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestPlaceDependentWaitsForParent(t *testing.T) {
	f := newFixture(t)

	parent, err := f.machine.Place(context.Background(), limitOrder("100"))
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, parent.Status)

	child := limitOrder("101")
	child.Side = schema.SideSell
	child.ParentOrderID = "100"
	placed, err := f.machine.Place(context.Background(), child)
	require.NoError(t, err)
	require.Equal(t, schema.StatusWaitingTrigger, placed.Status)
	require.Empty(t, placed.BrokerOrderID)
}

func TestPlaceDependentParentAlreadyFilled(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Create(context.Background(), withStatus(limitOrder("100"), schema.StatusFilled)))

	child := limitOrder("101")
	child.Side = schema.SideSell
	child.ParentOrderID = "100"
	placed, err := f.machine.Place(context.Background(), child)
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, placed.Status)
	require.NotEmpty(t, placed.BrokerOrderID)
}

func TestPlaceDependentParentCanceled(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Create(context.Background(), withStatus(limitOrder("100"), schema.StatusCanceled)))

	child := limitOrder("101")
	child.ParentOrderID = "100"
	_, err := f.machine.Place(context.Background(), child)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestPermanentFailureRejectsOrder(t *testing.T) {
	f := newFixture(t)
	f.api.FailNext("submit_order", errs.New("paper", errs.CodeInsufficientFunds, errs.WithMessage("no cash")))

	placed, err := f.machine.Place(context.Background(), limitOrder(""))
	require.Error(t, err)
	require.Equal(t, schema.StatusRejected, placed.Status)
	require.Contains(t, placed.LastError, "insufficient_funds")
	require.Equal(t, 1, placed.RetryCount)
}

func TestTransientExhaustionErrorsOrder(t *testing.T) {
	f := newFixture(t)
	rateLimited := errs.New("paper", errs.CodeRateLimited, errs.WithMessage("slow down"))
	f.api.FailNext("submit_order", rateLimited, rateLimited, rateLimited, rateLimited)

	placed, err := f.machine.Place(context.Background(), limitOrder(""))
	require.Error(t, err)
	require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
	require.Equal(t, schema.StatusError, placed.Status)
	require.Equal(t, 4, placed.RetryCount)
	require.Contains(t, placed.LastError, "rate_limited")
}

func TestCascadeSubmitsChildExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, withStatus(limitOrder("100"), schema.StatusFilled)))
	child := limitOrder("101")
	child.Side = schema.SideSell
	child.ParentOrderID = "100"
	require.NoError(t, f.store.Create(ctx, withStatus(child, schema.StatusWaitingTrigger)))

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- f.machine.CascadeOnFill(ctx, "100")
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	got, err := f.store.Get(ctx, "101")
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, got.Status)
	require.NotEmpty(t, got.BrokerOrderID)

	acks, err := f.api.ListOrders(ctx, broker.ListFilter{})
	require.NoError(t, err)
	require.Len(t, acks, 1)
}

func TestCascadeIsolatesChildFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, withStatus(limitOrder("100"), schema.StatusFilled)))
	for _, id := range []string{"101", "102"} {
		child := limitOrder(id)
		child.Side = schema.SideSell
		child.ParentOrderID = "100"
		require.NoError(t, f.store.Create(ctx, withStatus(child, schema.StatusWaitingTrigger)))
	}
	f.api.FailNext("submit_order", errs.New("paper", errs.CodeInvalid, errs.WithMessage("bad lot size")))

	require.NoError(t, f.machine.CascadeOnFill(ctx, "100"))

	statuses := map[schema.Status]int{}
	for _, id := range []string{"101", "102"} {
		got, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		statuses[got.Status]++
	}
	require.Equal(t, 1, statuses[schema.StatusError])
	require.Equal(t, 1, statuses[schema.StatusOpen])
}

func TestRetrySelectedMixedStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	errored := withStatus(limitOrder("err-1"), schema.StatusError)
	errored.LastError = "venue=paper code=timeout"
	errored.RetryCount = 4
	require.NoError(t, f.store.Create(ctx, errored))

	open := withStatus(limitOrder("open-1"), schema.StatusOpen)
	open.BrokerOrderID = "PB-999999"
	require.NoError(t, f.store.Create(ctx, open))

	result := f.machine.RetrySelected(ctx, []string{"err-1", "open-1"})
	require.Equal(t, []string{"err-1"}, result.Succeeded)
	require.Len(t, result.Skipped, 1)
	require.Equal(t, "open-1", result.Skipped[0].OrderID)
	require.Empty(t, result.Failed)

	retried, err := f.store.Get(ctx, "err-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, retried.Status)
	require.NotEmpty(t, retried.BrokerOrderID)
	require.Empty(t, retried.LastError)
	require.Zero(t, retried.RetryCount)

	untouched, err := f.store.Get(ctx, "open-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, untouched.Status)
	require.Equal(t, "PB-999999", untouched.BrokerOrderID)
}

func TestRetrySelectedRecordsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, withStatus(limitOrder("err-1"), schema.StatusError)))
	f.api.FailNext("submit_order", errs.New("paper", errs.CodeAuth, errs.WithMessage("key revoked")))

	result := f.machine.RetrySelected(ctx, []string{"err-1"})
	require.Empty(t, result.Succeeded)
	require.Len(t, result.Failed, 1)
	require.Contains(t, result.Failed[0].Message, "auth")

	got, err := f.store.Get(ctx, "err-1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusRejected, got.Status)
}

func TestRetryResultSummaryTruncates(t *testing.T) {
	result := lifecycle.RetryResult{
		Succeeded: []string{"a"},
		Failed: []lifecycle.RetryOutcome{
			{OrderID: "b", Message: "boom"},
			{OrderID: "c", Message: "boom"},
			{OrderID: "d", Message: "boom"},
			{OrderID: "e", Message: "boom"},
			{OrderID: "f", Message: "boom"},
		},
	}
	summary := result.Summary()
	require.Contains(t, summary, "1 succeeded, 0 skipped, 5 failed")
	require.Contains(t, summary, "and 2 more")
	require.NotContains(t, summary, "e: boom")
}

func TestCancelWorkingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	placed, err := f.machine.Place(ctx, limitOrder(""))
	require.NoError(t, err)
	require.Equal(t, schema.StatusOpen, placed.Status)

	canceled, err := f.machine.Cancel(ctx, placed.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCanceled, canceled.Status)
}

func TestCancelTerminalOrderConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	filled := withStatus(limitOrder("100"), schema.StatusFilled)
	filled.BrokerOrderID = "PB-000001"
	require.NoError(t, f.store.Create(ctx, filled))

	_, err := f.machine.Cancel(ctx, "100")
	require.True(t, errs.IsConflict(err))
}

func TestGetOpenOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Create(ctx, withStatus(limitOrder("1"), schema.StatusOpen)))
	require.NoError(t, f.store.Create(ctx, withStatus(limitOrder("2"), schema.StatusError)))
	require.NoError(t, f.store.Create(ctx, withStatus(limitOrder("3"), schema.StatusPartiallyFilled)))

	open, err := f.machine.GetOpenOrders(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, o := range open {
		require.Contains(t, []schema.Status{schema.StatusOpen, schema.StatusPartiallyFilled}, o.Status)
	}
}

func TestCanTransitionTable(t *testing.T) {
	require.True(t, lifecycle.CanTransition(schema.StatusPending, schema.StatusSubmitted))
	require.True(t, lifecycle.CanTransition(schema.StatusWaitingTrigger, schema.StatusSubmitted))
	require.True(t, lifecycle.CanTransition(schema.StatusError, schema.StatusPending))
	require.False(t, lifecycle.CanTransition(schema.StatusWaitingTrigger, schema.StatusFilled))
	require.False(t, lifecycle.CanTransition(schema.StatusFilled, schema.StatusOpen))
	require.False(t, lifecycle.CanTransition(schema.StatusRejected, schema.StatusPending))
}

func withStatus(order schema.Order, status schema.Status) schema.Order {
	order.Status = status
	return order
}
