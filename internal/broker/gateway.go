package broker

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/retry"
	"github.com/meridianhq/ordercore/internal/schema"
)

// Gateway is the typed façade over one brokerage connection. Every call is
// validated at this boundary, throttled per account, and wrapped by the
// retry policy. One Gateway exists per account; none is shared globally.
type Gateway struct {
	account schema.Account
	api     API
	policy  retry.Policy
	limiter *rate.Limiter
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy retry.Policy) GatewayOption {
	return func(g *Gateway) {
		g.policy = policy
	}
}

// WithThrottle caps outbound request rate toward the venue.
func WithThrottle(rps float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if rps > 0 && burst > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewGateway constructs a gateway for the given account over the adapter api.
func NewGateway(account schema.Account, api API, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		account: account,
		api:     api,
		policy:  retry.NewPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Venue reports the brokerage this gateway talks to.
func (g *Gateway) Venue() string { return g.account.Venue }

// AccountID reports the account this gateway acts for.
func (g *Gateway) AccountID() string { return g.account.ID }

func (g *Gateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return errs.New(g.account.Venue, errs.CodeTimeout, errs.WithMessage("request throttle wait"), errs.WithCause(err))
	}
	return nil
}

// SubmitOrder validates and submits an order, retrying transient failures.
func (g *Gateway) SubmitOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := req.Validate(g.account.Venue); err != nil {
		return OrderAck{}, err
	}
	if err := g.wait(ctx); err != nil {
		return OrderAck{}, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "submit_order", func(ctx context.Context) (OrderAck, error) {
		return g.api.SubmitOrder(ctx, req)
	})
}

// GetOrder fetches the broker's current view of an order.
func (g *Gateway) GetOrder(ctx context.Context, brokerOrderID string) (OrderAck, error) {
	if strings.TrimSpace(brokerOrderID) == "" {
		return OrderAck{}, errs.New(g.account.Venue, errs.CodeInvalid, errs.WithMessage("broker order id required"))
	}
	if err := g.wait(ctx); err != nil {
		return OrderAck{}, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "get_order", func(ctx context.Context) (OrderAck, error) {
		return g.api.GetOrder(ctx, brokerOrderID)
	})
}

// CancelOrder asks the broker to cancel a working order.
func (g *Gateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if strings.TrimSpace(brokerOrderID) == "" {
		return errs.New(g.account.Venue, errs.CodeInvalid, errs.WithMessage("broker order id required"))
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, err := retry.Do(ctx, g.policy, g.account.Venue, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.api.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

// ModifyOrder amends a working order's mutable attributes.
func (g *Gateway) ModifyOrder(ctx context.Context, brokerOrderID string, changes OrderChanges) (OrderAck, error) {
	if strings.TrimSpace(brokerOrderID) == "" {
		return OrderAck{}, errs.New(g.account.Venue, errs.CodeInvalid, errs.WithMessage("broker order id required"))
	}
	if changes.empty() {
		return OrderAck{}, errs.New(g.account.Venue, errs.CodeInvalid, errs.WithMessage("no changes supplied"))
	}
	if err := g.wait(ctx); err != nil {
		return OrderAck{}, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "modify_order", func(ctx context.Context) (OrderAck, error) {
		return g.api.ModifyOrder(ctx, brokerOrderID, changes)
	})
}

// ListOrders lists broker-side orders matching the filter.
func (g *Gateway) ListOrders(ctx context.Context, filter ListFilter) ([]OrderAck, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "get_orders", func(ctx context.Context) ([]OrderAck, error) {
		return g.api.ListOrders(ctx, filter)
	})
}

// ListPositions fetches the broker's live position snapshot.
func (g *Gateway) ListPositions(ctx context.Context) ([]schema.Position, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "get_positions", func(ctx context.Context) ([]schema.Position, error) {
		return g.api.ListPositions(ctx)
	})
}

// AccountInfo fetches broker-reported account standing.
func (g *Gateway) AccountInfo(ctx context.Context) (schema.AccountInfo, error) {
	if err := g.wait(ctx); err != nil {
		return schema.AccountInfo{}, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "get_account_info", func(ctx context.Context) (schema.AccountInfo, error) {
		return g.api.AccountInfo(ctx)
	})
}

// Price fetches the current price for a symbol.
func (g *Gateway) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if strings.TrimSpace(symbol) == "" {
		return decimal.Zero, errs.New(g.account.Venue, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if err := g.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return retry.Do(ctx, g.policy, g.account.Venue, "get_price", func(ctx context.Context) (decimal.Decimal, error) {
		return g.api.Price(ctx, symbol)
	})
}
