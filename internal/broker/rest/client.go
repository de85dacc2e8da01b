// Package rest implements the broker API contract over a signed HTTP wire.
package rest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/schema"
)

const defaultHTTPTimeout = 10 * time.Second

// Options configures a REST broker client.
type Options struct {
	Venue       string
	BaseURL     string
	APIKey      string
	APISecret   string
	HTTPTimeout time.Duration
	HTTPClient  *http.Client
}

// Client talks to the broker's REST API and converts its loosely-typed
// payloads into canonical shapes at this boundary.
type Client struct {
	opts  Options
	http  *http.Client
	clock func() time.Time
}

var _ broker.API = (*Client)(nil)

// NewClient constructs a REST broker client.
func NewClient(opts Options) *Client {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = defaultHTTPTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.HTTPTimeout}
	}
	return &Client{opts: opts, http: httpClient, clock: time.Now}
}

type orderPayload struct {
	BrokerOrderID  string `json:"broker_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

type positionPayload struct {
	Symbol      string `json:"symbol"`
	Quantity    string `json:"quantity"`
	MarketValue string `json:"market_value"`
}

type accountPayload struct {
	AccountID   string `json:"account_id"`
	Currency    string `json:"currency"`
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
}

type pricePayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submitBody struct {
	ClientOrderID string `json:"client_order_id,omitempty"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
}

type modifyBody struct {
	Quantity   string `json:"quantity,omitempty"`
	LimitPrice string `json:"limit_price,omitempty"`
	StopPrice  string `json:"stop_price,omitempty"`
}

// SubmitOrder posts a new order.
func (c *Client) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	body := submitBody{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Quantity:      req.Quantity.String(),
	}
	if req.LimitPrice != nil {
		body.LimitPrice = req.LimitPrice.String()
	}
	if req.StopPrice != nil {
		body.StopPrice = req.StopPrice.String()
	}
	var payload orderPayload
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, body, &payload); err != nil {
		return broker.OrderAck{}, err
	}
	return c.toAck(payload)
}

// GetOrder fetches one order by broker id.
func (c *Client) GetOrder(ctx context.Context, brokerOrderID string) (broker.OrderAck, error) {
	var payload orderPayload
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil, &payload); err != nil {
		return broker.OrderAck{}, err
	}
	return c.toAck(payload)
}

// CancelOrder cancels one order by broker id.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, nil, nil)
}

// ModifyOrder amends a working order.
func (c *Client) ModifyOrder(ctx context.Context, brokerOrderID string, changes broker.OrderChanges) (broker.OrderAck, error) {
	body := modifyBody{}
	if changes.Quantity != nil {
		body.Quantity = changes.Quantity.String()
	}
	if changes.LimitPrice != nil {
		body.LimitPrice = changes.LimitPrice.String()
	}
	if changes.StopPrice != nil {
		body.StopPrice = changes.StopPrice.String()
	}
	var payload orderPayload
	if err := c.do(ctx, http.MethodPatch, "/v1/orders/"+url.PathEscape(brokerOrderID), nil, body, &payload); err != nil {
		return broker.OrderAck{}, err
	}
	return c.toAck(payload)
}

// ListOrders lists orders, optionally filtered by symbol and openness.
func (c *Client) ListOrders(ctx context.Context, filter broker.ListFilter) ([]broker.OrderAck, error) {
	query := url.Values{}
	if strings.TrimSpace(filter.Symbol) != "" {
		query.Set("symbol", filter.Symbol)
	}
	if filter.OpenOnly {
		query.Set("open_only", "true")
	}
	var payload []orderPayload
	if err := c.do(ctx, http.MethodGet, "/v1/orders", query, nil, &payload); err != nil {
		return nil, err
	}
	acks := make([]broker.OrderAck, 0, len(payload))
	for _, entry := range payload {
		ack, err := c.toAck(entry)
		if err != nil {
			return nil, err
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

// ListPositions fetches the live position snapshot.
func (c *Client) ListPositions(ctx context.Context) ([]schema.Position, error) {
	var payload []positionPayload
	if err := c.do(ctx, http.MethodGet, "/v1/positions", nil, nil, &payload); err != nil {
		return nil, err
	}
	positions := make([]schema.Position, 0, len(payload))
	for _, entry := range payload {
		quantity, err := c.parseDecimal(entry.Quantity, "position quantity")
		if err != nil {
			return nil, err
		}
		marketValue, err := c.parseDecimal(entry.MarketValue, "position market value")
		if err != nil {
			return nil, err
		}
		positions = append(positions, schema.Position{
			Symbol:      entry.Symbol,
			Quantity:    quantity,
			MarketValue: marketValue,
		})
	}
	return positions, nil
}

// AccountInfo fetches account standing.
func (c *Client) AccountInfo(ctx context.Context) (schema.AccountInfo, error) {
	var payload accountPayload
	if err := c.do(ctx, http.MethodGet, "/v1/account", nil, nil, &payload); err != nil {
		return schema.AccountInfo{}, err
	}
	equity, err := c.parseDecimal(payload.Equity, "account equity")
	if err != nil {
		return schema.AccountInfo{}, err
	}
	buyingPower, err := c.parseDecimal(payload.BuyingPower, "account buying power")
	if err != nil {
		return schema.AccountInfo{}, err
	}
	return schema.AccountInfo{
		AccountID:   payload.AccountID,
		Currency:    payload.Currency,
		Equity:      equity,
		BuyingPower: buyingPower,
	}, nil
}

// Price fetches the latest price for a symbol.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", symbol)
	var payload pricePayload
	if err := c.do(ctx, http.MethodGet, "/v1/price", query, nil, &payload); err != nil {
		return decimal.Zero, err
	}
	return c.parseDecimal(payload.Price, "price")
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := strings.TrimRight(c.opts.BaseURL, "/") + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", strconv.FormatInt(c.clock().UTC().UnixMilli(), 10))
	encoded := query.Encode()
	endpoint += "?" + encoded + "&signature=" + signPayload(encoded, c.opts.APISecret)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.New(c.opts.Venue, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return errs.New(c.opts.Venue, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("X-API-KEY", c.opts.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		code := errs.CodeNetwork
		if ctx.Err() != nil {
			code = errs.CodeTimeout
		}
		return errs.New(c.opts.Venue, code, errs.WithMessage("request "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return c.classify(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New(c.opts.Venue, errs.CodeBroker, errs.WithMessage("decode "+path), errs.WithCause(err))
	}
	return nil
}

// classify maps vendor HTTP failures into the engine's error taxonomy.
func (c *Client) classify(status int, raw []byte) error {
	var payload errorPayload
	_ = json.Unmarshal(raw, &payload)

	code := errs.CodeBroker
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		code = errs.CodeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeAuth
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = errs.CodeTimeout
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		code = errs.CodeUnavailable
	case status >= 500:
		code = errs.CodeUnavailable
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		code = errs.CodeInvalid
	}
	if code == errs.CodeInvalid && containsFold(payload.Code, "insufficient") {
		code = errs.CodeInsufficientFunds
	}

	return errs.New(c.opts.Venue, code,
		errs.WithHTTP(status),
		errs.WithRawCode(payload.Code),
		errs.WithRawMessage(payload.Message),
	)
}

func (c *Client) toAck(payload orderPayload) (broker.OrderAck, error) {
	status, err := parseStatus(c.opts.Venue, payload.Status)
	if err != nil {
		return broker.OrderAck{}, err
	}
	filledQty, err := c.parseDecimal(payload.FilledQty, "filled quantity")
	if err != nil {
		return broker.OrderAck{}, err
	}
	filledAvgPrice, err := c.parseDecimal(payload.FilledAvgPrice, "filled average price")
	if err != nil {
		return broker.OrderAck{}, err
	}
	return broker.OrderAck{
		BrokerOrderID:  payload.BrokerOrderID,
		Symbol:         payload.Symbol,
		Status:         status,
		FilledQty:      filledQty,
		FilledAvgPrice: filledAvgPrice,
	}, nil
}

func (c *Client) parseDecimal(value, what string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errs.New(c.opts.Venue, errs.CodeBroker, errs.WithMessage("parse "+what), errs.WithCause(err))
	}
	return parsed, nil
}

func parseStatus(venue, raw string) (schema.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW", "ACCEPTED", "SUBMITTED", "PENDING_NEW":
		return schema.StatusSubmitted, nil
	case "OPEN", "WORKING", "ACTIVE":
		return schema.StatusOpen, nil
	case "PARTIALLY_FILLED", "PARTIAL":
		return schema.StatusPartiallyFilled, nil
	case "FILLED", "DONE":
		return schema.StatusFilled, nil
	case "CANCELED", "CANCELLED", "EXPIRED":
		return schema.StatusCanceled, nil
	case "REJECTED":
		return schema.StatusRejected, nil
	default:
		return "", errs.New(venue, errs.CodeBroker, errs.WithMessage("unknown order status"), errs.WithRawCode(raw))
	}
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
