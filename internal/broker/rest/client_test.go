package rest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/ordercore/errs"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/broker/rest"
	"github.com/meridianhq/ordercore/internal/schema"
)

func newClient(t *testing.T, handler http.Handler) *rest.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return rest.NewClient(rest.Options{
		Venue:     "acme",
		BaseURL:   server.URL,
		APIKey:    "key",
		APISecret: "secret",
	})
}

func TestSubmitOrderMapsPayload(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/orders", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("X-API-KEY"))
		require.NotEmpty(t, r.URL.Query().Get("signature"))
		require.NotEmpty(t, r.URL.Query().Get("timestamp"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "AAPL", body["symbol"])
		require.Equal(t, "BUY", body["side"])
		require.Equal(t, "LIMIT", body["type"])
		require.Equal(t, "10", body["quantity"])
		require.Equal(t, "187.5", body["limit_price"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"broker_order_id": "XYZ",
			"symbol": "AAPL",
			"status": "new",
			"filled_qty": "0",
			"filled_avg_price": ""
		}`))
	}))

	limit := decimal.NewFromFloat(187.5)
	ack, err := client.SubmitOrder(context.Background(), broker.OrderRequest{
		Symbol:     "AAPL",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Quantity:   decimal.NewFromInt(10),
		LimitPrice: &limit,
	})
	require.NoError(t, err)
	require.Equal(t, "XYZ", ack.BrokerOrderID)
	require.Equal(t, schema.StatusSubmitted, ack.Status)
	require.True(t, ack.FilledQty.IsZero())
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]schema.Status{
		"NEW":              schema.StatusSubmitted,
		"working":          schema.StatusOpen,
		"PARTIALLY_FILLED": schema.StatusPartiallyFilled,
		"filled":           schema.StatusFilled,
		"CANCELLED":        schema.StatusCanceled,
		"rejected":         schema.StatusRejected,
	}
	for raw, want := range cases {
		payload := `{"broker_order_id":"1","symbol":"AAPL","status":"` + raw + `","filled_qty":"0","filled_avg_price":"0"}`
		client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(payload))
		}))
		ack, err := client.GetOrder(context.Background(), "1")
		require.NoError(t, err, "status %s", raw)
		require.Equal(t, want, ack.Status)
	}

	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"broker_order_id":"1","symbol":"AAPL","status":"LIMBO","filled_qty":"0","filled_avg_price":"0"}`))
	}))
	_, err := client.GetOrder(context.Background(), "1")
	require.Equal(t, errs.CodeBroker, errs.CodeOf(err))
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   errs.Code
	}{
		{http.StatusTooManyRequests, `{"code":"429","message":"slow down"}`, errs.CodeRateLimited},
		{418, `{}`, errs.CodeRateLimited},
		{http.StatusUnauthorized, `{"code":"bad_key"}`, errs.CodeAuth},
		{http.StatusNotFound, `{}`, errs.CodeNotFound},
		{http.StatusServiceUnavailable, `{}`, errs.CodeUnavailable},
		{http.StatusInternalServerError, `{}`, errs.CodeUnavailable},
		{http.StatusBadRequest, `{"code":"bad_qty"}`, errs.CodeInvalid},
		{http.StatusBadRequest, `{"code":"insufficient_funds","message":"no cash"}`, errs.CodeInsufficientFunds},
		{http.StatusGatewayTimeout, `{}`, errs.CodeTimeout},
	}
	for _, tc := range cases {
		client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := client.GetOrder(context.Background(), "1")
		require.Equal(t, tc.want, errs.CodeOf(err), "http %d", tc.status)
		var e *errs.E
		require.ErrorAs(t, err, &e)
		require.Equal(t, tc.status, e.HTTP)
	}
}

func TestListOrdersQuery(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		require.Equal(t, "true", r.URL.Query().Get("open_only"))
		_, _ = w.Write([]byte(`[
			{"broker_order_id":"1","symbol":"AAPL","status":"open","filled_qty":"0","filled_avg_price":"0"},
			{"broker_order_id":"2","symbol":"AAPL","status":"partial","filled_qty":"3","filled_avg_price":"187.1"}
		]`))
	}))

	acks, err := client.ListOrders(context.Background(), broker.ListFilter{Symbol: "AAPL", OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, acks, 2)
	require.Equal(t, schema.StatusPartiallyFilled, acks[1].Status)
	require.True(t, acks[1].FilledQty.Equal(decimal.NewFromInt(3)))
}

func TestPositionsAndAccount(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/positions":
			_, _ = w.Write([]byte(`[{"symbol":"AAPL","quantity":"12","market_value":"2247.0"}]`))
		case "/v1/account":
			_, _ = w.Write([]byte(`{"account_id":"A1","currency":"USD","equity":"100000","buying_power":"400000"}`))
		case "/v1/price":
			require.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
			_, _ = w.Write([]byte(`{"symbol":"AAPL","price":"187.21"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	positions, err := client.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].MarketValue.Equal(decimal.NewFromFloat(2247.0)))

	info, err := client.AccountInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A1", info.AccountID)

	price, err := client.Price(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromFloat(187.21)))
}
