package schema

import "github.com/shopspring/decimal"

// Account identifies one brokerage connection. Credentials are used to
// construct a per-account broker gateway; nothing else reads them.
type Account struct {
	ID        string `json:"id"`
	Venue     string `json:"venue"`
	BaseURL   string `json:"base_url,omitempty"`
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
}

// Position is a broker-reported holding. Positions are transient: always
// fetched live, recorded for reporting only, never a source of order state.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketValue decimal.Decimal `json:"market_value"`
}

// AccountInfo summarizes broker-reported account standing.
type AccountInfo struct {
	AccountID   string          `json:"account_id"`
	Currency    string          `json:"currency"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}
