package grvt

import (
	"github.com/shopspring/decimal"
)

// Environment bases. Instrument metadata lives on the market-data host,
// everything else on the trading host; session cookies come from edge.
const (
	TradingBaseProd    = "https://trades.grvt.io"
	TradingBaseTest    = "https://trades.testnet.grvt.io"
	EdgeBaseProd       = "https://edge.grvt.io"
	EdgeBaseTest       = "https://edge.testnet.grvt.io"
	MarketDataBaseProd = "https://market-data.grvt.io"
	MarketDataBaseTest = "https://market-data.testnet.grvt.io"
)

// AccountSummary is one refresh of a trading sub-account's margin state.
type AccountSummary struct {
	TotalEquity       decimal.Decimal
	MaintenanceMargin decimal.Decimal
	AvailableBalance  decimal.Decimal
	EventTimeNS       int64
}

// Position is a single perpetual position on a sub-account.
type Position struct {
	Instrument    string
	Size          decimal.Decimal // signed: positive long, negative short
	Notional      decimal.Decimal
	UnrealizedPnl decimal.Decimal
}

// Instrument is the metadata needed to size and sign an order.
type Instrument struct {
	Symbol         string
	InstrumentHash string // hex uint256, used as asset id in order legs
	BaseDecimals   int
	MinSize        decimal.Decimal
	TickSize       decimal.Decimal
}

// Signature is the EIP-712 signature envelope used on transfers and orders.
type Signature struct {
	Signer     string `json:"signer"`
	R          string `json:"r"`
	S          string `json:"s"`
	V          int    `json:"v"`
	Expiration string `json:"expiration"` // unix ns, as string
	Nonce      uint32 `json:"nonce"`
}

// TransferRequest is the signed wire payload for transfer_v1.
type TransferRequest struct {
	FromAccountID    string    `json:"from_account_id"`
	FromSubAccountID string    `json:"from_sub_account_id"`
	ToAccountID      string    `json:"to_account_id"`
	ToSubAccountID   string    `json:"to_sub_account_id"`
	Currency         string    `json:"currency"`
	NumTokens        string    `json:"num_tokens"`
	Signature        Signature `json:"signature"`
	TransferType     string    `json:"transfer_type"`
	TransferMetadata string    `json:"transfer_metadata"`
}

// TransferResult is the decoded transfer_v1 response.
type TransferResult struct {
	Ack  bool   `json:"ack"`
	TxID string `json:"tx_id"`
}

// OrderLeg is a single leg of an order payload.
type OrderLeg struct {
	Instrument    string  `json:"instrument"`
	Size          string  `json:"size"`
	LimitPrice    *string `json:"limit_price"` // nil for market orders
	IsBuyingAsset bool    `json:"is_buying_asset"`
}

// OrderMetadata carries the exchange-required client order id.
type OrderMetadata struct {
	ClientOrderID string `json:"client_order_id"`
}

// OrderPayload is the signed wire payload for create_order.
type OrderPayload struct {
	SubAccountID string        `json:"sub_account_id"`
	IsMarket     bool          `json:"is_market"`
	TimeInForce  string        `json:"time_in_force"`
	PostOnly     bool          `json:"post_only"`
	ReduceOnly   bool          `json:"reduce_only"`
	Legs         []OrderLeg    `json:"legs"`
	Signature    Signature     `json:"signature"`
	Metadata     OrderMetadata `json:"metadata"`
}

// OrderAck is the decoded create_order response.
type OrderAck struct {
	OrderID string `json:"order_id"`
}
