// Package grvt is a minimal signed REST client for the GRVT exchange.
//
// Each Client authenticates one credential pair (api key + account id) and
// exposes the handful of operations the rebalancer needs: account summaries,
// positions, instrument metadata, transfers and order placement. Session
// cookies are obtained from the edge host and refreshed transparently.
package grvt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	authPath            = "/auth/api_key/login"
	accountSummaryPath  = "/full/v1/account_summary"
	fundingSummaryPath  = "/full/v1/funding_account_summary"
	positionsPath       = "/full/v1/positions"
	instrumentPath      = "/full/v1/instrument"
	transferPath        = "/full/v1/transfer"
	createOrderPath     = "/full/v1/create_order"
	sessionRefreshSlack = 5 * time.Minute
)

// Options configures a Client for one credential pair.
type Options struct {
	Env          string // "prod" or "test"
	APIKey       string
	AccountID    string // value for the X-Grvt-Account-Id header and warm-up calls
	// OnRetriesExhausted fires once per operation whose read retries were all
	// spent; the caller wires it to the alert sink.
	OnRetriesExhausted func(op string, err error)
}

// Client is a signed REST client for one GRVT credential pair.
type Client struct {
	tradingBase string
	edgeBase    string
	mdBase      string

	apiKey    string
	accountID string

	httpClient *http.Client
	limiter    *rate.Limiter

	readExec     failsafe.Executor[[]byte]
	transferExec failsafe.Executor[[]byte]
	onExhausted  func(op string, err error)

	mu            sync.Mutex
	cookie        string
	cookieExpires time.Time
}

// NewClient creates a client for the given credential pair.
func NewClient(opts Options) *Client {
	tradingBase, edgeBase, mdBase := TradingBaseProd, EdgeBaseProd, MarketDataBaseProd
	if opts.Env == "test" {
		tradingBase, edgeBase, mdBase = TradingBaseTest, EdgeBaseTest, MarketDataBaseTest
	}

	// Reads: 4 attempts, 2^n backoff capped at 8s, transport errors only.
	readPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return err != nil && Classify(err) == KindTransport
		}).
		WithBackoff(1*time.Second, 8*time.Second).
		WithMaxRetries(3).
		Build()

	// Transfers: 3 attempts, 1.5^n backoff from 1.5s; retry on transport
	// errors, business code 1006 and HTTP 429.
	transferPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			if err == nil {
				return false
			}
			if be, ok := asBusiness(err); ok {
				return be.Retryable()
			}
			return Classify(err) == KindTransport
		}).
		WithBackoffFactor(1500*time.Millisecond, 30*time.Second, 1.5).
		WithMaxRetries(2).
		Build()

	return &Client{
		tradingBase:  tradingBase,
		edgeBase:     edgeBase,
		mdBase:       mdBase,
		apiKey:       opts.APIKey,
		accountID:    opts.AccountID,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(5), 5),
		readExec:     failsafe.With[[]byte](readPolicy),
		transferExec: failsafe.With[[]byte](transferPolicy),
		onExhausted:  opts.OnRetriesExhausted,
	}
}

// SubAccountSummary fetches the margin state of a trading sub-account.
// After retry exhaustion it returns a zero summary; the failure is surfaced
// through the OnRetriesExhausted hook rather than the return value, so the
// loop's zero-equity guard owns the policy decision.
func (c *Client) SubAccountSummary(ctx context.Context, subID string) (AccountSummary, error) {
	body, err := c.readWithRetry(ctx, "sub_account_summary", c.tradingBase, accountSummaryPath,
		map[string]string{"sub_account_id": subID})
	if err != nil {
		return AccountSummary{}, nil
	}
	var out struct {
		Result struct {
			TotalEquity       string `json:"total_equity"`
			MaintenanceMargin string `json:"maintenance_margin"`
			AvailableBalance  string `json:"available_balance"`
			EventTime         string `json:"event_time"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return AccountSummary{}, nil
	}
	eventNS, _ := strconv.ParseInt(out.Result.EventTime, 10, 64)
	return AccountSummary{
		TotalEquity:       dec(out.Result.TotalEquity),
		MaintenanceMargin: dec(out.Result.MaintenanceMargin),
		AvailableBalance:  dec(out.Result.AvailableBalance),
		EventTimeNS:       eventNS,
	}, nil
}

// FundingUSDTBalance returns the funding account's spot balance for currency.
func (c *Client) FundingUSDTBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	body, err := c.readWithRetry(ctx, "funding_account_summary", c.tradingBase, fundingSummaryPath,
		map[string]string{})
	if err != nil {
		return decimal.Zero, nil
	}
	var out struct {
		Result struct {
			SpotBalances []struct {
				Currency string `json:"currency"`
				Balance  string `json:"balance"`
			} `json:"spot_balances"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, nil
	}
	for _, b := range out.Result.SpotBalances {
		if b.Currency == currency {
			return dec(b.Balance), nil
		}
	}
	return decimal.Zero, nil
}

// Positions fetches all perpetual positions for a trading sub-account.
func (c *Client) Positions(ctx context.Context, subID string) ([]Position, error) {
	body, err := c.readWithRetry(ctx, "positions", c.tradingBase, positionsPath,
		map[string]any{"sub_account_id": subID, "kind": []string{"PERPETUAL"}})
	if err != nil {
		return nil, nil
	}
	var out struct {
		Result []struct {
			Instrument    string `json:"instrument"`
			Size          string `json:"size"`
			Notional      string `json:"notional"`
			UnrealizedPnl string `json:"unrealized_pnl"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil
	}
	positions := make([]Position, 0, len(out.Result))
	for _, p := range out.Result {
		positions = append(positions, Position{
			Instrument:    p.Instrument,
			Size:          dec(p.Size),
			Notional:      dec(p.Notional),
			UnrealizedPnl: dec(p.UnrealizedPnl),
		})
	}
	return positions, nil
}

// GetInstrument fetches instrument metadata. Unlike the summary reads, a
// missing or malformed instrument is an error the caller must handle: orders
// cannot be sized or signed without it.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	body, err := c.readWithRetry(ctx, "get_instrument", c.mdBase, instrumentPath,
		map[string]string{"instrument": symbol})
	if err != nil {
		return Instrument{}, fmt.Errorf("get instrument %s: %w", symbol, err)
	}
	var out struct {
		Result struct {
			Instrument     string `json:"instrument"`
			InstrumentHash string `json:"instrument_hash"`
			BaseDecimals   int    `json:"base_decimals"`
			MinSize        string `json:"min_size"`
			TickSize       string `json:"tick_size"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Instrument{}, fmt.Errorf("decode instrument %s: %w", symbol, err)
	}
	if out.Result.InstrumentHash == "" {
		return Instrument{}, &ValidationError{Reason: "missing instrument_hash for " + symbol}
	}
	return Instrument{
		Symbol:         out.Result.Instrument,
		InstrumentHash: out.Result.InstrumentHash,
		BaseDecimals:   out.Result.BaseDecimals,
		MinSize:        dec(out.Result.MinSize),
		TickSize:       dec(out.Result.TickSize),
	}, nil
}

// Transfer submits a signed transfer. Retries are handled internally per the
// transfer policy; a terminal business error comes back as *BusinessError.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	body, err := c.transferExec.GetWithExecution(func(_ failsafe.Execution[[]byte]) ([]byte, error) {
		return c.rpc(ctx, c.tradingBase, transferPath, req)
	})
	if err != nil {
		return TransferResult{}, err
	}
	var out struct {
		Result TransferResult `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return TransferResult{}, fmt.Errorf("decode transfer response: %w", err)
	}
	return out.Result, nil
}

// CreateOrder submits a signed order. Single attempt: the unwind engine owns
// any retry decision. Order auth rides on the gravity session cookie, so an
// authenticated warm-up call runs first to guarantee a fresh cookie.
func (c *Client) CreateOrder(ctx context.Context, payload OrderPayload) (OrderAck, error) {
	if _, err := c.SubAccountSummary(ctx, payload.SubAccountID); err != nil {
		log.Warn().Err(err).Msg("order warm-up call failed")
	}
	if c.sessionCookie() == "" {
		return OrderAck{}, &ValidationError{Reason: "no gravity session cookie"}
	}
	body, err := c.rpc(ctx, c.tradingBase, createOrderPath, map[string]any{"order": payload})
	if err != nil {
		return OrderAck{}, err
	}
	var out struct {
		Result OrderAck `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return OrderAck{}, fmt.Errorf("decode create_order response: %w", err)
	}
	return out.Result, nil
}

// readWithRetry runs a read operation through the read retry policy, and on
// exhaustion logs, fires the warning hook once, and reports the error.
func (c *Client) readWithRetry(ctx context.Context, op, base, path string, reqBody any) ([]byte, error) {
	body, err := c.readExec.GetWithExecution(func(_ failsafe.Execution[[]byte]) ([]byte, error) {
		return c.rpc(ctx, base, path, reqBody)
	})
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("exchange read failed after retries")
		if c.onExhausted != nil && Classify(err) == KindTransport {
			c.onExhausted(op, err)
		}
		return nil, err
	}
	return body, nil
}

// rpc performs a single signed POST round-trip.
func (c *Client) rpc(ctx context.Context, base, path string, reqBody any) ([]byte, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Grvt-Account-Id", c.accountID)
	req.Header.Set("Cookie", "gravity="+c.sessionCookie())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if be := decodeBusinessError(resp.StatusCode, body); be != nil {
		return nil, be
	}
	return body, nil
}

// ensureSession logs in against the edge host when the gravity cookie is
// missing or close to expiry.
func (c *Client) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	fresh := c.cookie != "" && time.Now().Before(c.cookieExpires.Add(-sessionRefreshSlack))
	c.mu.Unlock()
	if fresh {
		return nil
	}

	payload, _ := json.Marshal(map[string]string{"api_key": c.apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.edgeBase+authPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session login: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		if be := decodeBusinessError(resp.StatusCode, body); be != nil {
			return be
		}
		return fmt.Errorf("session login: HTTP %d", resp.StatusCode)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == "gravity" {
			c.mu.Lock()
			c.cookie = ck.Value
			if ck.Expires.IsZero() {
				c.cookieExpires = time.Now().Add(30 * time.Minute)
			} else {
				c.cookieExpires = ck.Expires
			}
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("session login: no gravity cookie in response")
}

func (c *Client) sessionCookie() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookie
}

func decodeBusinessError(status int, body []byte) *BusinessError {
	var be BusinessError
	if err := json.Unmarshal(body, &be); err == nil && be.Code != 0 {
		if be.Status == 0 {
			be.Status = status
		}
		return &be
	}
	if status >= 400 {
		return &BusinessError{Status: status, Message: string(body)}
	}
	return nil
}

func asBusiness(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
