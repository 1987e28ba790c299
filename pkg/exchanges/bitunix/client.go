// Package bitunix is a REST driver for Bitunix USDT futures in hedge mode.
package bitunix

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
)

const (
	venue       = "bitunix"
	defaultBase = "https://fapi.bitunix.com"
)

// Config holds Bitunix credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

// Client implements common.Client over the Bitunix REST API.
type Client struct {
	key, secret string
	rest        *resty.Client
}

var _ common.Client = (*Client)(nil)

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	r := resty.New().SetBaseURL(strings.TrimRight(base, "/"))
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	return &Client{key: cfg.APIKey, secret: cfg.APISecret, rest: r}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type placeReq struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`      // BUY or SELL
	TradeSide  string `json:"tradeSide"` // OPEN or CLOSE
	Qty        string `json:"qty"`
	OrderType  string `json:"orderType"`
	ClientID   string `json:"clientId,omitempty"`
	PositionID string `json:"positionId,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

type orderDetail struct {
	OrderID  string `json:"orderId"`
	ClientID string `json:"clientId"`
	Qty      string `json:"qty"`
	TradeQty string `json:"tradeQty"`
	AvgPrice string `json:"avgPrice"`
	Status   string `json:"status"`
}

type pendingPosition struct {
	PositionID   string `json:"positionId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"` // LONG or SHORT
	Qty          string `json:"qty"`
	AvgOpenPrice string `json:"avgOpenPrice"`
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	opening := (req.PositionSide == common.PositionLong) == (req.Side == common.SideBuy)
	body := placeReq{
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		TradeSide: "OPEN",
		Qty:       req.Qty.String(),
		OrderType: "MARKET",
		ClientID:  req.ClientID,
	}
	if !opening {
		body.TradeSide = "CLOSE"
		pos, err := c.pendingPosition(ctx, req.Symbol, req.PositionSide)
		if err != nil {
			return common.OrderResult{}, err
		}
		if pos == nil {
			return common.OrderResult{}, &common.APIError{Venue: venue, Status: 400, Msg: "no open position to close"}
		}
		body.PositionID = pos.PositionID
	}

	var placed struct {
		OrderID  string `json:"orderId"`
		ClientID string `json:"clientId"`
	}
	if err := c.call(ctx, "POST", "/api/v1/futures/trade/place_order", nil, body, &placed); err != nil {
		return common.OrderResult{}, err
	}

	var detail orderDetail
	err := c.call(ctx, "GET", "/api/v1/futures/trade/get_order_detail", map[string]string{"orderId": placed.OrderID}, nil, &detail)
	if err != nil {
		// The order is on the book; report it as submitted and let the caller
		// resolve it through positions.
		return common.OrderResult{OrderID: placed.OrderID, ClientID: req.ClientID, Status: common.StatusNew}, nil
	}
	return common.OrderResult{
		OrderID:   placed.OrderID,
		ClientID:  req.ClientID,
		Status:    common.NormalizeStatus(detail.Status),
		FilledQty: parseDecimal(detail.TradeQty),
		AvgPrice:  parseDecimal(detail.AvgPrice),
	}, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string, side common.PositionSide) (common.Position, error) {
	out := common.Position{Symbol: symbol, Side: side}
	pos, err := c.pendingPosition(ctx, symbol, side)
	if err != nil || pos == nil {
		return out, err
	}
	out.Qty = parseDecimal(pos.Qty).Abs()
	out.AvgPrice = parseDecimal(pos.AvgOpenPrice)
	return out, nil
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var tickers []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	}
	if err := c.call(ctx, "GET", "/api/v1/futures/market/tickers", map[string]string{"symbols": symbol}, nil, &tickers); err != nil {
		return decimal.Zero, err
	}
	for _, t := range tickers {
		if t.Symbol == symbol {
			return decimal.NewFromString(t.LastPrice)
		}
	}
	return decimal.Zero, &common.APIError{Venue: venue, Status: 404, Msg: "no ticker for " + symbol}
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]any{
		"symbol":    symbol,
		"orderList": []map[string]string{{"orderId": orderID}},
	}
	return c.call(ctx, "POST", "/api/v1/futures/trade/cancel_orders", nil, body, nil)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "GET", "/api/v1/futures/account", map[string]string{"marginCoin": "USDT"}, nil, nil)
}

func (c *Client) pendingPosition(ctx context.Context, symbol string, side common.PositionSide) (*pendingPosition, error) {
	var positions []pendingPosition
	if err := c.call(ctx, "GET", "/api/v1/futures/position/get_pending_positions", map[string]string{"symbol": symbol}, nil, &positions); err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol && strings.EqualFold(positions[i].Side, string(side)) {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// call signs and sends one request, unwraps the response envelope and decodes
// its data into out.
func (c *Client) call(ctx context.Context, method, path string, query map[string]string, body any, out any) error {
	if c.key == "" || c.secret == "" {
		return errs.New(errs.CodeCredentialsInvalid, errs.WithMessage("bitunix: API key/secret required"))
	}
	var rawBody string
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bitunix: encode body: %w", err)
		}
		rawBody = string(b)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")

	req := c.rest.R().
		SetContext(ctx).
		SetHeader("api-key", c.key).
		SetHeader("nonce", nonce).
		SetHeader("timestamp", ts).
		SetHeader("sign", Sign(c.secret, nonce, c.key, ts, canonicalQuery(query), rawBody)).
		SetHeader("Content-Type", "application/json")
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if rawBody != "" {
		req.SetBody(rawBody)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("bitunix %s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 300 {
		return &common.APIError{Venue: venue, Status: resp.StatusCode(), Msg: resp.String()}
	}
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return fmt.Errorf("bitunix: decode response: %w", err)
	}
	if env.Code != 0 {
		apiErr := &common.APIError{Venue: venue, Status: resp.StatusCode(), Code: env.Code, Msg: env.Msg}
		// 10003..10005: key, signature and IP whitelist failures.
		if env.Code >= 10003 && env.Code <= 10005 {
			return errs.New(errs.CodeCredentialsInvalid, errs.WithMessage(env.Msg), errs.WithCause(apiErr))
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("bitunix: decode data: %w", err)
		}
	}
	return nil
}

func canonicalQuery(q map[string]string) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(q[k])
	}
	return b.String()
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
