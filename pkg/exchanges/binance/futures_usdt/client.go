package futures_usdt

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hedge-core/pkg/errs"
	"hedge-core/pkg/exchanges/common"
)

const venue = "binance_usdt"

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	// BaseURL overrides the endpoint chosen by Testnet.
	BaseURL string
}

// Client handles Binance USDT-M futures in hedge (dual side) position mode.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.WeightTracker
}

var _ common.Client = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	c.rateLimiter = common.NewWeightTracker(venue, 2400, time.Minute)
	return c
}

// SyncTime aligns request timestamps with the server clock.
func (c *Client) SyncTime(ctx context.Context) error {
	return c.timeSync.Sync(ctx)
}

func (c *Client) now() int64 {
	if c.timeSync != nil && c.timeSync.Offset() != 0 {
		return c.timeSync.Now()
	}
	return time.Now().UnixMilli()
}

func (c *Client) credentials() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errs.New(errs.CodeCredentialsInvalid, errs.WithMessage("binance usdt futures: API key/secret required"))
	}
	return nil
}

// PlaceOrder submits a market order for one position side.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.credentials(); err != nil {
		return common.OrderResult{}, err
	}
	typ := req.Type
	if typ == "" {
		typ = common.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(typ))
	params.Set("quantity", req.Qty.String())
	params.Set("newOrderRespType", "RESULT")
	if typ == common.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", clientOrderID(req.ClientID))
	}
	// Hedge mode rejects reduceOnly; positionSide alone makes a SELL LONG a close.
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	} else if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	body, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		ClientID:  resp.ClientOrderID,
		Status:    common.NormalizeStatus(resp.Status),
		FilledQty: parseDecimal(resp.ExecutedQty),
		AvgPrice:  parseDecimal(resp.AvgPrice),
	}, nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.credentials(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodDelete, c.baseURL+"/fapi/v1/order", params)
	return err
}

// GetPosition returns one leg from the position risk view.
func (c *Client) GetPosition(ctx context.Context, symbol string, side common.PositionSide) (common.Position, error) {
	positions, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return common.Position{}, err
	}
	out := common.Position{Symbol: symbol, Side: side}
	for _, p := range positions {
		if p.Symbol != symbol || p.PositionSide != string(side) {
			continue
		}
		out.Qty = parseDecimal(p.PositionAmt).Abs()
		out.AvgPrice = parseDecimal(p.EntryPrice)
		break
	}
	return out, nil
}

// GetPositions returns the position risk view; symbol optional.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	if err := c.credentials(); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := json.Unmarshal(body, &pos); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return pos, nil
}

// GetPrice returns the last traded price.
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	endpoint := c.baseURL + "/fapi/v1/ticker/price?symbol=" + url.QueryEscape(symbol)
	body, err := c.doPublic(ctx, endpoint)
	if err != nil {
		return decimal.Zero, err
	}
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	return decimal.NewFromString(res.Price)
}

// Ping reads the account, which proves the key is valid without trading.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetAccountInfo(ctx)
	return err
}

// GetAccountInfo returns futures account balances and flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	if err := c.credentials(); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	body, err := c.doSigned(ctx, http.MethodGet, c.baseURL+"/fapi/v2/account", params)
	if err != nil {
		return nil, err
	}
	var info FuturesAccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// SetPositionSideDual enables or disables hedge mode.
func (c *Client) SetPositionSideDual(ctx context.Context, dual bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(dual))
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	_, err := c.doSigned(ctx, http.MethodPost, c.baseURL+"/fapi/v1/positionSide/dual", params)
	return err
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, c.baseURL+"/fapi/v1/time")
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) doPublic(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.send(req)
}

// doSigned handles signing and sending requests.
func (c *Client) doSigned(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if c.rateLimiter != nil {
		c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		apiErr := &common.APIError{Venue: venue, Status: res.StatusCode, Msg: string(body)}
		var e struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &e) == nil && e.Msg != "" {
			apiErr.Code = e.Code
			apiErr.Msg = e.Msg
		}
		// -2014/-2015: bad key format, invalid key, IP or permissions.
		if apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1022 {
			return nil, errs.New(errs.CodeCredentialsInvalid, errs.WithMessage(apiErr.Msg), errs.WithCause(apiErr))
		}
		return nil, apiErr
	}
	return body, nil
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

type FuturesAccountInfo struct {
	CanTrade   bool  `json:"canTrade"`
	UpdateTime int64 `json:"updateTime"`
	Assets     []struct {
		Asset            string `json:"asset"`
		WalletBalance    string `json:"walletBalance"`
		UnrealizedProfit string `json:"unrealizedProfit"`
	} `json:"assets"`
}

type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}
