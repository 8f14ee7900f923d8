// Package bitget implements the exchange gateway against the Bitget v2
// futures REST API, plus a public websocket ticker feed.
package bitget

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stratops/bitdash/internal/config"
	"github.com/stratops/bitdash/internal/domain"
)

// Client is the REST client for the Bitget futures API. It implements
// domain.ExchangeGateway; every error it returns wraps
// domain.ErrGatewayUnavailable (or domain.ErrRateLimited) so callers can
// contain failures per symbol.
type Client struct {
	baseURL     string
	apiKey      string
	apiSecret   string
	passphrase  string
	productType string
	marginCoin  string
	limiter     domain.RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	httpClient  *http.Client
}

var _ domain.ExchangeGateway = (*Client)(nil)

// NewClient creates a Bitget REST client from the given configuration.
// limiter may be nil, in which case outbound calls are not throttled.
func NewClient(cfg config.BitgetConfig, limiter domain.RateLimiter) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.ApiKey,
		apiSecret:   cfg.ApiSecret,
		passphrase:  cfg.Passphrase,
		productType: cfg.ProductType,
		marginCoin:  cfg.MarginCoin,
		limiter:     limiter,
		rateLimit:   cfg.RateLimit,
		rateWindow:  cfg.RateWindow.Duration,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// GetTicker returns the latest public price snapshot for symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("productType", c.productType)

	var out []tickerData
	if err := c.get(ctx, "/api/v2/mix/market/ticker", params, &out); err != nil {
		return domain.Ticker{}, fmt.Errorf("bitget: get ticker %s: %w", symbol, err)
	}
	if len(out) == 0 {
		return domain.Ticker{Symbol: symbol}, nil
	}
	return out[0].toDomain(), nil
}

// GetPlanOrders returns all pending trigger orders for symbol, across both
// the profit/loss and normal plan order categories.
func (c *Client) GetPlanOrders(ctx context.Context, symbol string) ([]domain.PlanOrder, error) {
	var all []domain.PlanOrder
	for _, planType := range []string{"profit_loss", "normal_plan"} {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("productType", c.productType)
		params.Set("planType", planType)

		var out planOrdersData
		if err := c.get(ctx, "/api/v2/mix/order/orders-plan-pending", params, &out); err != nil {
			return nil, fmt.Errorf("bitget: get plan orders %s (%s): %w", symbol, planType, err)
		}
		for _, o := range out.EntrustedList {
			all = append(all, o.toDomain())
		}
	}
	return all, nil
}

// GetPosition returns the exchange's view of the open position on symbol, or
// nil when the exchange reports none.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.PositionDetail, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("productType", c.productType)
	params.Set("marginCoin", c.marginCoin)

	var out []positionData
	if err := c.get(ctx, "/api/v2/mix/position/single-position", params, &out); err != nil {
		return nil, fmt.Errorf("bitget: get position %s: %w", symbol, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	detail := out[0].toDomain()
	return &detail, nil
}

// GetAccount returns the futures account equity snapshot.
func (c *Client) GetAccount(ctx context.Context) (domain.AccountSummary, error) {
	params := url.Values{}
	params.Set("productType", c.productType)

	var out []accountData
	if err := c.get(ctx, "/api/v2/mix/account/accounts", params, &out); err != nil {
		return domain.AccountSummary{}, fmt.Errorf("bitget: get account: %w", err)
	}
	if len(out) == 0 {
		return domain.AccountSummary{}, nil
	}
	equity, _ := strconv.ParseFloat(out[0].AccountEquity, 64)
	available, _ := strconv.ParseFloat(out[0].Available, 64)
	return domain.AccountSummary{Equity: equity, Available: available}, nil
}

// PlaceOrder submits a market order. Close orders set ReduceOnly so they can
// only shrink the position.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	body := placeOrderRequest{
		Symbol:      req.Symbol,
		ProductType: c.productType,
		MarginCoin:  c.marginCoin,
		MarginMode:  "crossed",
		Size:        strconv.FormatFloat(req.Size, 'f', -1, 64),
		Side:        string(req.Side),
		OrderType:   "market",
	}
	if req.ReduceOnly {
		body.ReduceOnly = "YES"
	}

	var out placeOrderData
	if err := c.post(ctx, "/api/v2/mix/order/place-order", body, &out); err != nil {
		return domain.OrderAck{}, fmt.Errorf("bitget: place order %s %s: %w", req.Symbol, req.Side, err)
	}
	return domain.OrderAck{OrderID: out.OrderID, ClientOrderID: out.ClientOrderID}, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}
	return c.doRequest(ctx, http.MethodGet, requestPath, nil, out)
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	return c.doRequest(ctx, http.MethodPost, path, reqBody, out)
}

// doRequest performs one signed HTTP round trip and decodes the data payload
// of the response envelope into out.
func (c *Client) doRequest(ctx context.Context, method, requestPath string, reqBody, out any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("locale", "en-US")
	c.signRequest(req, method, requestPath, bodyBytes)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w (%w)", err, domain.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w (%w)", err, domain.ErrGatewayUnavailable)
	}

	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode response: %w (%w)", err, domain.ErrGatewayUnavailable)
	}
	if envelope.Code != codeOK {
		return fmt.Errorf("api error %s: %s (%w)", envelope.Code, envelope.Msg, domain.ErrGatewayUnavailable)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w (%w)", err, domain.ErrGatewayUnavailable)
		}
	}
	return nil
}

// signRequest adds Bitget authentication headers: base64 HMAC-SHA256 over
// timestamp + method + requestPath + body.
func (c *Client) signRequest(req *http.Request, method, requestPath string, body []byte) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	message := ts + method + requestPath + string(body)

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("ACCESS-KEY", c.apiKey)
	req.Header.Set("ACCESS-SIGN", signature)
	req.Header.Set("ACCESS-TIMESTAMP", ts)
	req.Header.Set("ACCESS-PASSPHRASE", c.passphrase)
}

// throttle consults the shared rate limiter before an outbound call.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	allowed, err := c.limiter.Allow(ctx, "bitget:rest", c.rateLimit, c.rateWindow)
	if err != nil {
		// A broken limiter must not take the gateway down with it.
		return nil
	}
	if !allowed {
		return fmt.Errorf("throttled: %w", domain.ErrRateLimited)
	}
	return nil
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
func (c *Client) checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiResponse
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("HTTP 429: %s (%w)", apiErr.Msg, domain.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("HTTP %d unauthorized: %s (%w)", statusCode, apiErr.Msg, domain.ErrGatewayUnavailable)
	default:
		return fmt.Errorf("HTTP %d: %s (%w)", statusCode, apiErr.Msg, domain.ErrGatewayUnavailable)
	}
}
