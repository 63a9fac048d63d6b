package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/errs"
)

// HTTPClient is the reference Client implementation for a generic
// HMAC-signed REST options venue. Signing scheme, base URL and credential
// handling are the only venue-specific surface (spec.md §6); everything
// else is the fixed request/response shape this package's Client interface
// describes. This is stdlib net/http rather than a third-party REST client
// (e.g. resty) because the venue boundary is explicitly out of scope per
// spec.md §1/§6 — see DESIGN.md's stdlib justification audit. Outbound
// request pacing, unlike alert throttling, *is* a steady-state admission
// problem, so it uses golang.org/x/time/rate directly (grounded on the
// teacher's own request-rate limiter in
// internal/trading/mitigation/rate_limiter.go) rather than the hand-rolled
// window internal/alert uses for its different (count-to-threshold) policy.
type HTTPClient struct {
	baseURL string
	apiKey  string
	sign    Signer
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient builds an HTTPClient against baseURL, signing every request
// with sign and attaching apiKey as the venue's API-key header. requestsPerSec
// caps outbound call rate to the venue (0 disables pacing).
func NewHTTPClient(baseURL, apiKey string, sign Signer, timeout time.Duration, requestsPerSec float64) *HTTPClient {
	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, sign: sign, http: &http.Client{Timeout: timeout}, limiter: limiter}
}

type venueError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signature := c.sign(query.Encode())
	query.Set("signature", signature)

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errs.New(errs.KindGeneral, "failed to encode request body", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query.Encode(), reader)
	if err != nil {
		return errs.New(errs.KindGeneral, "failed to build venue request", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.APIError(0, "", "venue request failed: "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errs.APIError(resp.StatusCode, "RATE_LIMIT", "venue rate limit exceeded", nil)
	}
	if resp.StatusCode >= 400 {
		var ve venueError
		_ = json.NewDecoder(resp.Body).Decode(&ve)
		return errs.APIError(resp.StatusCode, ve.Code, ve.Message, nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(errs.KindGeneral, "failed to decode venue response", err)
	}
	return nil
}

type referencePriceResponse struct {
	Price decimal.Decimal `json:"price"`
}

func (c *HTTPClient) GetReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	var out referencePriceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/reference-price", nil, nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Price, nil
}

type chainContract struct {
	Symbol  string          `json:"symbol"`
	Side    string          `json:"side"`
	Strike  decimal.Decimal `json:"strike"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
}

func (c *HTTPClient) GetOptionsChain(ctx context.Context, expiry time.Time) ([]domain.OptionContract, error) {
	q := url.Values{"expiry": {expiry.Format("2006-01-02")}}
	var out []chainContract
	if err := c.do(ctx, http.MethodGet, "/v1/options-chain", q, nil, &out); err != nil {
		return nil, err
	}
	contracts := make([]domain.OptionContract, 0, len(out))
	for _, o := range out {
		side := domain.Call
		if o.Side == "PUT" {
			side = domain.Put
		}
		contracts = append(contracts, domain.OptionContract{
			Symbol: o.Symbol, Side: side, Strike: o.Strike, Expiry: expiry,
			BestBid: o.BestBid, BestAsk: o.BestAsk, BidSize: o.BidSize, AskSize: o.AskSize,
		})
	}
	return contracts, nil
}

func (c *HTTPClient) GetBook(ctx context.Context, symbol string, depth int) (Book, error) {
	q := url.Values{"symbol": {symbol}, "depth": {strconv.Itoa(depth)}}
	var out Book
	if err := c.do(ctx, http.MethodGet, "/v1/book", q, nil, &out); err != nil {
		return Book{}, err
	}
	return out, nil
}

type orderRequest struct {
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Qty    decimal.Decimal `json:"qty"`
	Price  decimal.Decimal `json:"price"`
}

func (c *HTTPClient) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (OrderAck, error) {
	var out OrderAck
	body := orderRequest{Symbol: symbol, Side: string(side), Qty: qty, Price: price}
	if err := c.do(ctx, http.MethodPost, "/v1/orders", nil, body, &out); err != nil {
		return OrderAck{}, err
	}
	return out, nil
}

func (c *HTTPClient) ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (OrderAck, error) {
	var out OrderAck
	body := orderRequest{Symbol: symbol, Qty: qty, Price: price}
	if err := c.do(ctx, http.MethodPut, "/v1/orders/"+orderID, nil, body, &out); err != nil {
		return OrderAck{}, err
	}
	return out, nil
}

func (c *HTTPClient) CancelOrder(ctx context.Context, orderID, symbol string) (OrderAck, error) {
	var out OrderAck
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodDelete, "/v1/orders/"+orderID, q, nil, &out); err != nil {
		return OrderAck{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetOrder(ctx context.Context, orderID, symbol string) (OrderAck, error) {
	var out OrderAck
	q := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/v1/orders/"+orderID, q, nil, &out); err != nil {
		return OrderAck{}, err
	}
	return out, nil
}

var _ Client = (*HTTPClient)(nil)
