package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	httpClient "github.com/Alias1177/Trader/internal/platform/http"
	"github.com/Alias1177/Trader/models"
)

const defaultBaseURL = "https://api.kraken.com"

// supportedIntervals are the OHLC intervals Kraken serves, in minutes
var supportedIntervals = map[int]bool{1: true, 5: true, 15: true, 30: true, 60: true, 240: true, 1440: true, 10080: true, 21600: true}

// ClientOptions holds options for creating a new Kraken client
type ClientOptions struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	RequestTimeout time.Duration
	RequestsPerSec float64
}

// Client is the Kraken REST API client
type Client struct {
	apiKey     string
	secret     []byte
	baseURL    string
	httpClient *httpClient.Client
	nonce      atomic.Int64
	logger     zerolog.Logger
}

// NewClient creates a new Kraken API client. Credentials may be empty when
// only public market data is needed.
func NewClient(options ClientOptions) (*Client, error) {
	var secret []byte
	if options.APISecret != "" {
		decoded, err := base64.StdEncoding.DecodeString(options.APISecret)
		if err != nil {
			return nil, fmt.Errorf("decoding api secret: %w", err)
		}
		secret = decoded
	}
	if options.BaseURL == "" {
		options.BaseURL = defaultBaseURL
	}

	c := &Client{
		apiKey:  options.APIKey,
		secret:  secret,
		baseURL: strings.TrimRight(options.BaseURL, "/"),
		httpClient: httpClient.NewClient(httpClient.ClientOptions{
			Timeout:        options.RequestTimeout,
			RequestsPerSec: options.RequestsPerSec,
		}),
		logger: log.With().Str("component", "kraken_client").Logger(),
	}
	c.nonce.Store(time.Now().UnixMilli())
	return c, nil
}

type response struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// FetchCandles returns up to lookback most recent candles, oldest first
func (c *Client) FetchCandles(ctx context.Context, pair string, timeframeMinutes, lookback int) ([]models.Candle, error) {
	if !supportedIntervals[timeframeMinutes] {
		return nil, fmt.Errorf("unsupported interval %d minutes: %w", timeframeMinutes, models.ErrExchangeRejected)
	}

	params := url.Values{}
	params.Set("pair", pair)
	params.Set("interval", strconv.Itoa(timeframeMinutes))

	raw, err := c.public(ctx, "/0/public/OHLC", params)
	if err != nil {
		return nil, fmt.Errorf("fetching OHLC for %s: %w", pair, err)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing OHLC result: %w", err)
	}

	var rows [][]json.RawMessage
	for key, value := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(value, &rows); err != nil {
			return nil, fmt.Errorf("parsing OHLC rows for %s: %w", key, err)
		}
		break
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("empty OHLC data for %s", pair)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseOHLCRow(row)
		if err != nil {
			return nil, fmt.Errorf("parsing OHLC row for %s: %w", pair, err)
		}
		candles = append(candles, candle)
	}

	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	if lookback > 0 && len(candles) > lookback {
		candles = candles[len(candles)-lookback:]
	}

	c.logger.Debug().Str("pair", pair).Int("count", len(candles)).Msg("Fetched candles")
	return candles, nil
}

// parseOHLCRow decodes [time, open, high, low, close, vwap, volume, count]
func parseOHLCRow(row []json.RawMessage) (models.Candle, error) {
	if len(row) < 7 {
		return models.Candle{}, fmt.Errorf("expected 8 fields, got %d", len(row))
	}
	var ts int64
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return models.Candle{}, fmt.Errorf("timestamp: %w", err)
	}

	values := make([]float64, 5)
	for i, idx := range []int{1, 2, 3, 4, 6} {
		var s string
		if err := json.Unmarshal(row[idx], &s); err != nil {
			return models.Candle{}, fmt.Errorf("field %d: %w", idx, err)
		}
		v, err := parseDecimal(s)
		if err != nil {
			return models.Candle{}, fmt.Errorf("field %d: %w", idx, err)
		}
		values[i] = v
	}

	return models.Candle{
		Timestamp: time.Unix(ts, 0).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
	}, nil
}

func parseDecimal(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

// PlaceOrder submits a market order and looks up its average fill price.
// When the fill is not reported yet the request price is used.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	volume := decimal.NewFromFloat(req.Size).Truncate(8)
	if !volume.IsPositive() {
		return nil, fmt.Errorf("order volume %v rounds to zero: %w", req.Size, models.ErrExchangeRejected)
	}

	params := url.Values{}
	params.Set("pair", req.Pair)
	params.Set("type", string(req.Side))
	params.Set("ordertype", "market")
	params.Set("volume", volume.String())
	if req.ClientRef != "" {
		params.Set("cl_ord_id", req.ClientRef)
	}
	if req.Reduce {
		params.Set("reduce_only", "true")
	}

	raw, err := c.private(ctx, "/0/private/AddOrder", params)
	if err != nil {
		return nil, fmt.Errorf("placing %s order for %s: %w", req.Side, req.Pair, err)
	}

	var added struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &added); err != nil {
		return nil, fmt.Errorf("parsing AddOrder result: %w", err)
	}
	if len(added.TxID) == 0 {
		return nil, fmt.Errorf("AddOrder returned no txid: %w", models.ErrExchangeRejected)
	}

	size, _ := volume.Float64()
	result := &models.OrderResult{
		OrderID:   added.TxID[0],
		Pair:      req.Pair,
		Side:      req.Side,
		Size:      size,
		FillPrice: req.Price,
		FilledAt:  time.Now().UTC(),
	}

	price, err := c.averagePrice(ctx, result.OrderID)
	if err != nil {
		c.logger.Warn().Err(err).Str("txid", result.OrderID).Msg("Could not query fill price, using reference price")
	} else if price > 0 {
		result.FillPrice = price
	}

	c.logger.Info().
		Str("txid", result.OrderID).
		Str("pair", req.Pair).
		Str("side", string(req.Side)).
		Str("volume", volume.String()).
		Float64("fill_price", result.FillPrice).
		Msg("Order placed")
	return result, nil
}

func (c *Client) averagePrice(ctx context.Context, txid string) (float64, error) {
	params := url.Values{}
	params.Set("txid", txid)
	raw, err := c.private(ctx, "/0/private/QueryOrders", params)
	if err != nil {
		return 0, err
	}

	var orders map[string]struct {
		Status string `json:"status"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(raw, &orders); err != nil {
		return 0, fmt.Errorf("parsing QueryOrders result: %w", err)
	}
	order, ok := orders[txid]
	if !ok || order.Price == "" {
		return 0, nil
	}
	return parseDecimal(order.Price)
}

// GetBalance returns available balances per asset
func (c *Client) GetBalance(ctx context.Context) (models.Balance, error) {
	raw, err := c.private(ctx, "/0/private/Balance", url.Values{})
	if err != nil {
		return nil, fmt.Errorf("fetching balance: %w", err)
	}

	var result map[string]string
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parsing balance: %w", err)
	}

	balance := make(models.Balance, len(result))
	for asset, amount := range result {
		v, err := parseDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("parsing balance for %s: %w", asset, err)
		}
		balance[asset] = v
	}
	return balance, nil
}

func (c *Client) public(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.do(ctx, req)
}

func (c *Client) private(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.apiKey == "" || len(c.secret) == 0 {
		return nil, errors.New("kraken api credentials are not configured")
	}

	nonce := strconv.FormatInt(c.nonce.Add(1), 10)
	params.Set("nonce", nonce)
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	req.Header.Set("API-Key", c.apiKey)
	req.Header.Set("API-Sign", Sign(path, nonce, body, c.secret))
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.DoRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %v: %w", err, models.ErrNetwork)
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		c.logger.Error().Err(err).Str("response", string(body)).Msg("Error parsing JSON")
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if len(r.Error) > 0 {
		c.logger.Error().Strs("errors", r.Error).Str("path", req.URL.Path).Msg("Kraken API error")
		return nil, classify(r.Error)
	}
	return r.Result, nil
}

// classify maps Kraken error strings onto the exchange error kinds
func classify(errs []string) error {
	msg := strings.Join(errs, "; ")
	switch {
	case strings.Contains(msg, "EAPI:Rate limit exceeded"), strings.Contains(msg, "EOrder:Rate limit exceeded"):
		return fmt.Errorf("%s: %w", msg, models.ErrRateLimit)
	case strings.Contains(msg, "EService:Unavailable"), strings.Contains(msg, "EService:Busy"), strings.Contains(msg, "EGeneral:Temporary lockout"):
		return fmt.Errorf("%s: %w", msg, models.ErrNetwork)
	case strings.Contains(msg, "EOrder:Insufficient funds"):
		return fmt.Errorf("%s: %w", msg, models.ErrInsufficientFunds)
	}
	return fmt.Errorf("%s: %w", msg, models.ErrExchangeRejected)
}

// Sign computes the API-Sign header: base64(HMAC-SHA512(path + SHA256(nonce + body), secret))
func Sign(path, nonce, body string, secret []byte) string {
	sha := sha256.Sum256([]byte(nonce + body))

	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
