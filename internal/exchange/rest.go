package exchange

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
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradepipeline/internal/models"
)

type Auth struct {
	APIKeyHeader string
	APIKey       string
	APISecret    string
	SignRequests bool
	// Optional headers for HMAC mode.
	TimestampHeader string
	SignatureHeader string
}

// RESTClient talks to a JSON venue API. Mutating calls are HMAC-signed when
// Auth.SignRequests is set.
type RESTClient struct {
	host       string
	httpClient *http.Client
	auth       Auth
	now        func() time.Time
}

func NewRESTClient(httpClient *http.Client, host string, auth Auth) *RESTClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTClient{
		host:       strings.TrimRight(strings.TrimSpace(host), "/"),
		httpClient: httpClient,
		auth:       auth,
		now:        time.Now,
	}
}

func (c *RESTClient) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderAck, error) {
	if strings.TrimSpace(spec.ClientOrderID) == "" {
		return OrderAck{}, fmt.Errorf("client order id is required")
	}
	body, err := c.doJSON(ctx, http.MethodPost, "/orders", nil, spec)
	if err != nil {
		return OrderAck{}, err
	}
	ack, err := parseOrderAck(body)
	if err != nil {
		return OrderAck{}, err
	}
	if ack.Status == AckRejected {
		return ack, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}
	return ack, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	exchangeOrderID = strings.TrimSpace(exchangeOrderID)
	if exchangeOrderID == "" {
		return fmt.Errorf("order id is required")
	}
	path := "/orders/" + url.PathEscape(exchangeOrderID) + "/cancel"
	_, err := c.doJSON(ctx, http.MethodPost, path, nil, map[string]any{})
	return err
}

type accountResponse struct {
	TotalValue       decimal.Decimal `json:"total_value"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	UsedMargin       decimal.Decimal `json:"used_margin"`
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	Positions        []struct {
		Symbol        string          `json:"symbol"`
		Side          string          `json:"side"`
		Size          decimal.Decimal `json:"size"`
		EntryPrice    decimal.Decimal `json:"entry_price"`
		MarkPrice     decimal.Decimal `json:"mark_price"`
		Leverage      decimal.Decimal `json:"leverage"`
		UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	} `json:"positions"`
}

func (c *RESTClient) GetAccountState(ctx context.Context) (models.Portfolio, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/account", nil, nil)
	if err != nil {
		return models.Portfolio{}, err
	}
	var resp accountResponse
	if err := json.Unmarshal(unwrapData(body), &resp); err != nil {
		return models.Portfolio{}, fmt.Errorf("decode account: %w", err)
	}
	out := models.Portfolio{
		TotalValue:       resp.TotalValue,
		AvailableBalance: resp.AvailableBalance,
		UsedMargin:       resp.UsedMargin,
		DailyRealizedPnL: resp.DailyRealizedPnL,
		UpdatedAt:        c.now().UTC(),
	}
	for _, p := range resp.Positions {
		side := models.DirectionBuy
		if s := strings.ToUpper(strings.TrimSpace(p.Side)); s == "SELL" || s == "SHORT" {
			side = models.DirectionSell
		}
		out.Positions = append(out.Positions, models.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          p.Size.Abs(),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			Leverage:      p.Leverage,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	return out, nil
}

type candleRow struct {
	Time   json.RawMessage `json:"t"`
	Open   float64         `json:"o"`
	High   float64         `json:"h"`
	Low    float64         `json:"l"`
	Close  float64         `json:"c"`
	Volume float64         `json:"v"`
}

func (c *RESTClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	if timeframe != "" {
		query.Set("interval", timeframe)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doJSON(ctx, http.MethodGet, "/candles", query, nil)
	if err != nil {
		return nil, err
	}
	var rows []candleRow
	if err := json.Unmarshal(unwrapData(body), &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	out := make([]models.Candle, 0, len(rows))
	for _, r := range rows {
		ts, err := parseTimestamp(r.Time)
		if err != nil {
			return nil, fmt.Errorf("decode candle time: %w", err)
		}
		out = append(out, models.Candle{Time: ts, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume})
	}
	return out, nil
}

func (c *RESTClient) doJSON(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("client is nil")
	}
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var body io.Reader
	bodyRaw := []byte{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyRaw = raw
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v := strings.TrimSpace(c.auth.APIKey); v != "" {
		h := strings.TrimSpace(c.auth.APIKeyHeader)
		if h == "" {
			h = "X-API-Key"
		}
		req.Header.Set(h, v)
	}
	if c.auth.SignRequests && strings.TrimSpace(c.auth.APISecret) != "" {
		ts := strconv.FormatInt(c.now().UTC().Unix(), 10)
		th := strings.TrimSpace(c.auth.TimestampHeader)
		if th == "" {
			th = "X-Timestamp"
		}
		sh := strings.TrimSpace(c.auth.SignatureHeader)
		if sh == "" {
			sh = "X-Signature"
		}
		canonicalPath := path
		if len(query) > 0 {
			canonicalPath += "?" + query.Encode()
		}
		req.Header.Set(th, ts)
		req.Header.Set(sh, Sign(c.auth.APISecret, ts, method, canonicalPath, bodyRaw))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// Sign is the request signature: base64(HMAC-SHA256(secret, ts\nMETHOD\npath\nbody)).
func Sign(secret, ts, method, path string, body []byte) string {
	payload := ts + "\n" + strings.ToUpper(strings.TrimSpace(method)) + "\n" + path + "\n" + string(body)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// unwrapData strips a {"data": ...} envelope when present.
func unwrapData(raw []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		return env.Data
	}
	return raw
}

func parseOrderAck(raw []byte) (OrderAck, error) {
	if len(raw) == 0 {
		return OrderAck{}, fmt.Errorf("empty order response")
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return OrderAck{}, err
	}
	// common envelopes: {data:{...}} or {order:{...}}
	if data, ok := root["data"].(map[string]any); ok {
		root = data
	}
	if order, ok := root["order"].(map[string]any); ok {
		root = order
	}
	ack := OrderAck{
		ExchangeOrderID: firstString(root, "order_id", "id", "exchange_order_id"),
		Status:          normalizeStatus(firstString(root, "status", "state")),
		Reason:          firstString(root, "reason", "failure_reason", "error", "message"),
		FilledSize:      firstDecimal(root, "filled_size", "filled_qty", "filled"),
		AvgPrice:        firstDecimal(root, "avg_price", "average_price", "price"),
	}
	if ack.ExchangeOrderID == "" && ack.Status != AckRejected {
		return OrderAck{}, fmt.Errorf("order id missing in response")
	}
	return ack, nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled", "done", "closed":
		return AckFilled
	case "partial", "partially_filled":
		return AckPartial
	case "rejected", "failed":
		return AckRejected
	case "cancelled", "canceled":
		return AckCancelled
	default:
		return AckAccepted
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s := strings.TrimSpace(fmt.Sprintf("%v", v))
			if s != "" && s != "<nil>" {
				return s
			}
		}
	}
	return ""
}

func firstDecimal(m map[string]any, keys ...string) decimal.Decimal {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		s := strings.TrimSpace(fmt.Sprintf("%v", v))
		if s == "" || s == "<nil>" {
			continue
		}
		if d, err := decimal.NewFromString(s); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Millisecond epochs are 13 digits.
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
