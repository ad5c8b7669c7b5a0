package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
)

const (
	bybitLiveURL    = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
)

// Bybit adapts the Bybit v5 REST API (spot category). Requests are
// signed with HMAC-SHA256 over timestamp + key + recv window +
// payload per the v5 authentication scheme.
type Bybit struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	retry     RetryConfig
	mu        sync.Mutex
}

// BybitConfig configures a Bybit connection.
type BybitConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string // override for tests
	Retry     RetryConfig
}

// NewBybit creates a Bybit adapter. Credentials are held for request
// signing only and never logged.
func NewBybit(cfg BybitConfig) *Bybit {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = bybitLiveURL
		if cfg.Testnet {
			baseURL = bybitTestnetURL
		}
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	log.Info().Bool("testnet", cfg.Testnet).Msg("Bybit adapter initialized")

	return &Bybit{
		client:    client,
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		retry:     cfg.Retry,
	}
}

// Name returns the venue identifier.
func (b *Bybit) Name() string {
	return VenueBybit
}

// Test verifies connectivity and credentials with a signed wallet
// call.
func (b *Bybit) Test(ctx context.Context) error {
	_, err := b.Balances(ctx)
	return err
}

// bybitWallet is the wallet-balance result payload.
type bybitWallet struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

// Balances returns all non-zero asset balances from the unified
// account.
func (b *Bybit) Balances(ctx context.Context) ([]Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	query := url.Values{}
	query.Set("accountType", "UNIFIED")

	start := time.Now()
	var wallet bybitWallet
	err := WithRetry(ctx, b.retry, func() error {
		return b.call(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, &wallet)
	})
	metrics.RecordExchangeAPICall(VenueBybit, "wallet_balance", msSince(start), err)
	if err != nil {
		return nil, err
	}

	var balances []Balance
	for _, account := range wallet.List {
		for _, coin := range account.Coin {
			total := parseDecimal(coin.WalletBalance)
			locked := parseDecimal(coin.Locked)
			free := total.Sub(locked)
			if total.IsZero() {
				continue
			}
			balances = append(balances, Balance{Asset: coin.Coin, Free: free, Locked: locked})
		}
	}
	return balances, nil
}

// bybitTickers is the market tickers result payload.
type bybitTickers struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// Ticker returns Bybit's current spot price for a symbol.
func (b *Bybit) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)

	start := time.Now()
	var tickers bybitTickers
	err := WithRetry(ctx, b.retry, func() error {
		return b.call(ctx, http.MethodGet, "/v5/market/tickers", query, nil, &tickers)
	})
	metrics.RecordExchangeAPICall(VenueBybit, "ticker", msSince(start), err)
	if err != nil {
		return nil, err
	}
	if len(tickers.List) == 0 {
		return nil, NewError(KindUnknown, VenueBybit, "no price returned for "+symbol)
	}

	price := parseDecimal(tickers.List[0].LastPrice)
	if !price.IsPositive() {
		return nil, NewError(KindUnknown, VenueBybit, "unparseable price for "+symbol)
	}
	return &Ticker{Symbol: tickers.List[0].Symbol, Price: price, At: time.Now().UTC()}, nil
}

// PlaceOrder submits a spot order to Bybit. Market order quantity is
// sent in the base coin so buy and sell sizing match the rest of the
// system.
func (b *Bybit) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, NewError(KindUnknown, VenueBybit, err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	body := map[string]string{
		"category":  "spot",
		"symbol":    req.Symbol,
		"side":      bybitSide(req.Side),
		"orderType": bybitOrderType(req.Type),
		"qty":       req.Quantity.String(),
	}
	if req.Type == OrderTypeLimit {
		body["price"] = req.Price.String()
		body["timeInForce"] = "GTC"
	} else {
		body["marketUnit"] = "baseCoin"
	}

	start := time.Now()
	var created struct {
		OrderID string `json:"orderId"`
	}
	err := WithRetry(ctx, b.retry, func() error {
		return b.call(ctx, http.MethodPost, "/v5/order/create", nil, body, &created)
	})
	metrics.RecordExchangeAPICall(VenueBybit, "place_order", msSince(start), err)
	if err != nil {
		return nil, err
	}

	order, err := b.orderStatus(ctx, created.OrderID, req.Symbol)
	if err != nil {
		// The order exists even if the follow-up query failed; report
		// what the venue confirmed.
		log.Warn().Err(err).Str("order_id", created.OrderID).Msg("Bybit order placed but status query failed")
		now := time.Now().UTC()
		return &Order{
			ID:        created.OrderID,
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Quantity:  req.Quantity,
			Price:     req.Price,
			Status:    OrderStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("status", string(order.Status)).
		Msg("Order placed on Bybit")

	return order, nil
}

// CancelOrder cancels an open spot order on Bybit.
func (b *Bybit) CancelOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	body := map[string]string{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	start := time.Now()
	var cancelled struct {
		OrderID string `json:"orderId"`
	}
	err := WithRetry(ctx, b.retry, func() error {
		return b.call(ctx, http.MethodPost, "/v5/order/cancel", nil, body, &cancelled)
	})
	metrics.RecordExchangeAPICall(VenueBybit, "cancel_order", msSince(start), err)
	if err != nil {
		return nil, err
	}

	log.Info().Str("order_id", orderID).Msg("Order cancelled on Bybit")

	now := time.Now().UTC()
	return &Order{
		ID:        cancelled.OrderID,
		Symbol:    symbol,
		Status:    OrderStatusCancelled,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// OrderStatus fetches the current state of an order from Bybit.
func (b *Bybit) OrderStatus(ctx context.Context, orderID, symbol string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	order, err := b.orderStatus(ctx, orderID, symbol)
	metrics.RecordExchangeAPICall(VenueBybit, "order_status", msSince(start), err)
	return order, err
}

// bybitOrder is one realtime order row.
type bybitOrder struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

// orderStatus queries the realtime order endpoint. Callers hold b.mu.
func (b *Bybit) orderStatus(ctx context.Context, orderID, symbol string) (*Order, error) {
	query := url.Values{}
	query.Set("category", "spot")
	query.Set("symbol", symbol)
	query.Set("orderId", orderID)

	var result struct {
		List []bybitOrder `json:"list"`
	}
	err := WithRetry(ctx, b.retry, func() error {
		return b.call(ctx, http.MethodGet, "/v5/order/realtime", query, nil, &result)
	})
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, NewError(KindUnknown, VenueBybit, "order not found: "+orderID)
	}
	return convertBybitOrder(result.List[0]), nil
}

// call performs one signed request against the v5 API and decodes the
// result envelope into result.
func (b *Bybit) call(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var rawQuery string
	if query != nil {
		rawQuery = query.Encode()
	}
	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return WrapError(KindUnknown, VenueBybit, "request encoding failed", err)
		}
	}

	payload := rawQuery
	if method == http.MethodPost {
		payload = string(rawBody)
	}
	sign := hmacHex(b.secretKey, timestamp+b.apiKey+bybitRecvWindow+payload)

	req := b.client.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", b.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWindow).
		SetHeader("X-BAPI-SIGN", sign)

	var resp *resty.Response
	var err error
	if method == http.MethodPost {
		resp, err = req.
			SetHeader("Content-Type", "application/json").
			SetBody(rawBody).
			Post(path)
	} else {
		if rawQuery != "" {
			req = req.SetQueryString(rawQuery)
		}
		resp, err = req.Get(path)
	}
	if err != nil {
		return Classify(VenueBybit, err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return NewError(KindAuth, VenueBybit, "credentials rejected")
	case resp.StatusCode() == http.StatusForbidden, resp.StatusCode() == http.StatusTooManyRequests:
		return NewError(KindRateLimit, VenueBybit, "rate limited")
	case resp.StatusCode() >= http.StatusInternalServerError:
		return NewError(KindNetwork, VenueBybit, fmt.Sprintf("venue returned status %d", resp.StatusCode()))
	case resp.StatusCode() != http.StatusOK:
		return NewError(KindUnknown, VenueBybit, fmt.Sprintf("venue returned status %d", resp.StatusCode()))
	}

	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return WrapError(KindUnknown, VenueBybit, "unparseable response", err)
	}
	if envelope.RetCode != 0 {
		return classifyBybit(envelope.RetCode, envelope.RetMsg)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return WrapError(KindUnknown, VenueBybit, "unparseable result payload", err)
		}
	}
	return nil
}

// classifyBybit translates v5 retCode values into the taxonomy.
func classifyBybit(code int, msg string) *Error {
	cause := fmt.Errorf("retCode %d: %s", code, msg)

	switch code {
	case 10003, 10004, 10005, 33004:
		return WrapError(KindAuth, VenueBybit, "credentials rejected", cause)
	case 10006, 10018:
		return WrapError(KindRateLimit, VenueBybit, "rate limited", cause)
	case 10002, 10016:
		return WrapError(KindNetwork, VenueBybit, "venue unavailable", cause)
	case 110004, 110007, 110012, 170131:
		return WrapError(KindInsufficientFunds, VenueBybit, "insufficient funds", cause)
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return WrapError(KindInsufficientFunds, VenueBybit, "insufficient funds", cause)
	case strings.Contains(lower, "market is closed") || strings.Contains(lower, "not trading"):
		return WrapError(KindMarketClosed, VenueBybit, "market closed", cause)
	default:
		return WrapError(KindUnknown, VenueBybit, "venue rejected request", cause)
	}
}

func convertBybitOrder(row bybitOrder) *Order {
	executedQty := parseDecimal(row.CumExecQty)

	order := &Order{
		ID:           row.OrderID,
		Symbol:       row.Symbol,
		Side:         OrderSideBuy,
		Type:         OrderTypeMarket,
		Quantity:     parseDecimal(row.Qty),
		Price:        parseDecimal(row.Price),
		FilledQty:    executedQty,
		AvgFillPrice: parseDecimal(row.AvgPrice),
		Status:       convertBybitStatus(row.OrderStatus),
		CreatedAt:    parseMilliString(row.CreatedTime),
		UpdatedAt:    parseMilliString(row.UpdatedTime),
	}
	if strings.EqualFold(row.Side, "Sell") {
		order.Side = OrderSideSell
	}
	if strings.EqualFold(row.OrderType, "Limit") {
		order.Type = OrderTypeLimit
	}
	if order.Status == OrderStatusFilled {
		filledAt := order.UpdatedAt
		order.FilledAt = &filledAt
	}
	return order
}

func convertBybitStatus(status string) OrderStatus {
	switch status {
	case "New", "PartiallyFilled":
		return OrderStatusOpen
	case "Filled":
		return OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return OrderStatusCancelled
	case "Rejected":
		return OrderStatusRejected
	default:
		return OrderStatusPending
	}
}

func bybitSide(side OrderSide) string {
	if side == OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitOrderType(orderType OrderType) string {
	if orderType == OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

// parseMilliString parses a millisecond epoch string, zero time on
// failure.
func parseMilliString(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func hmacHex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
