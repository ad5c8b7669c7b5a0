package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
)

const (
	okxLiveURL         = "https://www.okx.com"
	okxTimestampLayout = "2006-01-02T15:04:05.000Z"
)

// OKX adapts the OKX v5 REST API (spot, cash trade mode). Requests
// are signed with base64 HMAC-SHA256 over timestamp + method + path +
// body and carry the account passphrase header. Sandbox mode uses the
// simulated-trading header instead of a separate host.
type OKX struct {
	client     *resty.Client
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool
	retry      RetryConfig
	mu         sync.Mutex
}

// OKXConfig configures an OKX connection.
type OKXConfig struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	Testnet    bool
	BaseURL    string // override for tests
	Retry      RetryConfig
}

// NewOKX creates an OKX adapter. Credentials are held for request
// signing only and never logged.
func NewOKX(cfg OKXConfig) *OKX {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = okxLiveURL
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	log.Info().Bool("simulated", cfg.Testnet).Msg("OKX adapter initialized")

	return &OKX{
		client:     client,
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		passphrase: cfg.Passphrase,
		simulated:  cfg.Testnet,
		retry:      cfg.Retry,
	}
}

// Name returns the venue identifier.
func (o *OKX) Name() string {
	return VenueOKX
}

// Test verifies connectivity and credentials with a signed balance
// call.
func (o *OKX) Test(ctx context.Context) error {
	_, err := o.Balances(ctx)
	return err
}

// okxBalance is the account balance payload.
type okxBalance struct {
	Details []struct {
		Ccy       string `json:"ccy"`
		AvailBal  string `json:"availBal"`
		FrozenBal string `json:"frozenBal"`
	} `json:"details"`
}

// Balances returns all non-zero asset balances.
func (o *OKX) Balances(ctx context.Context) ([]Balance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	var accounts []okxBalance
	err := WithRetry(ctx, o.retry, func() error {
		return o.call(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil, &accounts)
	})
	metrics.RecordExchangeAPICall(VenueOKX, "balance", msSince(start), err)
	if err != nil {
		return nil, err
	}

	var balances []Balance
	for _, account := range accounts {
		for _, detail := range account.Details {
			free := parseDecimal(detail.AvailBal)
			locked := parseDecimal(detail.FrozenBal)
			if free.IsZero() && locked.IsZero() {
				continue
			}
			balances = append(balances, Balance{Asset: detail.Ccy, Free: free, Locked: locked})
		}
	}
	return balances, nil
}

// Ticker returns OKX's current price for a symbol.
func (o *OKX) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	query := url.Values{}
	query.Set("instId", okxInstID(symbol))

	start := time.Now()
	var tickers []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
	}
	err := WithRetry(ctx, o.retry, func() error {
		return o.call(ctx, http.MethodGet, "/api/v5/market/ticker", query, nil, &tickers)
	})
	metrics.RecordExchangeAPICall(VenueOKX, "ticker", msSince(start), err)
	if err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, NewError(KindUnknown, VenueOKX, "no price returned for "+symbol)
	}

	price := parseDecimal(tickers[0].Last)
	if !price.IsPositive() {
		return nil, NewError(KindUnknown, VenueOKX, "unparseable price for "+symbol)
	}
	return &Ticker{Symbol: okxSymbol(tickers[0].InstID), Price: price, At: time.Now().UTC()}, nil
}

// PlaceOrder submits a spot order to OKX. Market order size is sent
// in the base currency so buy and sell sizing match the rest of the
// system.
func (o *OKX) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, NewError(KindUnknown, VenueOKX, err.Error())
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	instID := okxInstID(req.Symbol)
	body := map[string]string{
		"instId":  instID,
		"tdMode":  "cash",
		"side":    string(req.Side),
		"ordType": string(req.Type),
		"sz":      req.Quantity.String(),
	}
	if req.Type == OrderTypeLimit {
		body["px"] = req.Price.String()
	} else {
		body["tgtCcy"] = "base_ccy"
	}

	start := time.Now()
	var created []struct {
		OrdID string `json:"ordId"`
	}
	err := WithRetry(ctx, o.retry, func() error {
		return o.call(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, &created)
	})
	metrics.RecordExchangeAPICall(VenueOKX, "place_order", msSince(start), err)
	if err != nil {
		return nil, err
	}
	if len(created) == 0 {
		return nil, NewError(KindUnknown, VenueOKX, "venue returned no order id")
	}

	order, err := o.orderStatus(ctx, created[0].OrdID, instID)
	if err != nil {
		log.Warn().Err(err).Str("order_id", created[0].OrdID).Msg("OKX order placed but status query failed")
		now := time.Now().UTC()
		return &Order{
			ID:        created[0].OrdID,
			Symbol:    strings.ToUpper(req.Symbol),
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
		Msg("Order placed on OKX")

	return order, nil
}

// CancelOrder cancels an open order on OKX.
func (o *OKX) CancelOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	body := map[string]string{
		"instId": okxInstID(symbol),
		"ordId":  orderID,
	}

	start := time.Now()
	var cancelled []struct {
		OrdID string `json:"ordId"`
	}
	err := WithRetry(ctx, o.retry, func() error {
		return o.call(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, &cancelled)
	})
	metrics.RecordExchangeAPICall(VenueOKX, "cancel_order", msSince(start), err)
	if err != nil {
		return nil, err
	}

	log.Info().Str("order_id", orderID).Msg("Order cancelled on OKX")

	now := time.Now().UTC()
	id := orderID
	if len(cancelled) > 0 && cancelled[0].OrdID != "" {
		id = cancelled[0].OrdID
	}
	return &Order{
		ID:        id,
		Symbol:    strings.ToUpper(symbol),
		Status:    OrderStatusCancelled,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// OrderStatus fetches the current state of an order from OKX.
func (o *OKX) OrderStatus(ctx context.Context, orderID, symbol string) (*Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()
	order, err := o.orderStatus(ctx, orderID, okxInstID(symbol))
	metrics.RecordExchangeAPICall(VenueOKX, "order_status", msSince(start), err)
	return order, err
}

// okxOrder is one trade order row.
type okxOrder struct {
	OrdID     string `json:"ordId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	State     string `json:"state"`
	Sz        string `json:"sz"`
	Px        string `json:"px"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
}

// orderStatus queries the trade order endpoint. Callers hold o.mu.
func (o *OKX) orderStatus(ctx context.Context, orderID, instID string) (*Order, error) {
	query := url.Values{}
	query.Set("instId", instID)
	query.Set("ordId", orderID)

	var orders []okxOrder
	err := WithRetry(ctx, o.retry, func() error {
		return o.call(ctx, http.MethodGet, "/api/v5/trade/order", query, nil, &orders)
	})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, NewError(KindUnknown, VenueOKX, "order not found: "+orderID)
	}
	return convertOKXOrder(orders[0]), nil
}

// call performs one signed request against the v5 API and decodes the
// data payload into result.
func (o *OKX) call(ctx context.Context, method, path string, query url.Values, body any, result any) error {
	requestPath := path
	if query != nil && len(query) > 0 {
		requestPath = path + "?" + query.Encode()
	}

	var rawBody []byte
	if body != nil {
		var err error
		rawBody, err = json.Marshal(body)
		if err != nil {
			return WrapError(KindUnknown, VenueOKX, "request encoding failed", err)
		}
	}

	timestamp := time.Now().UTC().Format(okxTimestampLayout)
	payload := timestamp + method + requestPath + string(rawBody)
	sign := hmacBase64(o.secretKey, payload)

	req := o.client.R().
		SetContext(ctx).
		SetHeader("OK-ACCESS-KEY", o.apiKey).
		SetHeader("OK-ACCESS-SIGN", sign).
		SetHeader("OK-ACCESS-TIMESTAMP", timestamp).
		SetHeader("OK-ACCESS-PASSPHRASE", o.passphrase)
	if o.simulated {
		req = req.SetHeader("x-simulated-trading", "1")
	}

	var resp *resty.Response
	var err error
	if method == http.MethodPost {
		resp, err = req.
			SetHeader("Content-Type", "application/json").
			SetBody(rawBody).
			Post(requestPath)
	} else {
		resp, err = req.Get(requestPath)
	}
	if err != nil {
		return Classify(VenueOKX, err)
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		switch {
		case resp.StatusCode() == http.StatusUnauthorized:
			return NewError(KindAuth, VenueOKX, "credentials rejected")
		case resp.StatusCode() == http.StatusTooManyRequests:
			return NewError(KindRateLimit, VenueOKX, "rate limited")
		case resp.StatusCode() >= http.StatusInternalServerError:
			return NewError(KindNetwork, VenueOKX, fmt.Sprintf("venue returned status %d", resp.StatusCode()))
		default:
			return WrapError(KindUnknown, VenueOKX, "unparseable response", err)
		}
	}

	if envelope.Code != "0" {
		// Trade endpoints carry a per-order code inside data that is
		// more specific than the envelope code.
		var failures []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		}
		if len(envelope.Data) > 0 {
			_ = json.Unmarshal(envelope.Data, &failures)
		}
		if len(failures) > 0 && failures[0].SCode != "" && failures[0].SCode != "0" {
			return classifyOKX(failures[0].SCode, failures[0].SMsg)
		}
		return classifyOKX(envelope.Code, envelope.Msg)
	}

	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return WrapError(KindUnknown, VenueOKX, "unparseable data payload", err)
		}
	}
	return nil
}

// classifyOKX translates v5 error codes into the taxonomy.
func classifyOKX(code, msg string) *Error {
	cause := fmt.Errorf("code %s: %s", code, msg)

	switch code {
	case "50105", "50111", "50113":
		return WrapError(KindAuth, VenueOKX, "credentials rejected", cause)
	case "50011":
		return WrapError(KindRateLimit, VenueOKX, "rate limited", cause)
	case "50001", "50013", "50102":
		return WrapError(KindNetwork, VenueOKX, "venue unavailable", cause)
	case "51008", "51119":
		return WrapError(KindInsufficientFunds, VenueOKX, "insufficient funds", cause)
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"):
		return WrapError(KindInsufficientFunds, VenueOKX, "insufficient funds", cause)
	case strings.Contains(lower, "suspended") || strings.Contains(lower, "not currently trading"):
		return WrapError(KindMarketClosed, VenueOKX, "market closed", cause)
	default:
		return WrapError(KindUnknown, VenueOKX, "venue rejected request", cause)
	}
}

func convertOKXOrder(row okxOrder) *Order {
	order := &Order{
		ID:           row.OrdID,
		Symbol:       okxSymbol(row.InstID),
		Side:         OrderSideBuy,
		Type:         OrderTypeMarket,
		Quantity:     parseDecimal(row.Sz),
		Price:        parseDecimal(row.Px),
		FilledQty:    parseDecimal(row.AccFillSz),
		AvgFillPrice: parseDecimal(row.AvgPx),
		Status:       convertOKXState(row.State),
		CreatedAt:    parseMilliString(row.CTime),
		UpdatedAt:    parseMilliString(row.UTime),
	}
	if strings.EqualFold(row.Side, "sell") {
		order.Side = OrderSideSell
	}
	if strings.EqualFold(row.OrdType, "limit") {
		order.Type = OrderTypeLimit
	}
	if order.Status == OrderStatusFilled {
		filledAt := order.UpdatedAt
		order.FilledAt = &filledAt
	}
	return order
}

func convertOKXState(state string) OrderStatus {
	switch state {
	case "live", "partially_filled":
		return OrderStatusOpen
	case "filled":
		return OrderStatusFilled
	case "canceled", "mkt_canceled":
		return OrderStatusCancelled
	default:
		return OrderStatusPending
	}
}

// okxInstID converts a flat pair symbol to OKX's dashed instrument id
// (BTCUSDT -> BTC-USDT). Symbols already containing a dash pass
// through.
func okxInstID(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(symbol, "-") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	return symbol
}

// okxSymbol converts an OKX instrument id back to the flat symbol
// used across the system.
func okxSymbol(instID string) string {
	return strings.ReplaceAll(strings.ToUpper(instID), "-", "")
}

func hmacBase64(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
