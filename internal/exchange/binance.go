package exchange

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/neontrader/backend/internal/metrics"
)

const binanceTestnetURL = "https://testnet.binance.vision"

// Binance adapts the adshao SDK to the Exchange interface.
type Binance struct {
	client *binance.Client
	retry  RetryConfig
	mu     sync.Mutex
}

// BinanceConfig configures a Binance connection.
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
	BaseURL   string // override for tests; empty uses the SDK default
	Retry     RetryConfig
}

// NewBinance creates a Binance adapter. Credentials stay inside the
// SDK client and never reach a log line. The base URL is set per
// client rather than through the SDK's global testnet switch so
// sandbox and live adapters can coexist.
func NewBinance(cfg BinanceConfig) *Binance {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		client.BaseURL = binanceTestnetURL
	}

	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	log.Info().Bool("testnet", cfg.Testnet).Msg("Binance adapter initialized")

	return &Binance{client: client, retry: cfg.Retry}
}

// Name returns the venue identifier.
func (b *Binance) Name() string {
	return VenueBinance
}

// Test verifies connectivity and credentials with a signed account
// call.
func (b *Binance) Test(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	err := WithRetry(ctx, b.retry, func() error {
		_, doErr := b.client.NewGetAccountService().Do(ctx)
		return classifyBinance(doErr)
	})
	metrics.RecordExchangeAPICall(VenueBinance, "account", msSince(start), err)
	return err
}

// Balances returns all non-zero asset balances.
func (b *Binance) Balances(ctx context.Context) ([]Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	var account *binance.Account
	err := WithRetry(ctx, b.retry, func() error {
		var doErr error
		account, doErr = b.client.NewGetAccountService().Do(ctx)
		return classifyBinance(doErr)
	})
	metrics.RecordExchangeAPICall(VenueBinance, "account", msSince(start), err)
	if err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(account.Balances))
	for _, ab := range account.Balances {
		free, freeErr := decimal.NewFromString(ab.Free)
		locked, lockedErr := decimal.NewFromString(ab.Locked)
		if freeErr != nil || lockedErr != nil {
			continue
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, Balance{Asset: ab.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// Ticker returns Binance's current price for a symbol.
func (b *Binance) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	var prices []*binance.SymbolPrice
	err := WithRetry(ctx, b.retry, func() error {
		var doErr error
		prices, doErr = b.client.NewListPricesService().Symbol(symbol).Do(ctx)
		return classifyBinance(doErr)
	})
	metrics.RecordExchangeAPICall(VenueBinance, "ticker", msSince(start), err)
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, NewError(KindUnknown, VenueBinance, "no price returned for "+symbol)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return nil, WrapError(KindUnknown, VenueBinance, "unparseable price", err)
	}
	return &Ticker{Symbol: prices[0].Symbol, Price: price, At: time.Now().UTC()}, nil
}

// PlaceOrder submits an order to Binance.
func (b *Binance) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, NewError(KindUnknown, VenueBinance, err.Error())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	side := binance.SideTypeBuy
	if req.Side == OrderSideSell {
		side = binance.SideTypeSell
	}

	start := time.Now()
	var res *binance.CreateOrderResponse
	err := WithRetry(ctx, b.retry, func() error {
		svc := b.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(side).
			Quantity(req.Quantity.StringFixed(8))
		if req.Type == OrderTypeMarket {
			svc = svc.Type(binance.OrderTypeMarket)
		} else {
			svc = svc.Type(binance.OrderTypeLimit).
				TimeInForce(binance.TimeInForceTypeGTC).
				Price(req.Price.StringFixed(8))
		}

		var doErr error
		res, doErr = svc.Do(ctx)
		return classifyBinance(doErr)
	})
	metrics.RecordExchangeAPICall(VenueBinance, "place_order", msSince(start), err)
	if err != nil {
		return nil, err
	}

	order := convertBinanceCreate(res, req)

	log.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("status", string(order.Status)).
		Msg("Order placed on Binance")

	return order, nil
}

// CancelOrder cancels an open order on Binance.
func (b *Binance) CancelOrder(ctx context.Context, orderID, symbol string) (*Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, NewError(KindUnknown, VenueBinance, "malformed order id: "+orderID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	var res *binance.CancelOrderResponse
	err = WithRetry(ctx, b.retry, func() error {
		var doErr error
		res, doErr = b.client.NewCancelOrderService().
			Symbol(symbol).
			OrderID(id).
			Do(ctx)
		return classifyBinance(doErr)
	})
	metrics.RecordExchangeAPICall(VenueBinance, "cancel_order", msSince(start), err)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	executedQty := parseDecimal(res.ExecutedQuantity)
	order := &Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		Symbol:       res.Symbol,
		Side:         convertBinanceSide(res.Side),
		Type:         convertBinanceType(res.Type),
		Quantity:     parseDecimal(res.OrigQuantity),
		Price:        parseDecimal(res.Price),
		FilledQty:    executedQty,
		AvgFillPrice: avgFillPrice(parseDecimal(res.CummulativeQuoteQuantity), executedQty),
		Status:       convertBinanceStatus(res.Status),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	log.Info().Str("order_id", order.ID).Msg("Order cancelled on Binance")

	return order, nil
}

// OrderStatus fetches the current state of an order from Binance.
func (b *Binance) OrderStatus(ctx context.Context, orderID, symbol string) (*Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, NewError(KindUnknown, VenueBinance, "malformed order id: "+orderID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := time.Now()
	var res *binance.Order
	err = WithRetry(ctx, b.retry, func() error {
		var doErr error
		res, doErr = b.client.NewGetOrderService().
			Symbol(symbol).
			OrderID(id).
			Do(ctx)
		return classifyBinance(doErr)
	})
	metrics.RecordExchangeAPICall(VenueBinance, "order_status", msSince(start), err)
	if err != nil {
		return nil, err
	}

	return convertBinanceOrder(res), nil
}

// classifyBinance translates SDK failures into the taxonomy. The SDK
// surfaces venue rejections as common.APIError with a numeric code.
func classifyBinance(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return Classify(VenueBinance, err)
	}

	msg := strings.ToLower(apiErr.Message)
	switch apiErr.Code {
	case -2014, -2015, -1022, -1002:
		return WrapError(KindAuth, VenueBinance, "credentials rejected", err)
	case -1003, -1015:
		return WrapError(KindRateLimit, VenueBinance, "rate limited", err)
	case -1001, -1021:
		return WrapError(KindNetwork, VenueBinance, "venue unavailable", err)
	case -2010, -2018, -2019:
		// -2010 covers several order rejections; insufficient balance
		// is the one worth distinguishing.
		if strings.Contains(msg, "insufficient") {
			return WrapError(KindInsufficientFunds, VenueBinance, "insufficient funds", err)
		}
	}

	switch {
	case strings.Contains(msg, "insufficient"):
		return WrapError(KindInsufficientFunds, VenueBinance, "insufficient funds", err)
	case strings.Contains(msg, "market is closed"):
		return WrapError(KindMarketClosed, VenueBinance, "market closed", err)
	case strings.Contains(msg, "too many requests"):
		return WrapError(KindRateLimit, VenueBinance, "rate limited", err)
	default:
		return WrapError(KindUnknown, VenueBinance, "venue rejected request", err)
	}
}

func convertBinanceCreate(res *binance.CreateOrderResponse, req PlaceOrderRequest) *Order {
	now := time.Now().UTC()
	executedQty := parseDecimal(res.ExecutedQuantity)

	order := &Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		Symbol:       res.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		FilledQty:    executedQty,
		AvgFillPrice: avgFillPrice(parseDecimal(res.CummulativeQuoteQuantity), executedQty),
		Status:       convertBinanceStatus(res.Status),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if order.Status == OrderStatusFilled {
		order.FilledAt = &now
	}
	return order
}

func convertBinanceOrder(res *binance.Order) *Order {
	now := time.Now().UTC()
	executedQty := parseDecimal(res.ExecutedQuantity)

	order := &Order{
		ID:           strconv.FormatInt(res.OrderID, 10),
		Symbol:       res.Symbol,
		Side:         convertBinanceSide(res.Side),
		Type:         convertBinanceType(res.Type),
		Quantity:     parseDecimal(res.OrigQuantity),
		Price:        parseDecimal(res.Price),
		FilledQty:    executedQty,
		AvgFillPrice: avgFillPrice(parseDecimal(res.CummulativeQuoteQuantity), executedQty),
		Status:       convertBinanceStatus(res.Status),
		CreatedAt:    time.UnixMilli(res.Time).UTC(),
		UpdatedAt:    time.UnixMilli(res.UpdateTime).UTC(),
	}
	if order.Status == OrderStatusFilled {
		filledAt := order.UpdatedAt
		order.FilledAt = &filledAt
	}
	if order.CreatedAt.Unix() <= 0 {
		order.CreatedAt = now
		order.UpdatedAt = now
	}
	return order
}

func convertBinanceStatus(status binance.OrderStatusType) OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return OrderStatusOpen
	case binance.OrderStatusTypeFilled:
		return OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		return OrderStatusPending
	}
}

func convertBinanceSide(side binance.SideType) OrderSide {
	if side == binance.SideTypeSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

func convertBinanceType(orderType binance.OrderType) OrderType {
	if orderType == binance.OrderTypeLimit {
		return OrderTypeLimit
	}
	return OrderTypeMarket
}

// avgFillPrice derives the average price from the venue's cumulative
// quote quantity. Zero executed quantity yields zero.
func avgFillPrice(cumQuote, executedQty decimal.Decimal) decimal.Decimal {
	if executedQty.IsZero() {
		return decimal.Zero
	}
	return cumQuote.Div(executedQty)
}

// parseDecimal parses venue-reported numeric strings, treating
// unparseable values as zero.
func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}
