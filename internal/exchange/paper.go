package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

const (
	paperConnectAttempts     = 4
	paperMaxStreamReconnect  = 30 * time.Second
	paperStreamChannelBuffer = 256
)

// PaperAdapter talks to an Alpaca-compatible brokerage REST API. The same
// implementation serves paper and live trading; only the credentials and
// base URL differ.
type PaperAdapter struct {
	logger *zap.Logger
	creds  Credentials
	http   *resty.Client

	mu        sync.RWMutex
	connected bool
}

// NewPaperAdapter creates a disconnected adapter.
func NewPaperAdapter(logger *zap.Logger, creds Credentials) *PaperAdapter {
	httpClient := resty.New().
		SetBaseURL(creds.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("APCA-API-KEY-ID", creds.APIKey).
		SetHeader("APCA-API-SECRET-KEY", creds.APISecret)

	return &PaperAdapter{
		logger: logger.With(zap.String("component", "paper-adapter"), zap.Bool("paper", creds.Paper)),
		creds:  creds,
		http:   httpClient,
	}
}

// Connect verifies the account is active. Transport failures are retried
// with exponential backoff; an inactive account fails immediately.
func (a *PaperAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	backoffCfg := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 0; attempt < paperConnectAttempts; attempt++ {
		account, err := a.fetchAccount(ctx)
		if err == nil {
			if !account.Active {
				return &Error{Kind: ErrKindConnection, Code: "account_inactive", Message: "brokerage account is not active"}
			}
			a.connected = true
			a.logger.Info("connected to brokerage",
				zap.String("account_id", account.ID),
				zap.String("equity", account.Equity.String()))
			return nil
		}
		lastErr = err
		if e, ok := AsError(err); ok && !e.Retryable() {
			return err
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		a.logger.Warn("connect attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("sleep", sleep),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return connErr("connect failed", lastErr)
}

// Disconnect drops the connected flag. The underlying HTTP client is
// stateless.
func (a *PaperAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

// Connected reports the connection state.
func (a *PaperAdapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *PaperAdapter) assertConnected() error {
	if !a.Connected() {
		return types.ErrNotConnected
	}
	return nil
}

// wireOrder is the brokerage order representation.
type wireOrder struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Qty            string     `json:"qty"`
	LimitPrice     *string    `json:"limit_price,omitempty"`
	StopPrice      *string    `json:"stop_price,omitempty"`
	TimeInForce    string     `json:"time_in_force"`
	Status         string     `json:"status"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	CanceledAt     *time.Time `json:"canceled_at,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubmitOrder submits the order. A client order id the exchange already
// knows returns the existing order without a second submission.
func (a *PaperAdapter) SubmitOrder(ctx context.Context, order *types.Order) (*SubmitResult, error) {
	if err := a.assertConnected(); err != nil {
		return nil, err
	}

	if existing, err := a.GetOrder(ctx, order.ClientOrderID); err == nil {
		return &SubmitResult{
			Success:         true,
			ExchangeOrderID: existing.ExchangeOrderID,
			Status:          existing.Status,
		}, nil
	}

	body := map[string]any{
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"type":            string(order.Type),
		"qty":             order.Quantity.String(),
		"time_in_force":   string(order.TimeInForce),
		"client_order_id": order.ClientOrderID,
	}
	if !order.LimitPrice.IsZero() {
		body["limit_price"] = order.LimitPrice.String()
	}
	if !order.StopPrice.IsZero() {
		body["stop_price"] = order.StopPrice.String()
	}

	var out wireOrder
	var apiErr wireError
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/v2/orders")
	if err != nil {
		return nil, connErr("submit order", err)
	}
	if resp.IsError() {
		e := a.classify(resp, apiErr)
		if e.Kind == ErrKindRejection || e.Kind == ErrKindValidation {
			return &SubmitResult{
				Success:      false,
				Status:       types.OrderStatusRejected,
				ErrorCode:    e.Code,
				ErrorMessage: e.Message,
			}, e
		}
		return nil, e
	}

	return &SubmitResult{
		Success:         true,
		ExchangeOrderID: out.ID,
		Status:          wireStatus(out.Status),
	}, nil
}

// CancelOrder cancels by client order id.
func (a *PaperAdapter) CancelOrder(ctx context.Context, clientOrderID string) error {
	if err := a.assertConnected(); err != nil {
		return err
	}
	existing, err := a.GetOrder(ctx, clientOrderID)
	if err != nil {
		return err
	}

	var apiErr wireError
	resp, err := a.http.R().
		SetContext(ctx).
		SetError(&apiErr).
		Delete("/v2/orders/" + existing.ExchangeOrderID)
	if err != nil {
		return connErr("cancel order", err)
	}
	if resp.IsError() && resp.StatusCode() != http.StatusNotFound {
		return a.classify(resp, apiErr)
	}
	return nil
}

// GetOrder fetches the exchange view of an order by client order id.
func (a *PaperAdapter) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	if err := a.assertConnected(); err != nil {
		return nil, err
	}

	var out wireOrder
	var apiErr wireError
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("client_order_id", clientOrderID).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v2/orders:by_client_order_id")
	if err != nil {
		return nil, connErr("get order", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, types.ErrOrderNotFound
	}
	if resp.IsError() {
		return nil, a.classify(resp, apiErr)
	}
	return fromWireOrder(out)
}

// ListOrders returns orders matching the filter.
func (a *PaperAdapter) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]*types.Order, error) {
	if err := a.assertConnected(); err != nil {
		return nil, err
	}

	req := a.http.R().SetContext(ctx)
	if filter.Status != "" {
		req.SetQueryParam("status", string(filter.Status))
	}
	if filter.Symbol != "" {
		req.SetQueryParam("symbols", filter.Symbol)
	}
	if filter.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(filter.Limit))
	}

	var out []wireOrder
	var apiErr wireError
	resp, err := req.SetResult(&out).SetError(&apiErr).Get("/v2/orders")
	if err != nil {
		return nil, connErr("list orders", err)
	}
	if resp.IsError() {
		return nil, a.classify(resp, apiErr)
	}

	result := make([]*types.Order, 0, len(out))
	for _, w := range out {
		order, err := fromWireOrder(w)
		if err != nil {
			return nil, err
		}
		result = append(result, order)
	}
	return result, nil
}

type wireAccount struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Currency    string `json:"currency"`
	Cash        string `json:"cash"`
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
}

func (a *PaperAdapter) fetchAccount(ctx context.Context) (*types.Account, error) {
	var out wireAccount
	var apiErr wireError
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v2/account")
	if err != nil {
		return nil, connErr("get account", err)
	}
	if resp.IsError() {
		return nil, a.classify(resp, apiErr)
	}

	cash, _ := decimal.NewFromString(out.Cash)
	equity, _ := decimal.NewFromString(out.Equity)
	bp, _ := decimal.NewFromString(out.BuyingPower)
	return &types.Account{
		ID:          out.ID,
		Currency:    out.Currency,
		Cash:        cash,
		Equity:      equity,
		BuyingPower: bp,
		Active:      out.Status == "ACTIVE",
	}, nil
}

// GetAccount returns account state.
func (a *PaperAdapter) GetAccount(ctx context.Context) (*types.Account, error) {
	if err := a.assertConnected(); err != nil {
		return nil, err
	}
	return a.fetchAccount(ctx)
}

type wirePosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	MarketValue   string `json:"market_value"`
	UnrealizedPL  string `json:"unrealized_pl"`
}

// GetPositions returns open positions.
func (a *PaperAdapter) GetPositions(ctx context.Context) ([]types.Position, error) {
	if err := a.assertConnected(); err != nil {
		return nil, err
	}

	var out []wirePosition
	var apiErr wireError
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v2/positions")
	if err != nil {
		return nil, connErr("get positions", err)
	}
	if resp.IsError() {
		return nil, a.classify(resp, apiErr)
	}

	positions := make([]types.Position, 0, len(out))
	for _, w := range out {
		qty, _ := decimal.NewFromString(w.Qty)
		entry, _ := decimal.NewFromString(w.AvgEntryPrice)
		mv, _ := decimal.NewFromString(w.MarketValue)
		upl, _ := decimal.NewFromString(w.UnrealizedPL)
		side := types.PositionSideLong
		if w.Side == "short" {
			side = types.PositionSideShort
		}
		positions = append(positions, types.Position{
			Symbol:        w.Symbol,
			Side:          side,
			Quantity:      qty.Abs(),
			AvgEntryPrice: entry,
			MarketValue:   mv,
			UnrealizedPnL: upl,
		})
	}
	return positions, nil
}

type wireBar struct {
	Timestamp time.Time       `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
}

type wireBarsResponse struct {
	Bars          []wireBar `json:"bars"`
	NextPageToken *string   `json:"next_page_token"`
}

// GetBars fetches historical bars, following pagination.
func (a *PaperAdapter) GetBars(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	if err := a.assertConnected(); err != nil {
		return nil, err
	}

	var all []types.Bar
	pageToken := ""
	for {
		req := a.http.R().
			SetContext(ctx).
			SetQueryParam("timeframe", wireTimeframe(tf)).
			SetQueryParam("start", start.UTC().Format(time.RFC3339)).
			SetQueryParam("end", end.UTC().Format(time.RFC3339))
		if pageToken != "" {
			req.SetQueryParam("page_token", pageToken)
		}

		var out wireBarsResponse
		var apiErr wireError
		resp, err := req.SetResult(&out).SetError(&apiErr).Get("/v2/stocks/" + symbol + "/bars")
		if err != nil {
			return nil, connErr("get bars", err)
		}
		if resp.IsError() {
			return nil, a.classify(resp, apiErr)
		}

		for _, w := range out.Bars {
			all = append(all, types.Bar{
				Symbol:    symbol,
				Timeframe: tf,
				Timestamp: w.Timestamp.UTC(),
				Open:      w.Open,
				High:      w.High,
				Low:       w.Low,
				Close:     w.Close,
				Volume:    w.Volume,
			})
		}
		if out.NextPageToken == nil || *out.NextPageToken == "" {
			return all, nil
		}
		pageToken = *out.NextPageToken
	}
}

// streamMessage is one frame of the market-data websocket.
type streamMessage struct {
	Type   string          `json:"T"`
	Symbol string          `json:"S"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume decimal.Decimal `json:"v"`
	Time   time.Time       `json:"t"`
	Msg    string          `json:"msg,omitempty"`
}

// StreamBars opens the market-data websocket and delivers minute bars,
// reconnecting with exponential backoff until ctx cancels.
func (a *PaperAdapter) StreamBars(ctx context.Context, symbols []string, tf types.Timeframe) (<-chan types.Bar, <-chan error, error) {
	if err := a.assertConnected(); err != nil {
		return nil, nil, err
	}
	if a.creds.StreamURL == "" {
		return nil, nil, &Error{Kind: ErrKindValidation, Message: "no stream url configured"}
	}

	out := make(chan types.Bar, paperStreamChannelBuffer)
	errs := make(chan error, 1)
	go a.streamLoop(ctx, symbols, tf, out, errs)
	return out, errs, nil
}

func (a *PaperAdapter) streamLoop(ctx context.Context, symbols []string, tf types.Timeframe, out chan<- types.Bar, errs chan<- error) {
	defer close(out)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = paperMaxStreamReconnect

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.creds.StreamURL, nil)
		if err != nil {
			a.logger.Warn("stream dial failed", zap.Error(err))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = paperMaxStreamReconnect
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
				continue
			}
		}

		if err := a.streamSession(ctx, conn, symbols); err != nil {
			conn.Close()
			a.logger.Warn("stream handshake failed", zap.Error(err))
			continue
		}
		backoffCfg.Reset()

		err = a.readBars(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("stream session ended", zap.Error(err))
			select {
			case errs <- err:
			default:
			}
		}
	}
}

func (a *PaperAdapter) streamSession(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	auth := map[string]any{"action": "auth", "key": a.creds.APIKey, "secret": a.creds.APISecret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("stream auth: %w", err)
	}
	sub := map[string]any{"action": "subscribe", "bars": symbols}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("stream subscribe: %w", err)
	}
	a.logger.Info("bar stream subscribed", zap.Strings("symbols", symbols))
	return nil
}

func (a *PaperAdapter) readBars(ctx context.Context, conn *websocket.Conn, out chan<- types.Bar) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frames []streamMessage
		if err := json.Unmarshal(raw, &frames); err != nil {
			a.logger.Warn("undecodable stream frame", zap.Error(err))
			continue
		}
		for _, f := range frames {
			if f.Type != "b" {
				continue
			}
			bar := types.Bar{
				Symbol:    f.Symbol,
				Timeframe: types.Timeframe1m,
				Timestamp: f.Time.UTC(),
				Open:      f.Open,
				High:      f.High,
				Low:       f.Low,
				Close:     f.Close,
				Volume:    f.Volume,
			}
			select {
			case out <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// classify maps an error response onto the typed failure kinds.
func (a *PaperAdapter) classify(resp *resty.Response, apiErr wireError) *Error {
	code := strconv.Itoa(apiErr.Code)
	message := apiErr.Message
	if message == "" {
		message = resp.Status()
	}
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		retryAfter := time.Second
		if v := resp.Header().Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &Error{Kind: ErrKindRateLimit, Code: code, Message: message, RetryAfter: retryAfter}
	case resp.StatusCode() == http.StatusUnprocessableEntity:
		return &Error{Kind: ErrKindValidation, Code: code, Message: message}
	case resp.StatusCode() == http.StatusForbidden:
		// Insufficient funds and similar business rejections.
		return &Error{Kind: ErrKindRejection, Code: code, Message: message}
	case resp.StatusCode() >= 500:
		return &Error{Kind: ErrKindConnection, Code: code, Message: message}
	default:
		return &Error{Kind: ErrKindRejection, Code: code, Message: message}
	}
}

func fromWireOrder(w wireOrder) (*types.Order, error) {
	qty, err := decimal.NewFromString(w.Qty)
	if err != nil {
		return nil, fmt.Errorf("parsing order qty %q: %w", w.Qty, err)
	}
	order := &types.Order{
		ID:              w.ID,
		ClientOrderID:   w.ClientOrderID,
		ExchangeOrderID: w.ID,
		Symbol:          w.Symbol,
		Side:            types.OrderSide(w.Side),
		Type:            types.OrderType(w.Type),
		Quantity:        qty,
		TimeInForce:     types.TimeInForce(w.TimeInForce),
		Status:          wireStatus(w.Status),
		CreatedAt:       w.CreatedAt,
		SubmittedAt:     w.SubmittedAt,
		FilledAt:        w.FilledAt,
		CancelledAt:     w.CanceledAt,
	}
	if w.LimitPrice != nil {
		order.LimitPrice, _ = decimal.NewFromString(*w.LimitPrice)
	}
	if w.StopPrice != nil {
		order.StopPrice, _ = decimal.NewFromString(*w.StopPrice)
	}
	if w.FilledQty != "" {
		order.FilledQty, _ = decimal.NewFromString(w.FilledQty)
	}
	if w.FilledAvgPrice != nil {
		order.FilledAvgPrice, _ = decimal.NewFromString(*w.FilledAvgPrice)
	}
	return order, nil
}

func wireStatus(s string) types.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new":
		return types.OrderStatusAccepted
	case "partially_filled":
		return types.OrderStatusPartiallyFilled
	case "filled":
		return types.OrderStatusFilled
	case "canceled", "pending_cancel", "done_for_day":
		return types.OrderStatusCancelled
	case "expired":
		return types.OrderStatusExpired
	case "rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusSubmitted
	}
}

func wireTimeframe(tf types.Timeframe) string {
	switch tf {
	case types.Timeframe1m:
		return "1Min"
	case types.Timeframe5m:
		return "5Min"
	case types.Timeframe15m:
		return "15Min"
	case types.Timeframe30m:
		return "30Min"
	case types.Timeframe1h:
		return "1Hour"
	case types.Timeframe4h:
		return "4Hour"
	case types.Timeframe1d:
		return "1Day"
	default:
		return "1Min"
	}
}
