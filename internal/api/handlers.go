package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/internal/runs"
	"github.com/weaverhq/weaver/pkg/types"
)

const (
	defaultPageSize  = 50
	maxPageSize      = 100
	defaultCandleCap = 1000
	maxCandleCap     = 10000
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.config.Version,
	})
}

// parsePagination validates page and page_size query parameters.
func parsePagination(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, fmt.Errorf("%w: page must be a positive integer", types.ErrValidation)
		}
	}
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		pageSize, err = strconv.Atoi(raw)
		if err != nil || pageSize < 1 || pageSize > maxPageSize {
			return 0, 0, fmt.Errorf("%w: page_size must be between 1 and %d", types.ErrValidation, maxPageSize)
		}
	}
	return page, pageSize, nil
}

func parseTimeParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", types.ErrValidation, name)
	}
	return &ts, nil
}

type createRunRequest struct {
	StrategyID string         `json:"strategy_id"`
	Mode       string         `json:"mode"`
	Symbols    []string       `json:"symbols"`
	Timeframe  string         `json:"timeframe"`
	StartTime  *time.Time     `json:"start_time,omitempty"`
	EndTime    *time.Time     `json:"end_time,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorCode(w, r, http.StatusBadRequest, CodeBadRequest, "malformed request body")
		return
	}
	run, err := s.manager.Create(r.Context(), runs.CreateRequest{
		StrategyID: req.StrategyID,
		Mode:       types.RunMode(req.Mode),
		Symbols:    req.Symbols,
		Timeframe:  types.Timeframe(req.Timeframe),
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		Config:     req.Config,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := parsePagination(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := runs.ListFilter{
		Status: types.RunStatus(r.URL.Query().Get("status")),
		Mode:   types.RunMode(r.URL.Query().Get("mode")),
	}
	list, total, err := s.manager.List(r.Context(), filter, page, pageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Run{}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"runs":      list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.manager.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Start(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Stop(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, run)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := parsePagination(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	startTime, err := parseTimeParam(r, "start_time")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	endTime, err := parseTimeParam(r, "end_time")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := orders.ListFilter{
		RunID:     r.URL.Query().Get("run_id"),
		Status:    types.OrderStatus(r.URL.Query().Get("status")),
		Symbol:    r.URL.Query().Get("symbol"),
		StartTime: startTime,
		EndTime:   endTime,
	}
	list, total, err := s.orders.List(r.Context(), filter, page, pageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Order{}
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"orders":    list,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, order)
}

type submitOrderRequest struct {
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce   string          `json:"time_in_force,omitempty"`
}

// handleSubmitOrder places an order directly through the shared exchange
// adapter, outside any run.
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if s.adapter == nil {
		s.writeErrorCode(w, r, http.StatusServiceUnavailable, CodeServiceUnavailable, "no exchange adapter configured")
		return
	}
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorCode(w, r, http.StatusBadRequest, CodeBadRequest, "malformed request body")
		return
	}

	order, err := req.toOrder()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.adapter.Connected() {
		if err := s.adapter.Connect(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	result, err := s.adapter.SubmitOrder(r.Context(), order)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := time.Now().UTC()
	order.ExchangeOrderID = result.ExchangeOrderID
	order.Status = result.Status
	order.SubmittedAt = &now
	if err := s.orders.Put(r.Context(), order); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, order)
}

func (req submitOrderRequest) toOrder() (*types.Order, error) {
	side := types.OrderSide(req.Side)
	if !side.Valid() {
		return nil, fmt.Errorf("%w: side %q", types.ErrValidation, req.Side)
	}
	orderType := types.OrderType(req.Type)
	if orderType == "" {
		orderType = types.OrderTypeMarket
	}
	if !orderType.Valid() {
		return nil, fmt.Errorf("%w: type %q", types.ErrValidation, req.Type)
	}
	if req.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", types.ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	tif := types.TimeInForce(req.TimeInForce)
	if tif == "" {
		tif = types.TimeInForceDay
	}
	if !tif.Valid() {
		return nil, fmt.Errorf("%w: time_in_force %q", types.ErrValidation, req.TimeInForce)
	}
	if (orderType == types.OrderTypeLimit || orderType == types.OrderTypeStopLimit) && !req.LimitPrice.IsPositive() {
		return nil, fmt.Errorf("%w: limit_price is required for %s orders", types.ErrValidation, orderType)
	}
	if (orderType == types.OrderTypeStop || orderType == types.OrderTypeStopLimit) && !req.StopPrice.IsPositive() {
		return nil, fmt.Errorf("%w: stop_price is required for %s orders", types.ErrValidation, orderType)
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &types.Order{
		ID:            uuid.NewString(),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          side,
		Type:          orderType,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   tif,
		Status:        types.OrderStatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

func (s *Server) handleGetCandles(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.writeError(w, r, fmt.Errorf("%w: symbol is required", types.ErrValidation))
		return
	}
	tf := types.Timeframe(r.URL.Query().Get("timeframe"))
	if !tf.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown timeframe %q", types.ErrValidation, tf))
		return
	}
	limit := defaultCandleCap
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxCandleCap {
			s.writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", types.ErrValidation, maxCandleCap))
			return
		}
		limit = parsed
	}
	startParam, err := parseTimeParam(r, "start")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	endParam, err := parseTimeParam(r, "end")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	end := time.Now().UTC()
	if endParam != nil {
		end = *endParam
	}
	start := end.Add(-time.Duration(limit) * tf.Duration())
	if startParam != nil {
		start = *startParam
	}
	if !start.Before(end) {
		s.writeError(w, r, fmt.Errorf("%w: start must be before end", types.ErrValidation))
		return
	}

	series, err := s.bars.GetBars(r.Context(), symbol, tf, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(series) > limit {
		series = series[len(series)-limit:]
	}
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"timeframe": tf,
		"candles":   series,
		"count":     len(series),
	})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"strategies": s.strategies.ListAvailable(),
	})
}

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]any{
		"adapters": s.adapters.ListAvailable(),
	})
}
