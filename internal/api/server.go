// Package api provides the HTTP surface: run and order management, candle
// queries, strategy and adapter metadata, and the SSE event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/internal/bars"
	"github.com/weaverhq/weaver/internal/exchange"
	"github.com/weaverhq/weaver/internal/orders"
	"github.com/weaverhq/weaver/internal/runs"
	"github.com/weaverhq/weaver/internal/strategy"
	"github.com/weaverhq/weaver/internal/telemetry"
)

// Config holds the server settings.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Version        string
}

// Deps carries the collaborators the handlers reach. Adapter may be nil when
// no exchange is configured; order submission then returns 503.
type Deps struct {
	Manager    *runs.Manager
	Orders     orders.Store
	Bars       bars.Repository
	Strategies *strategy.Loader
	Adapters   *exchange.Loader
	Adapter    exchange.Adapter
	Stream     *Broadcaster
	Metrics    *telemetry.Metrics
}

// Server is the HTTP API server.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server

	manager    *runs.Manager
	orders     orders.Store
	bars       bars.Repository
	strategies *strategy.Loader
	adapters   *exchange.Loader
	adapter    exchange.Adapter
	stream     *Broadcaster
	metrics    *telemetry.Metrics
}

// NewServer creates the API server and registers all routes.
func NewServer(logger *zap.Logger, config Config, deps Deps) *Server {
	s := &Server{
		logger:     logger,
		config:     config,
		router:     mux.NewRouter(),
		manager:    deps.Manager,
		orders:     deps.Orders,
		bars:       deps.Bars,
		strategies: deps.Strategies,
		adapters:   deps.Adapters,
		adapter:    deps.Adapter,
		stream:     deps.Stream,
		metrics:    deps.Metrics,
	}
	s.setupRoutes()
	return s
}

// Router exposes the mux for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(correlationMiddleware)
	s.router.Use(s.recoverMiddleware)
	s.router.Use(s.observeMiddleware)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	v1.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handleDeleteRun).Methods(http.MethodDelete)
	v1.HandleFunc("/runs/{id}/start", s.handleStartRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}/stop", s.handleStopRun).Methods(http.MethodPost)

	v1.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	v1.HandleFunc("/orders", s.handleSubmitOrder).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)

	v1.HandleFunc("/candles", s.handleGetCandles).Methods(http.MethodGet)
	v1.HandleFunc("/strategies", s.handleListStrategies).Methods(http.MethodGet)
	v1.HandleFunc("/adapters", s.handleListAdapters).Methods(http.MethodGet)

	if s.stream != nil {
		v1.HandleFunc("/events/stream", s.stream.ServeHTTP).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.stream != nil {
		s.stream.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
