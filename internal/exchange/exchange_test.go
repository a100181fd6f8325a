package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/weaverhq/weaver/pkg/types"
)

func TestLoaderDiscoverAndLoad(t *testing.T) {
	dir := t.TempDir()
	manifest := `{"id":"broken-imports","name":"Broken","version":"0.1.0","class_name":"BrokenAdapter","supported_features":["orders"]}`
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zap.NewNop())
	RegisterBuiltins(loader)
	if err := loader.Discover(dir); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	// Builtins plus the one valid discovered manifest; junk.json is skipped.
	if got := len(loader.ListAvailable()); got != 3 {
		t.Fatalf("available = %d, want 3", got)
	}

	if !loader.SupportsFeature("alpaca", "streaming") {
		t.Error("alpaca should support streaming")
	}
	if loader.SupportsFeature("mock", "teleport") {
		t.Error("unexpected feature")
	}

	adapter, err := loader.Load("mock", Credentials{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := adapter.(*MockAdapter); !ok {
		t.Errorf("adapter = %T, want *MockAdapter", adapter)
	}

	// Discovered manifest has no registered class.
	if _, err := loader.Load("broken-imports", Credentials{}); err == nil {
		t.Error("expected error for unregistered class")
	}
}

func TestMockAdapterLifecycle(t *testing.T) {
	ctx := context.Background()
	mock := NewMockAdapter()

	// Disconnected methods fail.
	if _, err := mock.GetAccount(ctx); err != types.ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	if err := mock.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Idempotent.
	if err := mock.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	order := &types.Order{
		ID:            "o1",
		ClientOrderID: "c-1",
		Symbol:        "AAPL",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(10),
	}
	result, err := mock.SubmitOrder(ctx, order)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if !result.Success || result.ExchangeOrderID == "" {
		t.Fatalf("result = %+v", result)
	}

	// Resubmitting the same client order id is a no-op returning the
	// existing order.
	again, err := mock.SubmitOrder(ctx, order)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ExchangeOrderID != result.ExchangeOrderID {
		t.Errorf("resubmit created a new order: %s vs %s", again.ExchangeOrderID, result.ExchangeOrderID)
	}

	if err := mock.CancelOrder(ctx, "c-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got, err := mock.GetOrder(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != types.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	if err := mock.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if mock.Connected() {
		t.Error("still connected after Disconnect")
	}
}

func TestMockAdapterInactiveAccount(t *testing.T) {
	mock := NewMockAdapter()
	mock.account.Active = false

	err := mock.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect failure")
	}
	e, ok := AsError(err)
	if !ok || e.Kind != ErrKindConnection {
		t.Fatalf("err = %v, want connection kind", err)
	}
	if e.Retryable() {
		t.Error("account-inactive must not be retryable")
	}
	if mock.Connected() {
		t.Error("adapter connected after failed Connect")
	}
}

func newPaperServer(t *testing.T, handler http.HandlerFunc) (*PaperAdapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	adapter := NewPaperAdapter(zap.NewNop(), Credentials{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		Paper:     true,
	})
	return adapter, srv
}

func TestPaperAdapterConnectVerifiesAccount(t *testing.T) {
	adapter, _ := newPaperServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/account" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("APCA-API-KEY-ID") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":"acct-1","status":"ACTIVE","currency":"USD","cash":"100000","equity":"100000","buying_power":"200000"}`))
	})

	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !adapter.Connected() {
		t.Fatal("not connected")
	}

	account, err := adapter.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.ID != "acct-1" || !account.Cash.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("account = %+v", account)
	}
}

func TestPaperAdapterInactiveAccountFailsConnect(t *testing.T) {
	adapter, _ := newPaperServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"acct-1","status":"SUSPENDED","currency":"USD","cash":"0","equity":"0","buying_power":"0"}`))
	})

	err := adapter.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect failure")
	}
	e, ok := AsError(err)
	if !ok || e.Code != "account_inactive" {
		t.Fatalf("err = %v, want account_inactive", err)
	}
	if adapter.Connected() {
		t.Error("adapter connected despite inactive account")
	}
}

func TestPaperAdapterSubmitAndClassify(t *testing.T) {
	var submitted int
	adapter, _ := newPaperServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/account":
			w.Write([]byte(`{"id":"a","status":"ACTIVE","currency":"USD","cash":"1","equity":"1","buying_power":"1"}`))
		case r.URL.Path == "/v2/orders:by_client_order_id":
			http.NotFound(w, r)
		case r.URL.Path == "/v2/orders" && r.Method == http.MethodPost:
			submitted++
			w.Write([]byte(`{"id":"ex-1","client_order_id":"c-1","symbol":"AAPL","side":"buy","type":"market","qty":"10","time_in_force":"gtc","status":"accepted","filled_qty":"0","created_at":"2024-01-02T00:00:00Z"}`))
		default:
			http.NotFound(w, r)
		}
	})
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := adapter.SubmitOrder(context.Background(), &types.Order{
		ClientOrderID: "c-1",
		Symbol:        "AAPL",
		Side:          types.OrderSideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(10),
		TimeInForce:   types.TimeInForceGTC,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if !result.Success || result.ExchangeOrderID != "ex-1" || result.Status != types.OrderStatusAccepted {
		t.Errorf("result = %+v", result)
	}
	if submitted != 1 {
		t.Errorf("submissions = %d, want 1", submitted)
	}
}

func TestPaperAdapterErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		header   http.Header
		wantKind ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, http.Header{"Retry-After": []string{"3"}}, ErrKindRateLimit},
		{"validation", http.StatusUnprocessableEntity, nil, ErrKindValidation},
		{"rejection", http.StatusForbidden, nil, ErrKindRejection},
		{"server error", http.StatusBadGateway, nil, ErrKindConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, _ := newPaperServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/v2/account" {
					w.Write([]byte(`{"id":"a","status":"ACTIVE","currency":"USD","cash":"1","equity":"1","buying_power":"1"}`))
					return
				}
				for k, vs := range tt.header {
					for _, v := range vs {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"code":40010001,"message":"nope"}`))
			})
			if err := adapter.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}

			_, err := adapter.GetPositions(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			e, ok := AsError(err)
			if !ok {
				t.Fatalf("err = %T, want *Error", err)
			}
			if e.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", e.Kind, tt.wantKind)
			}
			if tt.wantKind == ErrKindRateLimit && e.RetryAfter != 3*time.Second {
				t.Errorf("retry after = %s, want 3s", e.RetryAfter)
			}
		})
	}
}

func TestPaperAdapterGetBarsPagination(t *testing.T) {
	adapter, _ := newPaperServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/account":
			w.Write([]byte(`{"id":"a","status":"ACTIVE","currency":"USD","cash":"1","equity":"1","buying_power":"1"}`))
		case "/v2/stocks/AAPL/bars":
			if r.URL.Query().Get("page_token") == "" {
				w.Write([]byte(`{"bars":[{"t":"2024-01-02T14:30:00Z","o":100,"h":101,"l":99,"c":100.5,"v":1000}],"next_page_token":"p2"}`))
			} else {
				w.Write([]byte(`{"bars":[{"t":"2024-01-02T14:31:00Z","o":100.5,"h":102,"l":100,"c":101.5,"v":900}],"next_page_token":null}`))
			}
		default:
			http.NotFound(w, r)
		}
	})
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars, err := adapter.GetBars(context.Background(), "AAPL", types.Timeframe1m, start, start.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2 across pages", len(bars))
	}
	if !bars[1].Close.Equal(decimal.NewFromFloat(101.5)) {
		t.Errorf("second close = %s, want 101.5", bars[1].Close)
	}
}
