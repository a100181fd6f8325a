package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/weaverhq/weaver/internal/config"
	"github.com/weaverhq/weaver/pkg/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("addr = %s", cfg.Addr())
	}
	if cfg.SSE.Heartbeat != 30*time.Second {
		t.Errorf("heartbeat = %s", cfg.SSE.Heartbeat)
	}
	if cfg.Exchange.Adapter != "mock" {
		t.Errorf("adapter = %s", cfg.Exchange.Adapter)
	}
	if cfg.Storage.URL != "" {
		t.Errorf("storage url = %q, want empty", cfg.Storage.URL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: 127.0.0.1
  port: 9999
exchange:
  adapter: alpaca
sse:
  heartbeat: 5s
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9999 {
		t.Errorf("server = %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Exchange.Adapter != "alpaca" {
		t.Errorf("adapter = %s", cfg.Exchange.Adapter)
	}
	if cfg.SSE.Heartbeat != 5*time.Second {
		t.Errorf("heartbeat = %s", cfg.SSE.Heartbeat)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %s", cfg.Logging.Format)
	}
	// File values merge over defaults.
	if cfg.Backtest.MarketFill != "close" {
		t.Errorf("market fill = %s, want default close", cfg.Backtest.MarketFill)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEAVER_SERVER_PORT", "7777")
	t.Setenv("WEAVER_EXCHANGE_API_KEY", "key-from-env")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want 7777", cfg.Server.Port)
	}
	if cfg.Exchange.APIKey != "key-from-env" {
		t.Errorf("api key = %q", cfg.Exchange.APIKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
backtest:
  market_fill: random
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(path); !errors.Is(err, types.ErrValidation) {
		t.Errorf("got %v, want ErrValidation", err)
	}
}
