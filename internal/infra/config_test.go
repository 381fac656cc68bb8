package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"retainer_go/internal/domain"

	"github.com/shopspring/decimal"
)

const sampleConfig = `
app:
  name: retainer_go
agents: [1001, 1002]
undercut:
  mode: matching_quality
  item_modes:
    5057: hq_only
  undercut_by: 5
  refresh_period_min: 45
  nq_only_items: [4]
notifications:
  grouping: by_item
  quiet_window_ms: 1500
tax:
  reduced_rate: "0.02"
  reduced_locations: [kugane]
feeds:
  push:
    enabled: true
    ws_url: wss://example.test/ws
  poll:
    enabled: true
    url: https://example.test/api
    items:
      - market_id: 73
        item_id: 5057
storage:
  path: test.db
logging:
  level: debug
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	p := cfg.UndercutPolicy()
	if p.DefaultMode != domain.ModeMatchingQualityOnly {
		t.Errorf("Expected matching quality mode, got %v", p.DefaultMode)
	}
	if p.ModeFor(5057) != domain.ModeHQOnly {
		t.Errorf("Expected hq_only override for 5057, got %v", p.ModeFor(5057))
	}
	if p.UndercutBy != 5 || p.RefreshPeriod != 45*time.Minute {
		t.Errorf("Unexpected policy %+v", p)
	}

	if cfg.GroupingMode() != domain.GroupByItem {
		t.Errorf("Expected by_item grouping, got %s", cfg.GroupingMode())
	}
	if cfg.QuietWindow() != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s quiet window, got %v", cfg.QuietWindow())
	}

	taxes := cfg.TaxTable()
	if !taxes.RateFor(domain.LocationKugane).Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Expected 2%% at Kugane, got %s", taxes.RateFor(domain.LocationKugane))
	}
	if !taxes.RateFor(domain.LocationUldah).Equal(domain.DefaultStandardTaxRate) {
		t.Errorf("Expected standard rate at Ul'dah, got %s", taxes.RateFor(domain.LocationUldah))
	}

	if cfg.CanBeHQ(4) || !cfg.CanBeHQ(5057) {
		t.Error("Item 4 should be NQ only")
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1] != 1002 {
		t.Errorf("Unexpected agents %v", cfg.Agents)
	}
	if cfg.Feeds.Poll.PageSize != 50 || cfg.Logging.Dir != "logs" {
		t.Error("Defaults should be applied")
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("RETAINER_DB_PATH", "/tmp/override.db")
	t.Setenv("RETAINER_UNDERCUT_MODE", "nq_only")
	t.Setenv("RETAINER_UNDERCUT_BY", "7")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Storage.Path != "/tmp/override.db" {
		t.Errorf("Expected overridden path, got %s", cfg.Storage.Path)
	}
	if cfg.UndercutPolicy().DefaultMode != domain.ModeNQOnly || cfg.UndercutPolicy().UndercutBy != 7 {
		t.Errorf("Env override not applied: %+v", cfg.UndercutPolicy())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad mode", "undercut:\n  mode: cheapest\n", "undercut.mode"},
		{"bad item mode", "undercut:\n  item_modes:\n    12: sometimes\n", "undercut.item_modes.12"},
		{"bad grouping", "notifications:\n  grouping: weekly\n", "notifications.grouping"},
		{"bad tax rate", "tax:\n  standard_rate: \"1.5\"\n", "tax.standard_rate"},
		{"bad location", "tax:\n  reduced_locations: [atlantis]\n", "tax.reduced_locations"},
		{"bad ws url", "feeds:\n  push:\n    enabled: true\n    ws_url: http://x\n", "feeds.push.ws_url"},
		{"poll without items", "feeds:\n  poll:\n    enabled: true\n    url: https://x\n", "feeds.poll.items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			var ce *domain.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, ce.Field)
			}
		})
	}
}

func TestConfig_MinimalDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "app:\n  name: x\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.UndercutPolicy().DefaultMode != domain.ModeAny {
		t.Error("Default mode should be any")
	}
	if cfg.QuietWindow() != 2*time.Second {
		t.Errorf("Expected 2s default quiet window, got %v", cfg.QuietWindow())
	}
	if !cfg.TaxTable().RateFor(domain.LocationGridania).Equal(domain.DefaultReducedTaxRate) {
		t.Error("Gridania should use the reduced rate by default")
	}
}
