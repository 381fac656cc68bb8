package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"retainer_go/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent with every polled feed request
	DefaultUserAgent = "retainer_go/1.0 (+marketboard tracker)"
)

// ItemConfig names one polled item.
type ItemConfig struct {
	MarketID int    `yaml:"market_id"`
	ItemID   uint32 `yaml:"item_id"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	// Agents are tracked from startup so their offers are never treated as competition.
	Agents []uint64 `yaml:"agents"`

	Undercut struct {
		Mode             string            `yaml:"mode"`
		ItemModes        map[uint32]string `yaml:"item_modes"`
		UndercutBy       uint32            `yaml:"undercut_by"`
		RefreshPeriodMin int               `yaml:"refresh_period_min"`
		NQOnlyItems      []uint32          `yaml:"nq_only_items"`
	} `yaml:"undercut"`

	Notifications struct {
		Grouping      string `yaml:"grouping"`
		QuietWindowMS int    `yaml:"quiet_window_ms"`
	} `yaml:"notifications"`

	Tax struct {
		ReducedRate      decimal.Decimal `yaml:"reduced_rate"`
		StandardRate     decimal.Decimal `yaml:"standard_rate"`
		ReducedLocations []string        `yaml:"reduced_locations"`
	} `yaml:"tax"`

	Feeds struct {
		Push struct {
			Enabled bool   `yaml:"enabled"`
			WSURL   string `yaml:"ws_url"`
			Markets []int  `yaml:"markets"`
		} `yaml:"push"`
		Poll struct {
			Enabled         bool         `yaml:"enabled"`
			URL             string       `yaml:"url"`
			APIKey          string       `yaml:"api_key"`
			PollIntervalSec int          `yaml:"poll_interval_sec"`
			RequestsPerSec  float64      `yaml:"requests_per_sec"`
			PageSize        int          `yaml:"page_size"`
			Items           []ItemConfig `yaml:"items"`
		} `yaml:"poll"`
	} `yaml:"feeds"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	policy   domain.UndercutPolicy
	grouping domain.GroupingMode
	taxes    domain.TaxTable
	nqOnly   map[uint32]bool
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	// 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Notifications.QuietWindowMS == 0 {
		cfg.Notifications.QuietWindowMS = 2000
	}
	if cfg.Undercut.RefreshPeriodMin == 0 {
		cfg.Undercut.RefreshPeriodMin = 30
	}
	if cfg.Tax.ReducedRate.IsZero() {
		cfg.Tax.ReducedRate = domain.DefaultReducedTaxRate
	}
	if cfg.Tax.StandardRate.IsZero() {
		cfg.Tax.StandardRate = domain.DefaultStandardTaxRate
	}
	if cfg.Tax.ReducedLocations == nil {
		cfg.Tax.ReducedLocations = []string{"limsa_lominsa", "gridania", "uldah"}
	}
	if cfg.Feeds.Poll.PollIntervalSec == 0 {
		cfg.Feeds.Poll.PollIntervalSec = 300
	}
	if cfg.Feeds.Poll.RequestsPerSec == 0 {
		cfg.Feeds.Poll.RequestsPerSec = 2
	}
	if cfg.Feeds.Poll.PageSize == 0 {
		cfg.Feeds.Poll.PageSize = 50
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/retainer.db"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity and resolves the named modes.
func (c *Config) Validate() error {
	mode, err := domain.ParseUndercutMode(c.Undercut.Mode)
	if err != nil {
		return &domain.ConfigError{Field: "undercut.mode", Err: err}
	}
	itemModes := make(map[uint32]domain.UndercutMode, len(c.Undercut.ItemModes))
	for itemID, name := range c.Undercut.ItemModes {
		m, err := domain.ParseUndercutMode(name)
		if err != nil {
			return &domain.ConfigError{Field: fmt.Sprintf("undercut.item_modes.%d", itemID), Err: err}
		}
		itemModes[itemID] = m
	}
	if c.Undercut.RefreshPeriodMin < 0 {
		return &domain.ConfigError{Field: "undercut.refresh_period_min", Err: fmt.Errorf("must not be negative")}
	}

	grouping, err := domain.ParseGroupingMode(c.Notifications.Grouping)
	if err != nil {
		return &domain.ConfigError{Field: "notifications.grouping", Err: err}
	}
	if c.Notifications.QuietWindowMS < 0 {
		return &domain.ConfigError{Field: "notifications.quiet_window_ms", Err: fmt.Errorf("must not be negative")}
	}

	one := decimal.NewFromInt(1)
	for field, rate := range map[string]decimal.Decimal{
		"tax.reduced_rate":  c.Tax.ReducedRate,
		"tax.standard_rate": c.Tax.StandardRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return &domain.ConfigError{Field: field, Err: fmt.Errorf("rate %s out of range [0, 1)", rate)}
		}
	}
	reduced := make(map[domain.Location]bool, len(c.Tax.ReducedLocations))
	for _, name := range c.Tax.ReducedLocations {
		loc, err := domain.ParseLocation(name)
		if err != nil {
			return &domain.ConfigError{Field: "tax.reduced_locations", Err: err}
		}
		reduced[loc] = true
	}

	if c.Feeds.Push.Enabled && !strings.HasPrefix(c.Feeds.Push.WSURL, "ws://") && !strings.HasPrefix(c.Feeds.Push.WSURL, "wss://") {
		return &domain.ConfigError{Field: "feeds.push.ws_url", Err: fmt.Errorf("invalid WS URL: %q", c.Feeds.Push.WSURL)}
	}
	if c.Feeds.Poll.Enabled {
		if !strings.HasPrefix(c.Feeds.Poll.URL, "http://") && !strings.HasPrefix(c.Feeds.Poll.URL, "https://") {
			return &domain.ConfigError{Field: "feeds.poll.url", Err: fmt.Errorf("invalid URL: %q", c.Feeds.Poll.URL)}
		}
		if len(c.Feeds.Poll.Items) == 0 {
			return &domain.ConfigError{Field: "feeds.poll.items", Err: fmt.Errorf("at least one item is required")}
		}
		if c.Feeds.Poll.PollIntervalSec <= 0 || c.Feeds.Poll.RequestsPerSec <= 0 || c.Feeds.Poll.PageSize <= 0 {
			return &domain.ConfigError{Field: "feeds.poll", Err: fmt.Errorf("interval, rate and page size must be positive")}
		}
	}

	c.policy = domain.UndercutPolicy{
		DefaultMode:   mode,
		ItemModes:     itemModes,
		UndercutBy:    c.Undercut.UndercutBy,
		RefreshPeriod: time.Duration(c.Undercut.RefreshPeriodMin) * time.Minute,
	}
	c.grouping = grouping
	c.taxes = domain.TaxTable{
		ReducedLocations: reduced,
		ReducedRate:      c.Tax.ReducedRate,
		StandardRate:     c.Tax.StandardRate,
	}
	c.nqOnly = make(map[uint32]bool, len(c.Undercut.NQOnlyItems))
	for _, id := range c.Undercut.NQOnlyItems {
		c.nqOnly[id] = true
	}
	return nil
}

// UndercutPolicy returns the resolved comparison policy.
func (c *Config) UndercutPolicy() domain.UndercutPolicy {
	return c.policy
}

// GroupingMode returns the resolved notification grouping.
func (c *Config) GroupingMode() domain.GroupingMode {
	return c.grouping
}

// TaxTable returns the resolved location tax table.
func (c *Config) TaxTable() domain.TaxTable {
	return c.taxes
}

// QuietWindow is the notification debounce window.
func (c *Config) QuietWindow() time.Duration {
	return time.Duration(c.Notifications.QuietWindowMS) * time.Millisecond
}

// CanBeHQ reports false only for items listed under nq_only_items.
func (c *Config) CanBeHQ(itemID uint32) bool {
	return !c.nqOnly[itemID]
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("RETAINER_POLL_API_KEY"); key != "" {
		cfg.Feeds.Poll.APIKey = key
	}
	if url := os.Getenv("RETAINER_POLL_URL"); url != "" {
		cfg.Feeds.Poll.URL = url
	}
	if url := os.Getenv("RETAINER_PUSH_URL"); url != "" {
		cfg.Feeds.Push.WSURL = url
	}
	if path := os.Getenv("RETAINER_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if level := os.Getenv("RETAINER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if mode := os.Getenv("RETAINER_UNDERCUT_MODE"); mode != "" {
		cfg.Undercut.Mode = mode
	}
	if by := os.Getenv("RETAINER_UNDERCUT_BY"); by != "" {
		if n, err := strconv.ParseUint(by, 10, 32); err == nil {
			cfg.Undercut.UndercutBy = uint32(n)
		}
	}
}
