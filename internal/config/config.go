// Package config loads the YAML configuration for the trading ledger and
// applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tradeledger daemon.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Server  Server        `yaml:"server"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Trading TradingConfig `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	JournalDir string `yaml:"journal_dir"` // parquet trade archive, empty disables
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines risk limits, pre-trade validation bounds, loop
// cadences, and the kill-switch policy.
type TradingConfig struct {
	PaperMode bool `yaml:"paper_mode"`

	// Pre-trade validation.
	EstimatedFeePct   float64 `yaml:"estimated_fee_pct"`    // fraction of notional added as fees
	MaxOpenPositions  int     `yaml:"max_open_positions"`   //
	MaxRiskPerTrade   float64 `yaml:"max_risk_per_trade"`   // fraction of equity (e.g. 0.01)
	MaxDailyLossPct   float64 `yaml:"max_daily_loss_pct"`   // fraction of equity (e.g. 0.02)
	RequireStopLoss   bool    `yaml:"require_stop_loss"`    //
	MinRewardRisk     float64 `yaml:"min_reward_risk"`      // 0 disables the check
	PriceBandPct      float64 `yaml:"price_band_pct"`       // max deviation from last trade (e.g. 0.05)
	MinOrderQty       int64   `yaml:"min_order_qty"`        //
	MaxOrderQty       int64   `yaml:"max_order_qty"`        //

	// Risk monitor.
	MaxDrawdownPct   float64 `yaml:"max_drawdown_pct"` // fraction of peak (e.g. 0.10)
	WarnThresholdPct float64 `yaml:"warn_threshold_pct"` // fraction of a limit that logs a warning

	// Kill switch.
	KillSwitchPhrase string `yaml:"kill_switch_phrase"` // required to deactivate

	// Loop cadences.
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	RiskInterval      time.Duration `yaml:"risk_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// Broker call budget shared by the loops.
	BrokerRateLimitPerMin int `yaml:"broker_rate_limit_per_min"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("JOURNAL_DIR"); v != "" {
		cfg.Storage.JournalDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued fields that have a sensible default so the
// daemon can run from a minimal config file.
func applyDefaults(cfg *Config) {
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "tradeledger.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8780
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	t := &cfg.Trading
	if t.MaxOpenPositions == 0 {
		t.MaxOpenPositions = 10
	}
	if t.MaxRiskPerTrade == 0 {
		t.MaxRiskPerTrade = 0.01
	}
	if t.MaxDailyLossPct == 0 {
		t.MaxDailyLossPct = 0.02
	}
	if t.PriceBandPct == 0 {
		t.PriceBandPct = 0.05
	}
	if t.MinOrderQty == 0 {
		t.MinOrderQty = 1
	}
	if t.MaxOrderQty == 0 {
		t.MaxOrderQty = 10000
	}
	if t.MaxDrawdownPct == 0 {
		t.MaxDrawdownPct = 0.10
	}
	if t.WarnThresholdPct == 0 {
		t.WarnThresholdPct = 0.8
	}
	if t.MonitorInterval == 0 {
		t.MonitorInterval = time.Second
	}
	if t.RiskInterval == 0 {
		t.RiskInterval = 2 * time.Second
	}
	if t.ReconcileInterval == 0 {
		t.ReconcileInterval = 30 * time.Second
	}
	if t.BrokerRateLimitPerMin == 0 {
		t.BrokerRateLimitPerMin = 200
	}
	if t.KillSwitchPhrase == "" {
		t.KillSwitchPhrase = "resume trading"
	}
}

// validate rejects configurations that cannot be run safely.
func (cfg *Config) validate() error {
	if !cfg.Trading.PaperMode && (cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "") {
		return fmt.Errorf("alpaca credentials required unless trading.paper_mode is set")
	}
	if cfg.Trading.MinOrderQty > cfg.Trading.MaxOrderQty {
		return fmt.Errorf("trading.min_order_qty %d exceeds max_order_qty %d",
			cfg.Trading.MinOrderQty, cfg.Trading.MaxOrderQty)
	}
	return nil
}
