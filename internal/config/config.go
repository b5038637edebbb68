// Package config defines all configuration for the taker. Config is loaded
// from a YAML file (path from the HIP3_CONFIG env var) with the private
// key overridable via the env var named in wallet.private_key_env.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects whether detector signals are submitted for execution
// (trading) or only logged (observation); reduce-only exits are
// submitted in both modes.
type Mode string

const (
	ModeObservation Mode = "observation"
	ModeTrading     Mode = "trading"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Mode      Mode              `mapstructure:"mode"`
	Wallet    WalletConfig      `mapstructure:"wallet"`
	API       APIConfig         `mapstructure:"api"`
	Markets   []MarketConfig    `mapstructure:"markets"`
	Detector  DetectorConfig    `mapstructure:"detector"`
	Executor  ExecutorConfig    `mapstructure:"executor"`
	Position  PositionConfig    `mapstructure:"position"`
	Risk      RiskConfig        `mapstructure:"risk"`
	Store     StoreConfig       `mapstructure:"store"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Dashboard DashboardConfig   `mapstructure:"dashboard"`
}

// WalletConfig holds the Ethereum wallet used for signing L1 actions.
// PrivateKeyEnv names the environment variable the key is read from, so
// the key itself never appears in the YAML file or process args.
type WalletConfig struct {
	PrivateKeyEnv   string `mapstructure:"private_key_env"`
	ExpectedAddress string `mapstructure:"expected_address"`
	VaultAddress    string `mapstructure:"vault_address"`
	Testnet         bool   `mapstructure:"testnet"`
}

// APIConfig holds exchange endpoints and chain parameters.
type APIConfig struct {
	InfoBaseURL string `mapstructure:"info_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	DexName     string `mapstructure:"dex_name"`
	PerpDexID   int    `mapstructure:"perp_dex_id"`
}

// MarketConfig is a single market the taker is configured to watch/trade.
type MarketConfig struct {
	Coin           string `mapstructure:"coin"`
	AssetIdx       int    `mapstructure:"asset_idx"`
	ThresholdBps   *int64 `mapstructure:"threshold_bps"`
	MaxNotionalOvr *float64 `mapstructure:"max_notional"`
}

// DetectorConfig tunes the dislocation detector.
type DetectorConfig struct {
	// TakerFeeBps is the effective, already-HIP3-doubled taker fee: fill
	// it in as base-taker-fee × 2, not the exchange's quoted base rate.
	TakerFeeBps      int64         `mapstructure:"taker_fee_bps"`
	SlippageBps      int64         `mapstructure:"slippage_bps"`
	MinEdgeBps       int64         `mapstructure:"min_edge_bps"`
	SizingAlpha      float64       `mapstructure:"sizing_alpha"`
	MaxNotional      float64       `mapstructure:"max_notional"`
	MinQuoteLagMs    int64         `mapstructure:"min_quote_lag_ms"`
	MaxQuoteLagMs    int64         `mapstructure:"max_quote_lag_ms"`
	VelocityFilter   bool          `mapstructure:"velocity_filter"`
	AdaptiveThreshold bool         `mapstructure:"adaptive_threshold"`
	ConfidenceSizing bool          `mapstructure:"confidence_sizing"`
	EWMAHalfLife     time.Duration `mapstructure:"ewma_half_life"`
}

// ExecutorConfig tunes the batch scheduler / executor loop.
type ExecutorConfig struct {
	BatchIntervalMs int `mapstructure:"batch_interval_ms"`
	MaxOrdersPerBatch int `mapstructure:"max_orders_per_batch"`
	InflightMax     int `mapstructure:"inflight_max"`
	InflightHighWatermark int `mapstructure:"inflight_high_watermark"`
	PostTimeoutMs   int `mapstructure:"post_timeout_ms"`
	NotifyCooldownMs int `mapstructure:"notify_cooldown_ms"`
}

// PositionConfig tunes the position tracker actor.
type PositionConfig struct {
	ResyncIntervalSecs int     `mapstructure:"position_resync_interval_secs"`
	DynamicSizing      bool    `mapstructure:"dynamic_sizing"`
	RiskPerMarketPct   float64 `mapstructure:"risk_per_market_pct"`
}

// RiskConfig tunes risk-gates, exits, and hard-stop thresholds.
type RiskConfig struct {
	TimeStopMs           int64         `mapstructure:"time_stop_ms"`
	TimeStopCriticalMs   int64         `mapstructure:"time_stop_critical_ms"`
	MarkRegressionBps    int64         `mapstructure:"mark_regression_bps"`
	MarkRegressionDecayStartMs int64   `mapstructure:"mark_regression_decay_start_ms"`
	MarkRegressionMinFactor   float64  `mapstructure:"mark_regression_min_factor"`
	OracleCatchUpBps     int64         `mapstructure:"oracle_catch_up_bps"`
	ExitSlippageBps      int64         `mapstructure:"exit_slippage_bps"`
	MaxDrawdownUSD       float64       `mapstructure:"max_drawdown_usd"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	MaxHourlyRejectionRate float64     `mapstructure:"max_hourly_rejection_rate"`
	MaxFlattenFailures   int           `mapstructure:"max_flatten_failures"`
	CorrelationCooldown  time.Duration `mapstructure:"correlation_cooldown"`
	CorrelationGroupSize int           `mapstructure:"correlation_group_size"`
	MaxPositionPerMarket float64       `mapstructure:"max_position_per_market"`
	MaxPositionTotal     float64       `mapstructure:"max_position_total"`
	BboMaxAgeMs          int64         `mapstructure:"bbo_max_age_ms"`
	CtxMaxAgeMs          int64         `mapstructure:"ctx_max_age_ms"`
	MarkMidDivergenceBps int64         `mapstructure:"mark_mid_divergence_bps"`
	SpreadShockMultiple  float64       `mapstructure:"spread_shock_multiple"`
	OiCapUSD             float64       `mapstructure:"oi_cap_usd"`
}

// StoreConfig sets where signals/followups are persisted (JSON-lines).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
	Env     string `mapstructure:"env"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only operator dashboard server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxConnections int      `mapstructure:"max_connections"`
}

// Load reads config from the YAML file named by HIP3_CONFIG (or path, if
// non-empty) with environment overrides for the private key.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HIP3_CONFIG")
	}
	if path == "" {
		path = "./config.yaml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// PrivateKeyHex reads the signing key from the env var named by
// wallet.private_key_env, trimmed and with an optional 0x prefix stripped.
func (c *Config) PrivateKeyHex() (string, error) {
	if c.Wallet.PrivateKeyEnv == "" {
		return "", fmt.Errorf("wallet.private_key_env is required")
	}
	key := strings.TrimSpace(os.Getenv(c.Wallet.PrivateKeyEnv))
	if key == "" {
		return "", fmt.Errorf("env var %s is empty", c.Wallet.PrivateKeyEnv)
	}
	key = strings.TrimPrefix(key, "0x")
	return key, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeObservation, ModeTrading:
	default:
		return fmt.Errorf("mode must be 'observation' or 'trading'")
	}
	if c.Wallet.PrivateKeyEnv == "" {
		return fmt.Errorf("wallet.private_key_env is required")
	}
	if c.Wallet.ExpectedAddress == "" {
		return fmt.Errorf("wallet.expected_address is required")
	}
	if c.API.InfoBaseURL == "" {
		return fmt.Errorf("api.info_base_url is required")
	}
	if c.API.WSURL == "" {
		return fmt.Errorf("api.ws_url is required")
	}
	if c.API.DexName == "" {
		return fmt.Errorf("api.dex_name is required")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	if c.Detector.TakerFeeBps <= 0 {
		return fmt.Errorf("detector.taker_fee_bps must be > 0")
	}
	if c.Executor.BatchIntervalMs <= 0 {
		return fmt.Errorf("executor.batch_interval_ms must be > 0")
	}
	if c.Executor.InflightMax <= 0 {
		return fmt.Errorf("executor.inflight_max must be > 0")
	}
	if c.Risk.MaxPositionPerMarket <= 0 {
		return fmt.Errorf("risk.max_position_per_market must be > 0")
	}
	if c.Risk.MaxPositionTotal <= 0 {
		return fmt.Errorf("risk.max_position_total must be > 0")
	}
	return nil
}
