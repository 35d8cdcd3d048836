package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Proposer ProposerConfig `mapstructure:"proposer"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// APIToken guards the operator API. Empty leaves it open.
	APIToken       string   `mapstructure:"api_token"`
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

// PipelineConfig is built once at startup and handed to every stage constructor.
type PipelineConfig struct {
	Cycle     CycleConfig     `mapstructure:"cycle"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Scorer    ScorerConfig    `mapstructure:"scorer"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Execution ExecutionConfig `mapstructure:"execution"`
}

type CycleConfig struct {
	Symbols                []string `mapstructure:"symbols"`
	Timeframe              string   `mapstructure:"timeframe"`
	CycleIntervalMs        int      `mapstructure:"cycle_interval_ms"`
	DeadlineMs             int      `mapstructure:"deadline_ms"`
	GraceMs                int      `mapstructure:"grace_ms"`
	SnapshotTimeoutMs      int      `mapstructure:"snapshot_timeout_ms"`
	ProposalTimeoutMs      int      `mapstructure:"proposal_timeout_ms"`
	MaxConsecutiveFailures int      `mapstructure:"max_consecutive_failures"`
	HaltResetCron          string   `mapstructure:"halt_reset_cron"`
	AccountSyncInterval    string   `mapstructure:"account_sync_interval"`
	PatternMemory          int      `mapstructure:"pattern_memory"`
}

func (c CycleConfig) Interval() time.Duration { return ms(c.CycleIntervalMs) }
func (c CycleConfig) Deadline() time.Duration { return ms(c.DeadlineMs) }
func (c CycleConfig) Grace() time.Duration    { return ms(c.GraceMs) }

func (c CycleConfig) SnapshotTimeout() time.Duration { return ms(c.SnapshotTimeoutMs) }
func (c CycleConfig) ProposalTimeout() time.Duration { return ms(c.ProposalTimeoutMs) }

type BacktestConfig struct {
	MinCandles      int     `mapstructure:"min_candles"`
	MaxCandidates   int     `mapstructure:"max_candidates"`
	InitialEquity   float64 `mapstructure:"initial_equity"`
	FeeBps          float64 `mapstructure:"fee_bps"`
	ProfitFactorCap float64 `mapstructure:"profit_factor_cap"`
	// Workers caps the pool; 0 means runtime.NumCPU().
	Workers int `mapstructure:"workers"`
}

type ScorerConfig struct {
	MinSharpe        float64 `mapstructure:"min_sharpe"`
	MinWinRatePct    float64 `mapstructure:"min_win_rate_pct"`
	MinTrades        int     `mapstructure:"min_trades"`
	SharpeWeight     float64 `mapstructure:"sharpe_weight"`
	ReturnWeight     float64 `mapstructure:"return_weight"`
	WinRateWeight    float64 `mapstructure:"win_rate_weight"`
	DrawdownWeight   float64 `mapstructure:"drawdown_weight"`
	SharpeFloor      float64 `mapstructure:"sharpe_floor"`
	SharpeCeiling    float64 `mapstructure:"sharpe_ceiling"`
	ReturnFloorPct   float64 `mapstructure:"return_floor_pct"`
	ReturnCeilingPct float64 `mapstructure:"return_ceiling_pct"`
	DrawdownFloorPct float64 `mapstructure:"drawdown_floor_pct"`
	HighReturnPct    float64 `mapstructure:"high_return_pct"`
	HighReturnBonus  float64 `mapstructure:"high_return_bonus"`
	MidReturnPct     float64 `mapstructure:"mid_return_pct"`
	MidReturnBonus   float64 `mapstructure:"mid_return_bonus"`
}

type RiskConfig struct {
	BaseMarginFraction  float64            `mapstructure:"base_margin_fraction"`
	ConfidenceSpread    float64            `mapstructure:"confidence_spread"`
	MinMarginFraction   float64            `mapstructure:"min_margin_fraction"`
	MaxMarginFraction   float64            `mapstructure:"max_margin_fraction"`
	MaxLeverage         float64            `mapstructure:"max_leverage"`
	MaxPortfolioHeatPct float64            `mapstructure:"max_portfolio_heat_pct"`
	MaxPositions        int                `mapstructure:"max_positions"`
	MaxDailyLossPct     float64            `mapstructure:"max_daily_loss_pct"`
	CooldownMinutes     int                `mapstructure:"cooldown_minutes"`
	MinExpectedMovePct  float64            `mapstructure:"min_expected_move_pct"`
	CorrelationGroups   [][]string         `mapstructure:"correlation_groups"`
	LotSizes            map[string]float64 `mapstructure:"lot_sizes"`
	DefaultLotSize      float64            `mapstructure:"default_lot_size"`
	StopLossMinPct      float64            `mapstructure:"stop_loss_min_pct"`
	StopLossMaxPct      float64            `mapstructure:"stop_loss_max_pct"`
	TakeProfitMinPct    float64            `mapstructure:"take_profit_min_pct"`
	TakeProfitMaxPct    float64            `mapstructure:"take_profit_max_pct"`
	RiskScoreCeiling    float64            `mapstructure:"risk_score_ceiling"`
	RiskCeilingCycles   int                `mapstructure:"risk_ceiling_cycles"`
}

type BreakerConfig struct {
	FailureThreshold int                        `mapstructure:"failure_threshold"`
	BaseTimeoutMs    int                        `mapstructure:"base_timeout_ms"`
	MaxTimeoutMs     int                        `mapstructure:"max_timeout_ms"`
	Jitter           float64                    `mapstructure:"jitter"`
	AlertCooldown    time.Duration              `mapstructure:"alert_cooldown"`
	Overrides        map[string]BreakerOverride `mapstructure:"overrides"`
}

type BreakerOverride struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	BaseTimeoutMs    int `mapstructure:"base_timeout_ms"`
	MaxTimeoutMs     int `mapstructure:"max_timeout_ms"`
}

type ExecutionConfig struct {
	RateLimitTokensPerInterval int         `mapstructure:"rate_limit_tokens_per_interval"`
	RateLimitIntervalMs        int         `mapstructure:"rate_limit_interval_ms"`
	InfoTokensPerInterval      int         `mapstructure:"info_tokens_per_interval"`
	MaxWaitMs                  int         `mapstructure:"max_wait_ms"`
	IdempotencyTTL             string      `mapstructure:"idempotency_ttl"`
	OverfillTolerancePct       float64     `mapstructure:"overfill_tolerance_pct"`
	OverfillPolicy             string      `mapstructure:"overfill_policy"`
	OrderType                  string      `mapstructure:"order_type"`
	LimitOffsetBps             float64     `mapstructure:"limit_offset_bps"`
	Retry                      RetryConfig `mapstructure:"retry"`
}

func (c ExecutionConfig) RateInterval() time.Duration { return ms(c.RateLimitIntervalMs) }
func (c ExecutionConfig) MaxWait() time.Duration      { return ms(c.MaxWaitMs) }

// IdempotencyWindow parses IdempotencyTTL, defaulting to ten minutes.
func (c ExecutionConfig) IdempotencyWindow() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(c.IdempotencyTTL))
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	InitialBackoffMs int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `mapstructure:"max_backoff_ms"`
	Multiplier       float64 `mapstructure:"multiplier"`
	Jitter           float64 `mapstructure:"jitter"`
}

type ProposerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BaseURL       string        `mapstructure:"base_url"`
	APIKeyEnv     string        `mapstructure:"api_key_env"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxCandidates int           `mapstructure:"max_candidates"`
	Temperature   float64       `mapstructure:"temperature"`
}

type ExchangeConfig struct {
	Mode         string        `mapstructure:"mode"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	APISecretEnv string        `mapstructure:"api_secret_env"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	SignRequests bool          `mapstructure:"sign_requests"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CandleLimit  int           `mapstructure:"candle_limit"`
	PaperBalance float64       `mapstructure:"paper_balance"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

type NotifyConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKeyEnv string        `mapstructure:"api_key_env"`
	Agent     string        `mapstructure:"agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	SetDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.origin_patterns", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.retention_days", 30)

	v.SetDefault("pipeline.cycle.symbols", []string{"BTC-USDT"})
	v.SetDefault("pipeline.cycle.timeframe", "1m")
	v.SetDefault("pipeline.cycle.cycle_interval_ms", 60000)
	v.SetDefault("pipeline.cycle.deadline_ms", 45000)
	v.SetDefault("pipeline.cycle.grace_ms", 2000)
	v.SetDefault("pipeline.cycle.snapshot_timeout_ms", 10000)
	v.SetDefault("pipeline.cycle.proposal_timeout_ms", 15000)
	v.SetDefault("pipeline.cycle.max_consecutive_failures", 5)
	v.SetDefault("pipeline.cycle.halt_reset_cron", "")
	v.SetDefault("pipeline.cycle.account_sync_interval", "@every 30s")
	v.SetDefault("pipeline.cycle.pattern_memory", 20)

	v.SetDefault("pipeline.backtest.min_candles", 30)
	v.SetDefault("pipeline.backtest.max_candidates", 10)
	v.SetDefault("pipeline.backtest.initial_equity", 10000)
	v.SetDefault("pipeline.backtest.fee_bps", 0)
	v.SetDefault("pipeline.backtest.profit_factor_cap", 999)
	v.SetDefault("pipeline.backtest.workers", 0)

	v.SetDefault("pipeline.scorer.min_sharpe", 0.10)
	v.SetDefault("pipeline.scorer.min_win_rate_pct", 25)
	v.SetDefault("pipeline.scorer.min_trades", 1)
	v.SetDefault("pipeline.scorer.sharpe_weight", 0.40)
	v.SetDefault("pipeline.scorer.return_weight", 0.30)
	v.SetDefault("pipeline.scorer.win_rate_weight", 0.20)
	v.SetDefault("pipeline.scorer.drawdown_weight", 0.10)
	v.SetDefault("pipeline.scorer.sharpe_floor", -1)
	v.SetDefault("pipeline.scorer.sharpe_ceiling", 3)
	v.SetDefault("pipeline.scorer.return_floor_pct", -20)
	v.SetDefault("pipeline.scorer.return_ceiling_pct", 20)
	v.SetDefault("pipeline.scorer.drawdown_floor_pct", 1)
	v.SetDefault("pipeline.scorer.high_return_pct", 5)
	v.SetDefault("pipeline.scorer.high_return_bonus", 0.20)
	v.SetDefault("pipeline.scorer.mid_return_pct", 2)
	v.SetDefault("pipeline.scorer.mid_return_bonus", 0.10)

	v.SetDefault("pipeline.risk.base_margin_fraction", 0.15)
	v.SetDefault("pipeline.risk.confidence_spread", 0.20)
	v.SetDefault("pipeline.risk.min_margin_fraction", 0.15)
	v.SetDefault("pipeline.risk.max_margin_fraction", 0.35)
	v.SetDefault("pipeline.risk.max_leverage", 3)
	v.SetDefault("pipeline.risk.max_portfolio_heat_pct", 0.30)
	v.SetDefault("pipeline.risk.max_positions", 5)
	v.SetDefault("pipeline.risk.max_daily_loss_pct", 0.05)
	v.SetDefault("pipeline.risk.cooldown_minutes", 30)
	v.SetDefault("pipeline.risk.min_expected_move_pct", 0.30)
	v.SetDefault("pipeline.risk.default_lot_size", 0.001)
	v.SetDefault("pipeline.risk.stop_loss_min_pct", 0.5)
	v.SetDefault("pipeline.risk.stop_loss_max_pct", 10)
	v.SetDefault("pipeline.risk.take_profit_min_pct", 1)
	v.SetDefault("pipeline.risk.take_profit_max_pct", 30)
	v.SetDefault("pipeline.risk.risk_score_ceiling", 80)
	v.SetDefault("pipeline.risk.risk_ceiling_cycles", 3)

	v.SetDefault("pipeline.breaker.failure_threshold", 5)
	v.SetDefault("pipeline.breaker.base_timeout_ms", 30000)
	v.SetDefault("pipeline.breaker.max_timeout_ms", 600000)
	v.SetDefault("pipeline.breaker.jitter", 0.1)
	v.SetDefault("pipeline.breaker.alert_cooldown", "15m")

	v.SetDefault("pipeline.execution.rate_limit_tokens_per_interval", 10)
	v.SetDefault("pipeline.execution.rate_limit_interval_ms", 1000)
	v.SetDefault("pipeline.execution.info_tokens_per_interval", 20)
	v.SetDefault("pipeline.execution.max_wait_ms", 5000)
	v.SetDefault("pipeline.execution.idempotency_ttl", "10m")
	v.SetDefault("pipeline.execution.overfill_tolerance_pct", 0.5)
	v.SetDefault("pipeline.execution.overfill_policy", "reject")
	v.SetDefault("pipeline.execution.order_type", "market")
	v.SetDefault("pipeline.execution.limit_offset_bps", 5)
	v.SetDefault("pipeline.execution.retry.max_attempts", 3)
	v.SetDefault("pipeline.execution.retry.initial_backoff_ms", 200)
	v.SetDefault("pipeline.execution.retry.max_backoff_ms", 2000)
	v.SetDefault("pipeline.execution.retry.multiplier", 2.0)
	v.SetDefault("pipeline.execution.retry.jitter", 0.1)

	v.SetDefault("proposer.enabled", false)
	v.SetDefault("proposer.base_url", "")
	v.SetDefault("proposer.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("proposer.model", "gpt-4o-mini")
	v.SetDefault("proposer.timeout", "15s")
	v.SetDefault("proposer.max_candidates", 10)
	v.SetDefault("proposer.temperature", 0.2)

	v.SetDefault("exchange.mode", "paper")
	v.SetDefault("exchange.base_url", "")
	v.SetDefault("exchange.api_key_env", "TP_EXCHANGE_API_KEY")
	v.SetDefault("exchange.api_secret_env", "TP_EXCHANGE_API_SECRET")
	v.SetDefault("exchange.api_key_header", "X-API-Key")
	v.SetDefault("exchange.sign_requests", true)
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.candle_limit", 200)
	v.SetDefault("exchange.paper_balance", 10000)
	v.SetDefault("exchange.retry.max_attempts", 2)
	v.SetDefault("exchange.retry.initial_backoff_ms", 200)
	v.SetDefault("exchange.retry.max_backoff_ms", 1000)
	v.SetDefault("exchange.retry.multiplier", 2.0)
	v.SetDefault("exchange.retry.jitter", 0.1)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.base_url", "")
	v.SetDefault("notify.api_key_env", "TP_NOTIFY_API_KEY")
	v.SetDefault("notify.agent", "trade-pipeline")
	v.SetDefault("notify.timeout", "5s")
}

// Validate rejects settings no stage can work with.
func (c Config) Validate() error {
	var errs []error
	p := c.Pipeline
	if len(p.Cycle.Symbols) == 0 {
		errs = append(errs, errors.New("pipeline.cycle.symbols is empty"))
	}
	if p.Cycle.CycleIntervalMs <= 0 {
		errs = append(errs, errors.New("pipeline.cycle.cycle_interval_ms must be positive"))
	}
	if p.Cycle.DeadlineMs <= 0 {
		errs = append(errs, errors.New("pipeline.cycle.deadline_ms must be positive"))
	}
	if p.Backtest.MinCandles <= 0 {
		errs = append(errs, errors.New("pipeline.backtest.min_candles must be positive"))
	}
	if p.Risk.MaxPortfolioHeatPct <= 0 || p.Risk.MaxPortfolioHeatPct > 1 {
		errs = append(errs, fmt.Errorf("pipeline.risk.max_portfolio_heat_pct %.4f outside (0,1]", p.Risk.MaxPortfolioHeatPct))
	}
	if p.Risk.MinMarginFraction > p.Risk.MaxMarginFraction {
		errs = append(errs, errors.New("pipeline.risk.min_margin_fraction exceeds max_margin_fraction"))
	}
	if p.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("pipeline.breaker.failure_threshold must be positive"))
	}
	if p.Execution.RateLimitTokensPerInterval <= 0 || p.Execution.RateLimitIntervalMs <= 0 {
		errs = append(errs, errors.New("pipeline.execution rate limit must be positive"))
	}
	switch strings.ToLower(strings.TrimSpace(p.Execution.OverfillPolicy)) {
	case "reject", "allow":
	default:
		errs = append(errs, fmt.Errorf("pipeline.execution.overfill_policy %q must be reject or allow", p.Execution.OverfillPolicy))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
