// Package config loads and validates the engine's operator configuration
// (spec.md §6): YAML on disk, overridable by environment variables,
// refusing to start the process on any invalid value. Grounded on the
// teacher's viper-free YAML config loader (internal/config, gopkg.in/yaml.v3)
// plus its fail-fast validate-before-serve convention.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/ironfly-systems/butterfly-engine/internal/errs"
)

// Duration wraps time.Duration with YAML decoding from Go duration strings
// ("10m", "1s") — yaml.v3 has no native time.Duration support, so every
// duration-typed field below uses this instead.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string ("10m") or a bare integer
// nanosecond count, matching time.ParseDuration's own string grammar.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err == nil {
			*d = Duration(parsed)
			return nil
		}
		// yaml.v3 decodes any scalar into a string, so a bare integer
		// reaches this point; fall back to reading it as nanoseconds.
		var n int64
		if nerr := value.Decode(&n); nerr != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// D returns the plain time.Duration value.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the full set of spec.md §6 operator parameters.
type Config struct {
	Environment string `yaml:"environment"`

	Session struct {
		StartTime string `yaml:"start_time"` // "HH:MM" local
		EndTime   string `yaml:"end_time"`
	} `yaml:"session"`

	Cycle struct {
		Count    int      `yaml:"count"`
		Interval Duration `yaml:"interval"`
	} `yaml:"cycle"`

	Builder struct {
		Quantity       decimal.Decimal `yaml:"quantity"`
		StrikeDistance int64           `yaml:"strike_distance"`
		LegPoolSize    int             `yaml:"leg_pool_size"`
	} `yaml:"builder"`

	FillDriver struct {
		PollInterval  Duration        `yaml:"poll_interval"`
		OrderDeadline Duration        `yaml:"order_deadline"`
		TickSize      decimal.Decimal `yaml:"tick_size"`
		RateLimitCap  Duration        `yaml:"rate_limit_cap"`
	} `yaml:"fill_driver"`

	Monitor struct {
		Interval    Duration `yaml:"interval"`
		SnapshotBuf int      `yaml:"snapshot_buffer"`
	} `yaml:"monitor"`

	Risk struct {
		StopLossPct      decimal.Decimal `yaml:"stop_loss_pct"`
		ProfitTargetPct  decimal.Decimal `yaml:"profit_target_pct"`
		PortfolioRiskPct decimal.Decimal `yaml:"portfolio_risk_pct"`
	} `yaml:"risk"`

	Resilience struct {
		RetryAttempts    int      `yaml:"retry_attempts"`
		RetryBase        Duration `yaml:"retry_base"`
		FailureThreshold uint32   `yaml:"failure_threshold"`
		SuccessThreshold uint32   `yaml:"success_threshold"`
		OpenTimeout      Duration `yaml:"open_timeout"`
		ResetInterval    Duration `yaml:"reset_interval"`
	} `yaml:"resilience"`

	Shutdown struct {
		CloseDeadline Duration `yaml:"close_deadline"`
	} `yaml:"shutdown"`

	Alert struct {
		RepeatThreshold int      `yaml:"repeat_threshold"`
		Cooldown        Duration `yaml:"cooldown"`
	} `yaml:"alert"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads path, applies ENGINE_-prefixed environment overrides, and
// validates the result. A fatal *errs.Error (Kind CONFIG) is returned on any
// violation, by design never recoverable (spec.md §6: "the process must
// refuse to start rather than run with an invalid value").
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.ConfigError(path, "cannot read config file: "+err.Error())
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.ConfigError(path, "cannot parse config file: "+err.Error())
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides mirrors the teacher's env-override convention: any
// ENGINE_* variable present overrides the corresponding YAML field.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINE_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("ENGINE_CYCLE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cycle.Count = n
		}
	}
	if v := os.Getenv("ENGINE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// validate implements spec.md §6's fail-fast rules. Every violation is
// reported as a CONFIG error naming the offending key, never recoverable.
func (c *Config) validate() error {
	if c.Session.StartTime == "" || c.Session.EndTime == "" {
		return errs.ConfigError("session.start_time/end_time", "session window must be set")
	}
	if c.Cycle.Count <= 0 {
		return errs.ConfigError("cycle.count", fmt.Sprintf("must be positive, got %d", c.Cycle.Count))
	}
	if c.Cycle.Interval <= 0 {
		return errs.ConfigError("cycle.interval", "must be positive")
	}
	if c.Builder.Quantity.IsZero() || c.Builder.Quantity.IsNegative() {
		return errs.ConfigError("builder.quantity", "must be positive")
	}
	if c.Builder.StrikeDistance <= 0 {
		return errs.ConfigError("builder.strike_distance", "must be positive")
	}
	if c.FillDriver.TickSize.IsZero() || c.FillDriver.TickSize.IsNegative() {
		return errs.ConfigError("fill_driver.tick_size", "must be positive")
	}
	if c.Risk.StopLossPct.IsNegative() || c.Risk.StopLossPct.IsZero() {
		return errs.ConfigError("risk.stop_loss_pct", "must be positive")
	}
	if c.Risk.ProfitTargetPct.IsNegative() || c.Risk.ProfitTargetPct.IsZero() {
		return errs.ConfigError("risk.profit_target_pct", "must be positive")
	}
	if c.Risk.PortfolioRiskPct.IsNegative() || c.Risk.PortfolioRiskPct.IsZero() {
		return errs.ConfigError("risk.portfolio_risk_pct", "must be positive")
	}
	if c.Resilience.FailureThreshold == 0 {
		return errs.ConfigError("resilience.failure_threshold", "must be positive")
	}
	if c.Resilience.SuccessThreshold == 0 {
		return errs.ConfigError("resilience.success_threshold", "must be positive")
	}
	return nil
}
