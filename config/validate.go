package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/allowance-engine/billing"
)

// Validate performs business-rule validation on the loaded configuration.
// It must be called after loading; Load calls it automatically.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := c.Billing.validate(); err != nil {
		return fmt.Errorf("billing: %w", err)
	}

	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0 (got %s)", c.Scheduler.Interval)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}

	return nil
}

func (d *DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverMemory:
	case DriverSQLite:
		if d.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for driver %q", d.Driver)
		}
	case DriverPostgres:
		if d.DSN == "" {
			return fmt.Errorf("dsn is required for driver %q", d.Driver)
		}
		if d.MaxConns < 1 || d.MinConns < 0 || d.MinConns > d.MaxConns {
			return fmt.Errorf("invalid pool size min=%d max=%d", d.MinConns, d.MaxConns)
		}
	default:
		return fmt.Errorf("unknown driver %q", d.Driver)
	}
	return nil
}

func (b *BillingConfig) validate() error {
	if _, err := billing.ParseCompensationRule(b.CompensationRule); err != nil {
		return fmt.Errorf("compensation_rule: %w", err)
	}

	share, err := decimal.NewFromString(b.DeveloperShare)
	if err != nil {
		return fmt.Errorf("developer_share: %w", err)
	}
	if share.IsNegative() || share.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("developer_share must be in [0, 1] (got %s)", b.DeveloperShare)
	}

	if b.MaxConflictRetries < 1 {
		return fmt.Errorf("max_conflict_retries must be >= 1 (got %d)", b.MaxConflictRetries)
	}

	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	b.Location = loc

	return nil
}

// Calculator builds the split calculator described by the billing section.
// Validate must have succeeded.
func (b BillingConfig) Calculator() *billing.SplitCalculator {
	rule, _ := billing.ParseCompensationRule(b.CompensationRule)
	share, err := decimal.NewFromString(b.DeveloperShare)
	if err != nil {
		share = billing.DefaultDeveloperShare
	}
	return &billing.SplitCalculator{Rule: rule, DeveloperShare: share}
}
