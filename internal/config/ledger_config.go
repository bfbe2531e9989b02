package config

import (
	"fmt"
	"os"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/weighted-stake-ledger/internal/export"
	"github.com/yourorg/weighted-stake-ledger/internal/ledger"
	"github.com/yourorg/weighted-stake-ledger/internal/types"
	"github.com/yourorg/weighted-stake-ledger/internal/units"
)

// LedgerConfig is the YAML description of a ledger deployment
type LedgerConfig struct {
	Admin       string   `yaml:"admin"`
	Custody     string   `yaml:"custody"`
	Decimals    uint8    `yaml:"decimals"`
	MinStake    string   `yaml:"min_stake"` // whole tokens
	Periods     []uint64 `yaml:"periods"`
	PenaltyRate uint64   `yaml:"penalty_rate"`
	PotAddress  string   `yaml:"pot_address"`

	Clock ClockConfig `yaml:"clock"`

	// GenesisBalances seeds the in-memory bank, in whole tokens
	GenesisBalances map[string]string `yaml:"genesis_balances"`

	Export export.Config `yaml:"export"`
}

// ClockConfig derives block heights from wall time
type ClockConfig struct {
	Genesis  string `yaml:"genesis"` // RFC3339
	Interval string `yaml:"interval"`
}

// DefaultLedgerConfig returns the parameters of a freshly deployed ledger
func DefaultLedgerConfig() *LedgerConfig {
	p := ledger.DefaultParams()
	return &LedgerConfig{
		Admin:       "0x0000000000000000000000000000000000000001",
		Custody:     "0x00000000000000000000000000000000000000cc",
		Decimals:    units.DefaultDecimals,
		MinStake:    "1",
		Periods:     p.Periods,
		PenaltyRate: p.PenaltyRate,
		Clock: ClockConfig{
			Interval: "13s",
		},
		Export: export.Config{
			BatchSize:      100,
			ExportInterval: "1m",
			RetryMax:       3,
		},
	}
}

// LoadLedgerConfig loads the ledger configuration from a YAML file, or the
// defaults when path is empty, then applies environment overrides
func LoadLedgerConfig(path string) (*LedgerConfig, error) {
	cfg := DefaultLedgerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logrus.Infof("Loaded ledger configuration from %s", path)
	}

	return applyEnvOverrides(cfg), nil
}

// applyEnvOverrides applies environment variable overrides to the loaded configuration
func applyEnvOverrides(cfg *LedgerConfig) *LedgerConfig {
	if admin := os.Getenv("ADMIN_ADDRESS"); admin != "" {
		cfg.Admin = admin
	}
	if custody := os.Getenv("CUSTODY_ADDRESS"); custody != "" {
		cfg.Custody = custody
	}
	if pot := os.Getenv("POT_ADDRESS"); pot != "" {
		cfg.PotAddress = pot
	}

	cfg.Export.Enabled = GetEnvAsBool("EXPORT_ENABLED", cfg.Export.Enabled)
	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		cfg.Export.WebhookURL = url
	}
	if key := os.Getenv("WEBHOOK_API_KEY"); key != "" {
		cfg.Export.WebhookAPIKey = key
	}
	return cfg
}

// Accounts parses the admin and custody accounts
func (c *LedgerConfig) Accounts() (admin, custody types.Address, err error) {
	if admin, err = types.ParseAddress(c.Admin); err != nil {
		return admin, custody, fmt.Errorf("admin: %w", err)
	}
	if custody, err = types.ParseAddress(c.Custody); err != nil {
		return admin, custody, fmt.Errorf("custody: %w", err)
	}
	if admin == custody {
		return admin, custody, fmt.Errorf("admin and custody must differ")
	}
	return admin, custody, nil
}

// Params builds the initial ledger parameters
func (c *LedgerConfig) Params() (ledger.Params, error) {
	p := ledger.Params{
		Version:     1,
		Periods:     c.Periods,
		PenaltyRate: c.PenaltyRate,
	}
	if p.PenaltyRate > 100 {
		return p, fmt.Errorf("penalty_rate %d: %w", p.PenaltyRate, ledger.ErrOutOfRange)
	}
	if c.PotAddress != "" {
		pot, err := types.ParseAddress(c.PotAddress)
		if err != nil {
			return p, fmt.Errorf("pot_address: %w", err)
		}
		p.PotAddress = pot
	}
	return p, nil
}

// MinStakeAmount converts the minimum stake to base units
func (c *LedgerConfig) MinStakeAmount() (*uint256.Int, error) {
	amount, err := units.ParseTokens(c.MinStake, c.Decimals)
	if err != nil {
		return nil, fmt.Errorf("min_stake: %w", err)
	}
	return amount, nil
}

// Balances converts the genesis balances to base units
func (c *LedgerConfig) Balances() (map[types.Address]*uint256.Int, error) {
	out := make(map[types.Address]*uint256.Int, len(c.GenesisBalances))
	for account, tokens := range c.GenesisBalances {
		addr, err := types.ParseAddress(account)
		if err != nil {
			return nil, fmt.Errorf("genesis balance: %w", err)
		}
		amount, err := units.ParseTokens(tokens, c.Decimals)
		if err != nil {
			return nil, fmt.Errorf("genesis balance of %s: %w", account, err)
		}
		out[addr] = amount
	}
	return out, nil
}

// ClockSettings returns the genesis time and block interval. A missing
// genesis starts the chain now.
func (c *LedgerConfig) ClockSettings() (time.Time, time.Duration, error) {
	genesis := time.Now()
	if c.Clock.Genesis != "" {
		t, err := time.Parse(time.RFC3339, c.Clock.Genesis)
		if err != nil {
			return genesis, 0, fmt.Errorf("clock genesis: %w", err)
		}
		genesis = t
	}

	var interval time.Duration
	if c.Clock.Interval != "" {
		d, err := time.ParseDuration(c.Clock.Interval)
		if err != nil {
			return genesis, 0, fmt.Errorf("clock interval: %w", err)
		}
		interval = d
	}
	return genesis, interval, nil
}
