package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the node-level protocol configuration loaded from TOML.
type Config struct {
	DataDir string `toml:"DataDir"`

	// Currencies is the allow-list of currency symbols offers may use.
	Currencies []string `toml:"Currencies"`
	// Collections is the allow-list of collateral contracts, hex encoded.
	Collections []string `toml:"Collections"`

	// FeeTreasury receives origination fees, hex encoded.
	FeeTreasury string `toml:"FeeTreasury"`
	// EscrowVault holds escrowed collateral, hex encoded.
	EscrowVault string `toml:"EscrowVault"`
	// BidVault holds auction bid funds between acceptance and settlement,
	// hex encoded.
	BidVault string `toml:"BidVault"`

	MaxOriginationFeeBps uint64 `toml:"MaxOriginationFeeBps"`
	MinAuctionDuration   int64  `toml:"MinAuctionDuration"`

	// PausedModules disables mutating calls per module (offers, lending,
	// collateral, auction).
	PausedModules []string `toml:"PausedModules"`
}

// Load reads the configuration at path, creating a commented default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if c.Currencies == nil {
		c.Currencies = []string{}
	}
	if c.Collections == nil {
		c.Collections = []string{}
	}
	if c.MaxOriginationFeeBps == 0 {
		c.MaxOriginationFeeBps = 1_000
	}
}

// Validate checks address formats and fee bounds.
func (c *Config) Validate() error {
	if c.MaxOriginationFeeBps > 10_000 {
		return fmt.Errorf("config: MaxOriginationFeeBps must not exceed 10000")
	}
	if c.MinAuctionDuration < 0 {
		return fmt.Errorf("config: MinAuctionDuration must not be negative")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"FeeTreasury", c.FeeTreasury},
		{"EscrowVault", c.EscrowVault},
		{"BidVault", c.BidVault},
	} {
		if field.value == "" {
			continue
		}
		if _, err := ParseAddress(field.value); err != nil {
			return fmt.Errorf("config: %s: %w", field.name, err)
		}
	}
	for _, collection := range c.Collections {
		if _, err := ParseAddress(collection); err != nil {
			return fmt.Errorf("config: Collections entry %q: %w", collection, err)
		}
	}
	return nil
}

// FeeTreasuryAddress parses the configured fee treasury.
func (c *Config) FeeTreasuryAddress() ([20]byte, error) {
	return ParseAddress(c.FeeTreasury)
}

// EscrowVaultAddress parses the configured escrow vault.
func (c *Config) EscrowVaultAddress() ([20]byte, error) {
	return ParseAddress(c.EscrowVault)
}

// BidVaultAddress parses the configured bid vault.
func (c *Config) BidVaultAddress() ([20]byte, error) {
	return ParseAddress(c.BidVault)
}

// ParseAddress decodes a hex string, with or without a 0x prefix, into a
// 20-byte address.
func ParseAddress(value string) ([20]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(raw) != 20 {
		return [20]byte{}, fmt.Errorf("invalid address length: %d bytes", len(raw))
	}
	var addr [20]byte
	copy(addr[:], raw)
	return addr, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
