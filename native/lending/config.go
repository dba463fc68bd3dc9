package lending

import (
	"fmt"
	"strings"
	"time"

	"credx/crypto"
)

const (
	DefaultLTVRatioBps          = 6_000
	MaxLTVRatioBps              = 9_000
	DefaultCreditSymbol         = "CXC"
	DefaultCreditDecimals       = 6
	DefaultMaxPriceAgeSeconds   = 300
)

// Config captures the runtime configuration for the credit engine.
type Config struct {
	LTVRatioBps    uint64 `toml:"LTVRatioBps"`
	CreditSymbol   string `toml:"CreditSymbol"`
	CreditDecimals uint8  `toml:"CreditDecimals"`
	// CollateralWhitelist lists accepted collateral assets either as bech32
	// asset addresses or as symbols created through CreateCollateralAsset.
	CollateralWhitelist []string `toml:"CollateralWhitelist"`
	MaxPriceAgeSeconds  uint64   `toml:"MaxPriceAgeSeconds"`
	// DelegationTTLSeconds bounds the spend delegation granted on deposit and
	// refreshed on borrow. Zero keeps it for the lifetime of the loan.
	DelegationTTLSeconds uint64 `toml:"DelegationTTLSeconds"`
}

// DefaultConfig returns the canonical deployment parameters.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.EnsureDefaults()
	return cfg
}

// EnsureDefaults fills unset fields. LTVRatioBps is left alone when set so an
// out-of-range value surfaces at protocol initialisation.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	if c.LTVRatioBps == 0 {
		c.LTVRatioBps = DefaultLTVRatioBps
	}
	c.CreditSymbol = strings.ToUpper(strings.TrimSpace(c.CreditSymbol))
	if c.CreditSymbol == "" {
		c.CreditSymbol = DefaultCreditSymbol
	}
	if c.CreditDecimals == 0 {
		c.CreditDecimals = DefaultCreditDecimals
	}
	if c.MaxPriceAgeSeconds == 0 {
		c.MaxPriceAgeSeconds = DefaultMaxPriceAgeSeconds
	}
	if c.CollateralWhitelist == nil {
		c.CollateralWhitelist = []string{}
	}
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	clone := c
	clone.CollateralWhitelist = append([]string(nil), c.CollateralWhitelist...)
	return clone
}

// MaxPriceAge is the oracle freshness window.
func (c Config) MaxPriceAge() time.Duration {
	return time.Duration(c.MaxPriceAgeSeconds) * time.Second
}

// DelegationTTL is the lifetime granted to a spend delegation. Zero means the
// delegation does not expire.
func (c Config) DelegationTTL() time.Duration {
	return time.Duration(c.DelegationTTLSeconds) * time.Second
}

// Whitelist resolves CollateralWhitelist into asset addresses.
func (c Config) Whitelist() ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(c.CollateralWhitelist))
	for _, entry := range c.CollateralWhitelist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, string(crypto.AssetPrefix)+"1") {
			addr, err := crypto.DecodeAddress(entry)
			if err != nil {
				return nil, fmt.Errorf("collateral whitelist entry %q: %w", entry, err)
			}
			out = append(out, addr)
			continue
		}
		out = append(out, CollateralAssetID(entry))
	}
	return out, nil
}
