package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"wagerchain/crypto"
)

// MaxFeeBps mirrors the factory fee ceiling (20%).
const MaxFeeBps = 2_000

// MinHMACSecretLength is the shortest accepted RPC token secret.
const MinHMACSecretLength = 16

// FactoryAddresses are the parsed identities of the factory section.
type FactoryAddresses struct {
	Address      common.Address
	Owner        common.Address
	FeeRecipient common.Address
}

// Addresses parses the factory identities, accepting hex or bech32 forms.
func (f FactoryConfig) Addresses() (FactoryAddresses, error) {
	var out FactoryAddresses
	var err error
	if out.Address, err = parseRequired("Factory.Address", f.Address); err != nil {
		return out, err
	}
	if out.Owner, err = parseRequired("Factory.Owner", f.Owner); err != nil {
		return out, err
	}
	if out.FeeRecipient, err = parseRequired("Factory.FeeRecipient", f.FeeRecipient); err != nil {
		return out, err
	}
	return out, nil
}

func parseRequired(field, value string) (common.Address, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", field, err)
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address not allowed", field)
	}
	return addr, nil
}

// Validate checks the settings the node cannot start without.
func (c *Config) Validate() error {
	if c.Factory.FeeBps > MaxFeeBps {
		return fmt.Errorf("Factory.FeeBps %d exceeds %d", c.Factory.FeeBps, MaxFeeBps)
	}
	if _, err := c.Factory.Addresses(); err != nil {
		return err
	}
	if len(strings.TrimSpace(c.Auth.HMACSecret)) < MinHMACSecretLength {
		return fmt.Errorf("Auth.HMACSecret must be at least %d characters (or set %s)", MinHMACSecretLength, EnvRPCTokenSecret)
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("RateLimit: RequestsPerMinute and Burst must be positive")
	}
	if err := c.Genesis.Validate(); err != nil {
		return fmt.Errorf("Genesis: %w", err)
	}
	return nil
}
