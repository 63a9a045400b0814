package genesis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/crypto"
)

// Spec lists the balances and tokens a fresh ledger starts with.
type Spec struct {
	Accounts []AccountSpec `json:"accounts" toml:"Accounts"`
	Tokens   []TokenSpec   `json:"tokens" toml:"Tokens"`
}

// AccountSpec credits native value to an address.
type AccountSpec struct {
	Address string `json:"address" toml:"Address"`
	Balance string `json:"balance" toml:"Balance"`

	addr   common.Address
	amount *uint256.Int
}

// TokenSpec registers a fungible token and its initial holders.
type TokenSpec struct {
	Address  string            `json:"address" toml:"Address"`
	Symbol   string            `json:"symbol" toml:"Symbol"`
	Decimals uint8             `json:"decimals" toml:"Decimals"`
	Balances map[string]string `json:"balances" toml:"Balances"` // holder -> amount

	addr     common.Address
	holdings map[common.Address]*uint256.Int
}

// LoadSpec reads a JSON genesis document. Unknown fields are rejected.
func LoadSpec(path string) (*Spec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec Spec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// Validate parses every address and amount, rejecting duplicates.
func (s *Spec) Validate() error {
	if s == nil {
		return nil
	}
	seenAccounts := make(map[common.Address]struct{}, len(s.Accounts))
	for i := range s.Accounts {
		acc := &s.Accounts[i]
		addr, err := crypto.ParseAddress(acc.Address)
		if err != nil {
			return fmt.Errorf("account[%d]: %w", i, err)
		}
		if _, dup := seenAccounts[addr]; dup {
			return fmt.Errorf("account[%d]: duplicate address %s", i, addr.Hex())
		}
		seenAccounts[addr] = struct{}{}
		amount, err := parseAmountString(acc.Balance)
		if err != nil {
			return fmt.Errorf("account[%d]: %w", i, err)
		}
		acc.addr, acc.amount = addr, amount
	}

	seenTokens := make(map[common.Address]struct{}, len(s.Tokens))
	for i := range s.Tokens {
		tok := &s.Tokens[i]
		if strings.TrimSpace(tok.Symbol) == "" {
			return fmt.Errorf("token[%d]: symbol must be provided", i)
		}
		addr, err := crypto.ParseAddress(tok.Address)
		if err != nil {
			return fmt.Errorf("token[%d]: %w", i, err)
		}
		if _, dup := seenTokens[addr]; dup {
			return fmt.Errorf("token[%d]: duplicate address %s", i, addr.Hex())
		}
		seenTokens[addr] = struct{}{}
		tok.addr = addr
		tok.holdings = make(map[common.Address]*uint256.Int, len(tok.Balances))
		for holder, value := range tok.Balances {
			holderAddr, err := crypto.ParseAddress(holder)
			if err != nil {
				return fmt.Errorf("token[%d] holder %q: %w", i, holder, err)
			}
			amount, err := parseAmountString(value)
			if err != nil {
				return fmt.Errorf("token[%d] holder %q: %w", i, holder, err)
			}
			tok.holdings[holderAddr] = amount
		}
	}
	return nil
}

func parseAmountString(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("amount %q exceeds 256 bits", value)
	}
	return out, nil
}
