package genesis

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"wagerchain/core/state"
)

var appliedMarker = []byte("genesis/applied")

// Apply credits the genesis allocations to ledger. It runs at most once per
// database: later calls find the persisted marker and report applied=false.
// Allocations are applied in address order so every node derives identical
// state from the same spec.
func Apply(ctx context.Context, ledger *state.Manager, spec *Spec) (applied bool, err error) {
	if ledger == nil {
		return false, fmt.Errorf("ledger must not be nil")
	}
	if spec == nil {
		return false, fmt.Errorf("genesis spec must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return false, err
	}
	if _, done, err := ledger.Get(appliedMarker); err != nil {
		return false, err
	} else if done {
		return false, nil
	}

	err = ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		// 1) Tokens (sorted by address; holders sorted inside)
		tokens := append([]TokenSpec(nil), spec.Tokens...)
		sort.Slice(tokens, func(i, j int) bool {
			return bytes.Compare(tokens[i].addr.Bytes(), tokens[j].addr.Bytes()) < 0
		})
		for i := range tokens {
			tok := &tokens[i]
			if err := tx.RegisterToken(tok.addr, tok.Symbol, tok.Decimals); err != nil {
				return fmt.Errorf("register token %q: %w", tok.Symbol, err)
			}
			holders := make([]common.Address, 0, len(tok.holdings))
			for holder := range tok.holdings {
				holders = append(holders, holder)
			}
			sortAddresses(holders)
			for _, holder := range holders {
				if err := tx.MintToken(tok.addr, holder, tok.holdings[holder]); err != nil {
					return fmt.Errorf("token %q holder %s: %w", tok.Symbol, holder.Hex(), err)
				}
			}
		}

		// 2) Native allocations (sorted by address)
		accounts := append([]AccountSpec(nil), spec.Accounts...)
		sort.Slice(accounts, func(i, j int) bool {
			return bytes.Compare(accounts[i].addr.Bytes(), accounts[j].addr.Bytes()) < 0
		})
		for _, acc := range accounts {
			if err := tx.Mint(acc.addr, acc.amount); err != nil {
				return fmt.Errorf("alloc %s: %w", acc.addr.Hex(), err)
			}
		}

		tx.Put(appliedMarker, []byte{1})
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0
	})
}
