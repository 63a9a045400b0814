package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/core/state"
)

// Currency identifies what a bet is denominated in: the ledger's native asset
// or a registered fungible token.
type Currency struct {
	token   common.Address
	isToken bool
}

// Native returns the native-asset currency.
func Native() Currency { return Currency{} }

// Token returns the currency of the fungible token deployed at addr.
func Token(addr common.Address) Currency { return Currency{token: addr, isToken: true} }

// CurrencyFromAddress converts the wire form used by external callers, where
// the zero address stands for the native asset.
func CurrencyFromAddress(addr common.Address) Currency {
	if addr == (common.Address{}) {
		return Native()
	}
	return Token(addr)
}

// IsNative reports whether c is the native asset.
func (c Currency) IsNative() bool { return !c.isToken }

// TokenAddress returns the token contract address for token currencies.
func (c Currency) TokenAddress() (common.Address, bool) { return c.token, c.isToken }

// Address returns the wire form of c (zero for native).
func (c Currency) Address() common.Address { return c.token }

func (c Currency) String() string {
	if c.isToken {
		return c.token.Hex()
	}
	return "native"
}

// Push sends amount held by from to to. Native pushes notify the recipient
// and may fail if it rejects the value.
func (c Currency) Push(ctx context.Context, tx *state.Tx, from, to common.Address, amount *uint256.Int) error {
	if c.isToken {
		return tx.TransferToken(c.token, from, to, amount)
	}
	return tx.TransferNative(ctx, from, to, amount)
}

// Pull moves amount from payer into collector. For native currency this is
// the value payer attached to the call; for tokens collector spends the
// allowance payer granted it beforehand.
func (c Currency) Pull(ctx context.Context, tx *state.Tx, collector, payer common.Address, amount *uint256.Int) error {
	if c.isToken {
		return tx.TransferTokenFrom(c.token, collector, payer, collector, amount)
	}
	return tx.TransferNative(ctx, payer, collector, amount)
}

// BalanceOf returns how much of c holder owns.
func (c Currency) BalanceOf(r state.Reader, holder common.Address) (*uint256.Int, error) {
	if c.isToken {
		return r.TokenBalance(c.token, holder)
	}
	return r.NativeBalance(holder)
}
