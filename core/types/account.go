package types

import "math/big"

// Account is the persisted native-currency record of a single identity. The
// nonce counts contract creations performed by the account.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// TokenHolding is the persisted position of one holder for one token.
type TokenHolding struct {
	Balance *big.Int `json:"balance"`
	Frozen  bool     `json:"frozen"`
}

// TokenInfo describes a fungible token registered with the ledger.
type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Paused   bool   `json:"paused"`
}
