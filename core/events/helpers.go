package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FormatAmount renders an amount in base units; nil renders as zero.
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// FormatAddress renders an identity in checksummed hex.
func FormatAddress(addr common.Address) string {
	return addr.Hex()
}
