package escrow

import (
	"github.com/holiman/uint256"

	coreerrors "wagerchain/core/errors"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

// SplitPot computes the settlement of a joined bet: the pot is twice the stake,
// the fee is floor(pot × feeBps / 10000) and the winner receives the rest.
// fee + payout always equals total.
func SplitPot(stake *uint256.Int, feeBps uint16) (total, fee, payout *uint256.Int, err error) {
	if stake == nil || stake.IsZero() {
		return nil, nil, nil, coreerrors.ErrInvalidAmount
	}
	if feeBps > BpsDenominator {
		return nil, nil, nil, coreerrors.ErrFeeTooHigh
	}
	total, overflow := new(uint256.Int).MulOverflow(stake, uint256.NewInt(2))
	if overflow {
		return nil, nil, nil, coreerrors.ErrInvalidAmount
	}
	fee, overflow = new(uint256.Int).MulDivOverflow(total, uint256.NewInt(uint64(feeBps)), uint256.NewInt(BpsDenominator))
	if overflow {
		return nil, nil, nil, coreerrors.ErrInvalidAmount
	}
	payout = new(uint256.Int).Sub(total, fee)
	return total, fee, payout, nil
}
