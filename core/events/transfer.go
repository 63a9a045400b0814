package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/core/types"
)

const (
	// TypeTransferNative is emitted for native balance movements.
	TypeTransferNative = "transfer.native"
	// TypeTransferToken is emitted for fungible token balance movements.
	TypeTransferToken = "transfer.token"
	// TypeTokenApproval is emitted when a holder sets a spender allowance.
	TypeTokenApproval = "token.approval"
)

type Transfer struct {
	Token  *common.Address
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func (e Transfer) EventType() string {
	if e.Token != nil {
		return TypeTransferToken
	}
	return TypeTransferNative
}

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   FormatAddress(e.From),
		"to":     FormatAddress(e.To),
		"amount": FormatAmount(e.Amount),
	}
	if e.Token != nil {
		attrs["token"] = FormatAddress(*e.Token)
	}
	return &types.Event{Type: e.EventType(), Attributes: attrs}
}

type Approval struct {
	Token   common.Address
	Owner   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

func (Approval) EventType() string { return TypeTokenApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenApproval,
		Attributes: map[string]string{
			"token":   FormatAddress(e.Token),
			"owner":   FormatAddress(e.Owner),
			"spender": FormatAddress(e.Spender),
			"amount":  FormatAmount(e.Amount),
		},
	}
}
