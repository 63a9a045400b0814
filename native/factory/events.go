package factory

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/core/events"
	"wagerchain/core/types"
	"wagerchain/native/escrow"
)

const (
	EventTypeBetCreated           = "factory.bet_created"
	EventTypeFeeUpdated           = "factory.fee_updated"
	EventTypeFeeRecipientUpdated  = "factory.fee_recipient_updated"
	EventTypeOwnershipTransferred = "factory.ownership_transferred"
)

type factoryEvent struct {
	evt *types.Event
}

func (e factoryEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e factoryEvent) Event() *types.Event { return e.evt }

// NewBetCreatedEvent is emitted once the new escrow holds the creator's stake.
func NewBetCreatedEvent(betID uint64, escrowAddr, creator common.Address, currency escrow.Currency, stake *uint256.Int, category [32]byte) *types.Event {
	return &types.Event{
		Type: EventTypeBetCreated,
		Attributes: map[string]string{
			"bet_id":   strconv.FormatUint(betID, 10),
			"escrow":   events.FormatAddress(escrowAddr),
			"creator":  events.FormatAddress(creator),
			"currency": currency.String(),
			"stake":    events.FormatAmount(stake),
			"category": "0x" + hex.EncodeToString(category[:]),
		},
	}
}

func NewFeeUpdatedEvent(factory common.Address, feeBps uint16) *types.Event {
	return &types.Event{
		Type: EventTypeFeeUpdated,
		Attributes: map[string]string{
			"factory": events.FormatAddress(factory),
			"fee_bps": strconv.FormatUint(uint64(feeBps), 10),
		},
	}
}

func NewFeeRecipientUpdatedEvent(factory, recipient common.Address) *types.Event {
	return &types.Event{
		Type: EventTypeFeeRecipientUpdated,
		Attributes: map[string]string{
			"factory":   events.FormatAddress(factory),
			"recipient": events.FormatAddress(recipient),
		},
	}
}

func NewOwnershipTransferredEvent(factory, previous, next common.Address) *types.Event {
	return &types.Event{
		Type: EventTypeOwnershipTransferred,
		Attributes: map[string]string{
			"factory":  events.FormatAddress(factory),
			"previous": events.FormatAddress(previous),
			"owner":    events.FormatAddress(next),
		},
	}
}
