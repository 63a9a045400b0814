package escrow

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/core/events"
	"wagerchain/core/types"
)

const (
	EventTypeEscrowCreated  = "escrow.created"
	EventTypeEscrowJoined   = "escrow.joined"
	EventTypeEscrowSettled  = "escrow.settled"
	EventTypeEscrowRefunded = "escrow.refunded"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical payload for a newly deployed escrow.
// The opponent attribute is empty for open invites.
func NewCreatedEvent(e *Escrow) *types.Event {
	attrs := baseAttributes(e.address)
	attrs["creator"] = events.FormatAddress(e.creator)
	attrs["opponent"] = ""
	if !e.openInvite {
		attrs["opponent"] = events.FormatAddress(e.opponent)
	}
	attrs["currency"] = e.currency.String()
	attrs["stake"] = events.FormatAmount(e.stake)
	attrs["deadline"] = strconv.FormatInt(e.deadline, 10)
	attrs["category"] = "0x" + hex.EncodeToString(e.category[:])
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

// NewJoinedEvent returns the payload emitted when the counterparty deposits.
func NewJoinedEvent(escrow, opponent common.Address) *types.Event {
	attrs := baseAttributes(escrow)
	attrs["opponent"] = events.FormatAddress(opponent)
	return &types.Event{Type: EventTypeEscrowJoined, Attributes: attrs}
}

// NewSettledEvent returns the payload emitted once the pot is distributed.
func NewSettledEvent(escrow common.Address, currency Currency, s Settled) *types.Event {
	attrs := baseAttributes(escrow)
	attrs["currency"] = currency.String()
	attrs["winner"] = events.FormatAddress(s.Winner)
	attrs["payout"] = events.FormatAmount(s.Payout)
	attrs["fee"] = events.FormatAmount(s.Fee)
	return &types.Event{Type: EventTypeEscrowSettled, Attributes: attrs}
}

// NewRefundedEvent returns the payload emitted when an unjoined stake goes
// back to the creator.
func NewRefundedEvent(escrow, creator common.Address, amount *uint256.Int) *types.Event {
	attrs := baseAttributes(escrow)
	attrs["creator"] = events.FormatAddress(creator)
	attrs["amount"] = events.FormatAmount(amount)
	return &types.Event{Type: EventTypeEscrowRefunded, Attributes: attrs}
}

func baseAttributes(escrow common.Address) map[string]string {
	return map[string]string{"escrow": events.FormatAddress(escrow)}
}
