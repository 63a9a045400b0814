package escrow

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status names the lifecycle position of an escrow. The only transitions are
// Open→Joined→Settled and Open→Refunded.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusJoined
	StatusSettled
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusJoined, StatusSettled, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusJoined:
		return "joined"
	case StatusSettled:
		return "settled"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// State is the custody state of an escrow. Each variant carries only the data
// that exists in that state.
type State interface {
	Status() Status
	isState()
}

// Open holds the creator's deposit while waiting for a counterparty.
type Open struct{}

// Joined holds both deposits until a participant admits loss.
type Joined struct{}

// Settled records the declared winner and how the pot was split.
type Settled struct {
	Winner common.Address
	Payout *uint256.Int
	Fee    *uint256.Int
}

// Refunded records the stake returned to the creator.
type Refunded struct {
	Amount *uint256.Int
}

func (Open) Status() Status     { return StatusOpen }
func (Joined) Status() Status   { return StatusJoined }
func (Settled) Status() Status  { return StatusSettled }
func (Refunded) Status() Status { return StatusRefunded }

func (Open) isState()     {}
func (Joined) isState()   {}
func (Settled) isState()  {}
func (Refunded) isState() {}

// WinnerOf returns the winner when s is Settled.
func WinnerOf(s State) (common.Address, bool) {
	settled, ok := s.(Settled)
	if !ok {
		return common.Address{}, false
	}
	return settled.Winner, true
}

// Info is a point-in-time copy of an escrow.
type Info struct {
	Address    common.Address
	Factory    common.Address
	Creator    common.Address
	Opponent   common.Address
	OpenInvite bool
	Currency   Currency
	Stake      *uint256.Int
	Deadline   int64
	CreatedAt  int64
	Category   [32]byte
	State      State
	// Held is what the escrow currently custodies in its currency.
	Held *uint256.Int
}

// Status returns the lifecycle status of the snapshot.
func (i Info) Status() Status {
	if i.State == nil {
		return 0
	}
	return i.State.Status()
}

// Winner returns the winner when the snapshot is Settled.
func (i Info) Winner() (common.Address, bool) {
	if i.State == nil {
		return common.Address{}, false
	}
	return WinnerOf(i.State)
}

// HasOpponent reports whether a counterparty is known, either because it was
// named at creation or because someone joined an open invite.
func (i Info) HasOpponent() bool {
	return i.Opponent != (common.Address{})
}
