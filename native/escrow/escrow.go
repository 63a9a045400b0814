package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	coreerrors "wagerchain/core/errors"
	"wagerchain/core/state"
)

// FeeSource supplies the fee parameters applied at settlement. It is read
// every time a bet settles, so fee changes apply to bets already open. The
// context carries the settling transaction.
type FeeSource interface {
	FeeInfo(ctx context.Context) (feeBps uint16, recipient common.Address)
}

// Params describes a bet at deployment time.
type Params struct {
	Creator common.Address
	// Opponent names the only identity allowed to join. Nil makes the bet an
	// open invite that anyone but the creator may take.
	Opponent *common.Address
	Currency Currency
	Stake    *uint256.Int
	Deadline int64
	Category [32]byte
	// Factory is the deploying registry; Fees is normally the same object.
	Factory common.Address
	Fees    FeeSource
	// Now overrides the clock; nil uses the wall clock.
	Now func() int64
}

// Escrow custodies the stakes of exactly one two-party bet.
type Escrow struct {
	ledger *state.Manager
	fees   FeeSource
	nowFn  func() int64

	address    common.Address
	factory    common.Address
	creator    common.Address
	openInvite bool
	currency   Currency
	stake      *uint256.Int
	deadline   int64
	createdAt  int64
	category   [32]byte

	// entered is the reentrancy guard of this instance.
	entered atomic.Bool

	mu       sync.RWMutex
	opponent common.Address
	state    State
}

// Deploy instantiates an escrow at the address derived from deployer's
// creation nonce. A non-zero value is moved from deployer into the escrow as
// part of the deployment; that is how native stakes arrive. Token stakes are
// transferred in by the deployer afterwards.
func Deploy(ctx context.Context, ledger *state.Manager, deployer common.Address, p Params, value *uint256.Int) (*Escrow, error) {
	var esc *Escrow
	err := ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		now := clockOrDefault(p.Now)
		if p.Creator == (common.Address{}) {
			return coreerrors.ErrZeroCreator
		}
		if p.Stake == nil || p.Stake.IsZero() {
			return coreerrors.ErrInvalidAmount
		}
		createdAt := now()
		if p.Deadline <= createdAt {
			return coreerrors.ErrDeadlineInPast
		}
		if p.Factory == (common.Address{}) || p.Fees == nil {
			return coreerrors.ErrZeroFactory
		}
		if p.Opponent != nil && *p.Opponent == p.Creator {
			return coreerrors.ErrInvalidJoiner
		}
		if value == nil {
			value = new(uint256.Int)
		}
		if !p.Currency.IsNative() && !value.IsZero() {
			return coreerrors.ErrUnexpectedNativeValue
		}
		nonce, err := tx.IncrementNonce(deployer)
		if err != nil {
			return err
		}
		esc = &Escrow{
			ledger:    ledger,
			fees:      p.Fees,
			nowFn:     now,
			address:   ethcrypto.CreateAddress(deployer, nonce),
			factory:   p.Factory,
			creator:   p.Creator,
			currency:  p.Currency,
			stake:     p.Stake.Clone(),
			deadline:  p.Deadline,
			createdAt: createdAt,
			category:  p.Category,
			state:     Open{},
		}
		if p.Opponent == nil || *p.Opponent == (common.Address{}) {
			esc.openInvite = true
		} else {
			esc.opponent = *p.Opponent
		}
		if !value.IsZero() {
			if err := p.Currency.Push(ctx, tx, deployer, esc.address, value); err != nil {
				return coreerrors.Wrap(coreerrors.ErrFundingFailed, err)
			}
		}
		if err := esc.persist(tx); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewCreatedEvent(esc)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

func clockOrDefault(now func() int64) func() int64 {
	if now == nil {
		return func() int64 { return time.Now().Unix() }
	}
	return now
}

// Address returns the escrow's ledger address.
func (e *Escrow) Address() common.Address { return e.address }

// Creator returns the identity that funded the bet.
func (e *Escrow) Creator() common.Address { return e.creator }

// Currency returns the bet denomination.
func (e *Escrow) Currency() Currency { return e.currency }

// Stake returns the amount each side deposits.
func (e *Escrow) Stake() *uint256.Int { return e.stake.Clone() }

// SetNowFunc overrides the time source used by the escrow. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Escrow) SetNowFunc(now func() int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nowFn = clockOrDefault(now)
}

func (e *Escrow) now() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nowFn()
}

// Info returns a consistent snapshot of the escrow. Outside a transaction it
// waits for any in-flight operation to finish.
func (e *Escrow) Info(ctx context.Context) (Info, error) {
	var (
		info Info
		err  error
	)
	e.ledger.View(ctx, func(r state.Reader) {
		e.mu.RLock()
		info = Info{
			Address:    e.address,
			Factory:    e.factory,
			Creator:    e.creator,
			Opponent:   e.opponent,
			OpenInvite: e.openInvite,
			Currency:   e.currency,
			Stake:      e.stake.Clone(),
			Deadline:   e.deadline,
			CreatedAt:  e.createdAt,
			Category:   e.category,
			State:      e.state,
		}
		e.mu.RUnlock()
		info.Held, err = e.currency.BalanceOf(r, e.address)
	})
	return info, err
}

// enter arms the reentrancy guard; the returned error means an operation of
// this escrow is already running further up the call stack.
func (e *Escrow) enter() error {
	if !e.entered.CompareAndSwap(false, true) {
		return coreerrors.ErrReentrancy
	}
	return nil
}

func (e *Escrow) exit() { e.entered.Store(false) }

func (e *Escrow) snapshot() (State, common.Address) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, e.opponent
}

// transition replaces the state (and opponent) and journals the previous
// values so a failing call restores them.
func (e *Escrow) transition(tx *state.Tx, next State, opponent common.Address) error {
	e.mu.Lock()
	prevState, prevOpponent := e.state, e.opponent
	e.state, e.opponent = next, opponent
	e.mu.Unlock()
	tx.OnRevert(func() {
		e.mu.Lock()
		e.state, e.opponent = prevState, prevOpponent
		e.mu.Unlock()
	})
	return e.persist(tx)
}

func (e *Escrow) isParticipant(addr common.Address, opponent common.Address) bool {
	return addr == e.creator || addr == opponent
}

// Join deposits the counterparty's stake. value is the native amount attached
// by caller and must be zero for token bets, whose stake is pulled using the
// allowance caller granted the escrow.
func (e *Escrow) Join(ctx context.Context, caller common.Address, value *uint256.Int) error {
	return e.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := e.enter(); err != nil {
			return err
		}
		defer e.exit()

		current, opponent := e.snapshot()
		if current.Status() != StatusOpen {
			return coreerrors.ErrNotOpen
		}
		if e.openInvite {
			if caller == e.creator || caller == (common.Address{}) {
				return coreerrors.ErrInvalidJoiner
			}
		} else if caller != opponent {
			return coreerrors.ErrInvalidJoiner
		}
		if e.now() > e.deadline {
			return coreerrors.ErrDeadlinePassed
		}
		if value == nil {
			value = new(uint256.Int)
		}
		if e.currency.IsNative() {
			if !value.Eq(e.stake) {
				return coreerrors.ErrStakeMismatch
			}
		} else if !value.IsZero() {
			return coreerrors.ErrUnexpectedNativeValue
		}
		if err := e.currency.Pull(ctx, tx, e.address, caller, e.stake); err != nil {
			return coreerrors.Wrap(coreerrors.ErrFundingFailed, err)
		}
		if err := e.transition(tx, Joined{}, caller); err != nil {
			return err
		}
		tx.Emit(escrowEvent{evt: NewJoinedEvent(e.address, caller)})
		return nil
	})
}

// AdmitLoss settles the bet. The caller must be the losing participant and
// names the other participant as winner; the pot minus the current factory
// fee goes to the winner and the fee to the fee recipient. The state becomes
// Settled before any value leaves the escrow.
func (e *Escrow) AdmitLoss(ctx context.Context, caller, claimedWinner common.Address) error {
	return e.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := e.enter(); err != nil {
			return err
		}
		defer e.exit()

		current, opponent := e.snapshot()
		if current.Status() != StatusJoined {
			return coreerrors.ErrNotActive
		}
		if !e.isParticipant(caller, opponent) {
			return coreerrors.ErrNotParticipant
		}
		if !e.isParticipant(claimedWinner, opponent) {
			return coreerrors.ErrInvalidWinner
		}
		if caller == claimedWinner {
			return coreerrors.ErrCallerCannotBeWinner
		}
		feeBps, recipient := e.fees.FeeInfo(ctx)
		_, fee, payout, err := SplitPot(e.stake, feeBps)
		if err != nil {
			return err
		}
		settled := Settled{Winner: claimedWinner, Payout: payout, Fee: fee}
		if err := e.transition(tx, settled, opponent); err != nil {
			return err
		}
		if err := e.currency.Push(ctx, tx, e.address, claimedWinner, payout); err != nil {
			return coreerrors.Wrap(coreerrors.ErrPayoutFailed, err)
		}
		if !fee.IsZero() {
			if err := e.currency.Push(ctx, tx, e.address, recipient, fee); err != nil {
				return coreerrors.Wrap(coreerrors.ErrFeeTransferFailed, err)
			}
		}
		tx.Emit(escrowEvent{evt: NewSettledEvent(e.address, e.currency, settled)})
		return nil
	})
}

// RefundIfNoJoin returns the creator's stake once the deadline has passed
// without anyone joining.
func (e *Escrow) RefundIfNoJoin(ctx context.Context, caller common.Address) error {
	return e.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := e.enter(); err != nil {
			return err
		}
		defer e.exit()

		current, opponent := e.snapshot()
		if current.Status() != StatusOpen {
			return coreerrors.ErrNotRefundable
		}
		if e.now() <= e.deadline {
			return coreerrors.ErrDeadlineNotReached
		}
		if caller != e.creator {
			return coreerrors.ErrOnlyCreator
		}
		amount := e.stake.Clone()
		if err := e.transition(tx, Refunded{Amount: amount}, opponent); err != nil {
			return err
		}
		if err := e.currency.Push(ctx, tx, e.address, e.creator, amount); err != nil {
			return coreerrors.Wrap(coreerrors.ErrRefundFailed, err)
		}
		tx.Emit(escrowEvent{evt: NewRefundedEvent(e.address, e.creator, amount)})
		return nil
	})
}
