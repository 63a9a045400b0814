package factory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	coreerrors "wagerchain/core/errors"
	"wagerchain/core/state"
	"wagerchain/native/escrow"
)

// MaxFeeBps caps the settlement fee at 20% of the pot.
const MaxFeeBps = 2_000

// Config carries the parameters a factory is created with.
type Config struct {
	Address      common.Address
	Owner        common.Address
	FeeBps       uint16
	FeeRecipient common.Address
	// Now overrides the clock used by the factory and every escrow it
	// deploys; nil uses the wall clock.
	Now func() int64
}

// BetRequest describes a bet submitted by its creator. Value is the native
// amount attached to the call.
type BetRequest struct {
	Creator  common.Address
	Currency escrow.Currency
	Stake    *uint256.Int
	Opponent *common.Address
	Deadline int64
	Category [32]byte
	Value    *uint256.Int
}

// Factory is the bet registry and the fee authority read by every escrow it
// deploys.
type Factory struct {
	ledger  *state.Manager
	address common.Address
	nowFn   func() int64

	mu           sync.RWMutex
	owner        common.Address
	feeBps       uint16
	feeRecipient common.Address
	nextBetID    uint64
	escrows      []*escrow.Escrow
	positions    map[uint64]int
	byAddress    map[common.Address]uint64
}

func validateConfig(cfg Config) error {
	if cfg.Address == (common.Address{}) {
		return coreerrors.ErrZeroFactory
	}
	if cfg.Owner == (common.Address{}) || cfg.FeeRecipient == (common.Address{}) {
		return coreerrors.ErrZeroAddress
	}
	if cfg.FeeBps > MaxFeeBps {
		return coreerrors.ErrFeeTooHigh
	}
	return nil
}

func newFactory(ledger *state.Manager, cfg Config) *Factory {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	return &Factory{
		ledger:       ledger,
		address:      cfg.Address,
		nowFn:        now,
		owner:        cfg.Owner,
		feeBps:       cfg.FeeBps,
		feeRecipient: cfg.FeeRecipient,
		nextBetID:    1,
		positions:    make(map[uint64]int),
		byAddress:    make(map[common.Address]uint64),
	}
}

// New creates a factory at cfg.Address and persists its configuration.
func New(ctx context.Context, ledger *state.Manager, cfg Config) (*Factory, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	f := newFactory(ledger, cfg)
	err := ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		exists, err := f.exists()
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyDeployed
		}
		return f.persistConfig(tx)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Open restores the factory at cfg.Address when one was persisted before and
// creates it from cfg otherwise. Persisted fee settings win over cfg.
func Open(ctx context.Context, ledger *state.Manager, cfg Config) (*Factory, error) {
	f, err := Load(ledger, cfg.Address, cfg.Now)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrNotDeployed) {
		return nil, err
	}
	return New(ctx, ledger, cfg)
}

// Address returns the factory's ledger address.
func (f *Factory) Address() common.Address { return f.address }

// SetNowFunc overrides the clock of the factory. Escrows it deployed or
// restored read the factory clock, so they follow the override too.
func (f *Factory) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFn = now
}

func (f *Factory) now() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nowFn()
}

// view runs fn against committed registry state, or against the pending state
// of the transaction carried by ctx.
func (f *Factory) view(ctx context.Context, fn func()) {
	f.ledger.View(ctx, func(state.Reader) {
		f.mu.RLock()
		defer f.mu.RUnlock()
		fn()
	})
}

// FeeInfo returns the current fee rate and recipient. Escrows call it at
// settlement.
func (f *Factory) FeeInfo(ctx context.Context) (feeBps uint16, recipient common.Address) {
	f.view(ctx, func() {
		feeBps, recipient = f.feeBps, f.feeRecipient
	})
	return feeBps, recipient
}

// Owner returns the identity allowed to change fee settings.
func (f *Factory) Owner(ctx context.Context) common.Address {
	var owner common.Address
	f.view(ctx, func() { owner = f.owner })
	return owner
}

// TotalEscrows returns how many bets have been created.
func (f *Factory) TotalEscrows(ctx context.Context) uint64 {
	var n uint64
	f.view(ctx, func() { n = uint64(len(f.escrows)) })
	return n
}

// EscrowOf returns the escrow address recorded for betID.
func (f *Factory) EscrowOf(ctx context.Context, betID uint64) (common.Address, error) {
	var (
		addr common.Address
		err  error
	)
	f.view(ctx, func() {
		pos, ok := f.positions[betID]
		if !ok {
			err = coreerrors.ErrUnknownBet
			return
		}
		addr = f.escrows[pos].Address()
	})
	return addr, err
}

// Escrow returns the live escrow deployed at addr together with its bet id.
func (f *Factory) Escrow(ctx context.Context, addr common.Address) (*escrow.Escrow, uint64, error) {
	var (
		esc   *escrow.Escrow
		betID uint64
		err   error
	)
	f.view(ctx, func() {
		id, ok := f.byAddress[addr]
		if !ok {
			err = coreerrors.ErrUnknownBet
			return
		}
		betID = id
		esc = f.escrows[f.positions[id]]
	})
	return esc, betID, err
}

// Escrows lists escrow addresses in creation order starting at offset. A
// non-positive limit returns everything after offset.
func (f *Factory) Escrows(ctx context.Context, offset, limit int) []common.Address {
	var out []common.Address
	f.view(ctx, func() {
		if offset < 0 {
			offset = 0
		}
		if offset >= len(f.escrows) {
			out = []common.Address{}
			return
		}
		end := len(f.escrows)
		if limit > 0 && limit < end-offset {
			end = offset + limit
		}
		out = make([]common.Address, 0, end-offset)
		for _, esc := range f.escrows[offset:end] {
			out = append(out, esc.Address())
		}
	})
	return out
}

// CreateBet deploys an escrow holding the creator's stake and records it in
// the registry. For native bets req.Value must equal the stake; token bets
// pull the stake using the allowance the creator granted the factory. The
// creation event is emitted only after the escrow holds the stake.
func (f *Factory) CreateBet(ctx context.Context, req BetRequest) (betID uint64, escrowAddr common.Address, err error) {
	err = f.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if req.Stake == nil || req.Stake.IsZero() {
			return coreerrors.ErrInvalidAmount
		}
		if req.Deadline <= f.now() {
			return coreerrors.ErrDeadlineInPast
		}
		if req.Creator == (common.Address{}) {
			return coreerrors.ErrZeroCreator
		}
		value := req.Value
		if value == nil {
			value = new(uint256.Int)
		}
		params := escrow.Params{
			Creator:  req.Creator,
			Opponent: req.Opponent,
			Currency: req.Currency,
			Stake:    req.Stake,
			Deadline: req.Deadline,
			Category: req.Category,
			Factory:  f.address,
			Fees:     f,
			Now:      f.now,
		}

		var esc *escrow.Escrow
		if req.Currency.IsNative() {
			if !value.Eq(req.Stake) {
				return coreerrors.ErrValueMismatch
			}
			if err := tx.TransferNative(ctx, req.Creator, f.address, value); err != nil {
				return coreerrors.Wrap(coreerrors.ErrFundingFailed, err)
			}
			deployed, err := escrow.Deploy(ctx, f.ledger, f.address, params, value)
			if err != nil {
				return err
			}
			esc = deployed
		} else {
			if !value.IsZero() {
				return coreerrors.ErrUnexpectedValue
			}
			token, _ := req.Currency.TokenAddress()
			if err := tx.TransferTokenFrom(token, f.address, req.Creator, f.address, req.Stake); err != nil {
				return coreerrors.Wrap(coreerrors.ErrFundingFailed, err)
			}
			deployed, err := escrow.Deploy(ctx, f.ledger, f.address, params, nil)
			if err != nil {
				return err
			}
			if err := tx.TransferToken(token, f.address, deployed.Address(), req.Stake); err != nil {
				return coreerrors.Wrap(coreerrors.ErrFundingFailed, err)
			}
			esc = deployed
		}

		id := f.register(tx, esc)
		if err := f.persistConfig(tx); err != nil {
			return err
		}
		if err := f.persistBet(tx, id, esc.Address()); err != nil {
			return err
		}
		tx.Emit(factoryEvent{evt: NewBetCreatedEvent(id, esc.Address(), req.Creator, req.Currency, req.Stake, req.Category)})
		betID, escrowAddr = id, esc.Address()
		return nil
	})
	if err != nil {
		return 0, common.Address{}, err
	}
	return betID, escrowAddr, nil
}

// register appends esc under the next bet id.
func (f *Factory) register(tx *state.Tx, esc *escrow.Escrow) uint64 {
	f.mu.Lock()
	id := f.nextBetID
	f.nextBetID++
	f.positions[id] = len(f.escrows)
	f.escrows = append(f.escrows, esc)
	f.byAddress[esc.Address()] = id
	f.mu.Unlock()
	tx.OnRevert(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.nextBetID = id
		f.escrows = f.escrows[:len(f.escrows)-1]
		delete(f.positions, id)
		delete(f.byAddress, esc.Address())
	})
	return id
}

// SetFeeBps changes the fee applied to every settlement from now on,
// including bets that are already open or joined.
func (f *Factory) SetFeeBps(ctx context.Context, caller common.Address, feeBps uint16) error {
	return f.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := f.requireOwner(caller); err != nil {
			return err
		}
		if feeBps > MaxFeeBps {
			return coreerrors.ErrFeeTooHigh
		}
		f.mu.Lock()
		prev := f.feeBps
		f.feeBps = feeBps
		f.mu.Unlock()
		tx.OnRevert(func() {
			f.mu.Lock()
			f.feeBps = prev
			f.mu.Unlock()
		})
		if err := f.persistConfig(tx); err != nil {
			return err
		}
		tx.Emit(factoryEvent{evt: NewFeeUpdatedEvent(f.address, feeBps)})
		return nil
	})
}

// SetFeeRecipient changes where settlement fees are sent.
func (f *Factory) SetFeeRecipient(ctx context.Context, caller, recipient common.Address) error {
	return f.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := f.requireOwner(caller); err != nil {
			return err
		}
		if recipient == (common.Address{}) {
			return coreerrors.ErrZeroAddress
		}
		f.mu.Lock()
		prev := f.feeRecipient
		f.feeRecipient = recipient
		f.mu.Unlock()
		tx.OnRevert(func() {
			f.mu.Lock()
			f.feeRecipient = prev
			f.mu.Unlock()
		})
		if err := f.persistConfig(tx); err != nil {
			return err
		}
		tx.Emit(factoryEvent{evt: NewFeeRecipientUpdatedEvent(f.address, recipient)})
		return nil
	})
}

// TransferOwnership hands the fee authority to newOwner.
func (f *Factory) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	return f.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		if err := f.requireOwner(caller); err != nil {
			return err
		}
		if newOwner == (common.Address{}) {
			return coreerrors.ErrZeroAddress
		}
		f.mu.Lock()
		prev := f.owner
		f.owner = newOwner
		f.mu.Unlock()
		tx.OnRevert(func() {
			f.mu.Lock()
			f.owner = prev
			f.mu.Unlock()
		})
		if err := f.persistConfig(tx); err != nil {
			return err
		}
		tx.Emit(factoryEvent{evt: NewOwnershipTransferredEvent(f.address, prev, newOwner)})
		return nil
	})
}

func (f *Factory) requireOwner(caller common.Address) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if caller != f.owner {
		return coreerrors.ErrNotOwner
	}
	return nil
}
