package state

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"wagerchain/core/events"
	"wagerchain/core/types"
)

type pendingWrite struct {
	key   []byte
	value []byte
}

// Tx is an in-flight ledger transaction. Every mutation is journaled so a
// failing frame can be unwound exactly.
type Tx struct {
	m       *Manager
	journal []func()
	writes  []pendingWrite
	events  []events.Event
}

func (tx *Tx) snapshot() int { return len(tx.journal) }

func (tx *Tx) revertTo(snap int) {
	for i := len(tx.journal) - 1; i >= snap; i-- {
		tx.journal[i]()
	}
	tx.journal = tx.journal[:snap]
}

// OnRevert journals undo, which runs if the current frame (or any enclosing
// frame) fails. Modules use it to roll back their own in-memory state.
func (tx *Tx) OnRevert(undo func()) {
	if undo == nil {
		return
	}
	tx.journal = append(tx.journal, undo)
}

// Put buffers a module record under KVKey(key); it is written on commit.
func (tx *Tx) Put(key, value []byte) {
	tx.put(KVKey(key), value)
}

func (tx *Tx) put(hashedKey, value []byte) {
	n := len(tx.writes)
	tx.writes = append(tx.writes, pendingWrite{key: hashedKey, value: append([]byte(nil), value...)})
	tx.journal = append(tx.journal, func() { tx.writes = tx.writes[:n] })
}

// bind makes sure ctx carries tx so nested Run calls join it instead of
// waiting for the top-level lock.
func (tx *Tx) bind(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if current, ok := TxFromContext(ctx); ok && current == tx {
		return ctx
	}
	return context.WithValue(ctx, txKey{}, tx)
}

// Emit buffers an event; it is dispatched on commit.
func (tx *Tx) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	n := len(tx.events)
	tx.events = append(tx.events, evt)
	tx.journal = append(tx.journal, func() { tx.events = tx.events[:n] })
}

// NativeBalance returns the pending native balance of addr.
func (tx *Tx) NativeBalance(addr common.Address) (*uint256.Int, error) {
	return tx.m.nativeBalance(addr)
}

// TokenBalance returns the pending token balance of holder.
func (tx *Tx) TokenBalance(token, holder common.Address) (*uint256.Int, error) {
	return tx.m.tokenBalance(token, holder)
}

// Allowance returns the pending allowance of spender over owner's units.
func (tx *Tx) Allowance(token, owner, spender common.Address) (*uint256.Int, error) {
	return tx.m.allowance(token, owner, spender)
}

// IncrementNonce bumps the creation nonce of addr and returns the value it
// held before the increment.
func (tx *Tx) IncrementNonce(addr common.Address) (uint64, error) {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.loadAccount(addr)
	if err != nil {
		return 0, err
	}
	prev := acc.nonce
	acc.nonce++
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		acc.nonce = prev
		m.mu.Unlock()
	})
	if err := tx.persistAccount(addr, acc); err != nil {
		return 0, err
	}
	return prev, nil
}

// Mint credits fresh native value to addr. Used by genesis allocation.
func (tx *Tx) Mint(addr common.Address, amount *uint256.Int) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.loadAccount(addr)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(acc.balance, amount)
	if overflow {
		return ErrOverflow
	}
	tx.setBalance(acc, next)
	return tx.persistAccount(addr, acc)
}

// TransferNative moves native value and then notifies the recipient's
// Receiver, if one is registered. The transfer runs as its own frame: a
// rejected or failing notification unwinds the movement and everything the
// receiver did.
func (tx *Tx) TransferNative(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return tx.m.Run(tx.bind(ctx), func(ctx context.Context, tx *Tx) error {
		if err := tx.moveNative(from, to, amount); err != nil {
			return err
		}
		tx.Emit(events.Transfer{From: from, To: to, Amount: amount.Clone()})
		if r := tx.m.receiver(to); r != nil {
			if err := r.Receive(ctx, from, amount.Clone()); err != nil {
				return fmt.Errorf("%w: %v", ErrRecipientRejected, err)
			}
		}
		return nil
	})
}

func (tx *Tx) moveNative(from, to common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := m.loadAccount(from)
	if err != nil {
		return err
	}
	dst, err := m.loadAccount(to)
	if err != nil {
		return err
	}
	if src.balance.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), src.balance.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	credited, overflow := new(uint256.Int).AddOverflow(dst.balance, amount)
	if overflow {
		return ErrOverflow
	}
	tx.setBalance(src, new(uint256.Int).Sub(src.balance, amount))
	tx.setBalance(dst, credited)
	if err := tx.persistAccount(from, src); err != nil {
		return err
	}
	return tx.persistAccount(to, dst)
}

// setBalance expects m.mu to be held.
func (tx *Tx) setBalance(acc *accountEntry, next *uint256.Int) {
	m := tx.m
	prev := acc.balance
	acc.balance = next
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		acc.balance = prev
		m.mu.Unlock()
	})
}

func (tx *Tx) persistAccount(addr common.Address, acc *accountEntry) error {
	encoded, err := rlp.EncodeToBytes(&types.Account{Nonce: acc.nonce, Balance: acc.balance.ToBig()})
	if err != nil {
		return err
	}
	tx.put(accountKey(addr), encoded)
	return nil
}
