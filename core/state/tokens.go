package state

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"wagerchain/core/events"
	"wagerchain/core/types"
)

// RegisterToken records a new fungible token under addr.
func (tx *Tx) RegisterToken(addr common.Address, symbol string, decimals uint8) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("state: token symbol required")
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("state: token address required")
	}
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.loadToken(addr)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrTokenExists, addr.Hex())
	}
	if !errors.Is(err, ErrUnknownToken) {
		return err
	}
	entry := newTokenEntry(types.TokenInfo{Symbol: symbol, Decimals: decimals})
	m.tokens[addr] = entry
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		delete(m.tokens, addr)
		m.mu.Unlock()
	})
	return tx.persistToken(addr, entry)
}

// SetTokenPaused halts or resumes every transfer of the token.
func (tx *Tx) SetTokenPaused(token common.Address, paused bool) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return err
	}
	prev := entry.info.Paused
	entry.info.Paused = paused
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		entry.info.Paused = prev
		m.mu.Unlock()
	})
	return tx.persistToken(token, entry)
}

// SetFrozen blocks or unblocks transfers from and to holder.
func (tx *Tx) SetFrozen(token, holder common.Address, frozen bool) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return err
	}
	h, err := m.loadHolding(entry, token, holder)
	if err != nil {
		return err
	}
	prev := h.frozen
	h.frozen = frozen
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		h.frozen = prev
		m.mu.Unlock()
	})
	return tx.persistHolding(token, holder, h)
}

// MintToken credits freshly issued units to holder.
func (tx *Tx) MintToken(token, holder common.Address, amount *uint256.Int) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return err
	}
	h, err := m.loadHolding(entry, token, holder)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(h.balance, amount)
	if overflow {
		return ErrOverflow
	}
	tx.setHolding(h, next)
	return tx.persistHolding(token, holder, h)
}

// Approve sets the amount spender may pull from owner, replacing any previous
// allowance.
func (tx *Tx) Approve(token, owner, spender common.Address, amount *uint256.Int) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return err
	}
	if _, err := m.loadAllowance(entry, token, owner, spender); err != nil {
		return err
	}
	tx.setAllowance(entry, allowancePair{owner: owner, spender: spender}, amount.Clone())
	if err := tx.persistAllowance(token, owner, spender, amount); err != nil {
		return err
	}
	tx.Emit(events.Approval{Token: token, Owner: owner, Spender: spender, Amount: amount.Clone()})
	return nil
}

// TransferToken moves units held by from.
func (tx *Tx) TransferToken(token, from, to common.Address, amount *uint256.Int) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := tx.moveToken(token, from, to, amount); err != nil {
		return err
	}
	tok := token
	tx.Emit(events.Transfer{Token: &tok, From: from, To: to, Amount: amount.Clone()})
	return nil
}

// TransferTokenFrom moves units held by from on behalf of spender, consuming
// spender's allowance.
func (tx *Tx) TransferTokenFrom(token, spender, from, to common.Address, amount *uint256.Int) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return err
	}
	allowed, err := m.loadAllowance(entry, token, from, spender)
	if err != nil {
		return err
	}
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s may pull %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), amount.Dec())
	}
	if err := tx.moveToken(token, from, to, amount); err != nil {
		return err
	}
	remaining := new(uint256.Int).Sub(allowed, amount)
	tx.setAllowance(entry, allowancePair{owner: from, spender: spender}, remaining)
	if err := tx.persistAllowance(token, from, spender, remaining); err != nil {
		return err
	}
	tok := token
	tx.Emit(events.Transfer{Token: &tok, From: from, To: to, Amount: amount.Clone()})
	return nil
}

// moveToken expects m.mu to be held.
func (tx *Tx) moveToken(token, from, to common.Address, amount *uint256.Int) error {
	m := tx.m
	entry, err := m.loadToken(token)
	if err != nil {
		return err
	}
	if entry.info.Paused {
		return fmt.Errorf("%w: %s", ErrTokenPaused, entry.info.Symbol)
	}
	src, err := m.loadHolding(entry, token, from)
	if err != nil {
		return err
	}
	dst, err := m.loadHolding(entry, token, to)
	if err != nil {
		return err
	}
	if src.frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, from.Hex())
	}
	if dst.frozen {
		return fmt.Errorf("%w: %s", ErrFrozen, to.Hex())
	}
	if amount == nil || amount.IsZero() {
		return nil
	}
	if src.balance.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientBalance, from.Hex(), src.balance.Dec(), entry.info.Symbol, amount.Dec())
	}
	if from == to {
		return nil
	}
	credited, overflow := new(uint256.Int).AddOverflow(dst.balance, amount)
	if overflow {
		return ErrOverflow
	}
	tx.setHolding(src, new(uint256.Int).Sub(src.balance, amount))
	tx.setHolding(dst, credited)
	if err := tx.persistHolding(token, from, src); err != nil {
		return err
	}
	return tx.persistHolding(token, to, dst)
}

func (tx *Tx) setHolding(h *holdingEntry, next *uint256.Int) {
	m := tx.m
	prev := h.balance
	h.balance = next
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		h.balance = prev
		m.mu.Unlock()
	})
}

func (tx *Tx) setAllowance(entry *tokenEntry, pair allowancePair, next *uint256.Int) {
	m := tx.m
	prev := entry.allowances[pair]
	entry.allowances[pair] = next
	tx.journal = append(tx.journal, func() {
		m.mu.Lock()
		entry.allowances[pair] = prev
		m.mu.Unlock()
	})
}

func (tx *Tx) persistToken(addr common.Address, entry *tokenEntry) error {
	encoded, err := rlp.EncodeToBytes(&entry.info)
	if err != nil {
		return err
	}
	tx.put(tokenKey(addr), encoded)
	return nil
}

func (tx *Tx) persistHolding(token, holder common.Address, h *holdingEntry) error {
	encoded, err := rlp.EncodeToBytes(&types.TokenHolding{Balance: h.balance.ToBig(), Frozen: h.frozen})
	if err != nil {
		return err
	}
	tx.put(holdingKey(token, holder), encoded)
	return nil
}

func (tx *Tx) persistAllowance(token, owner, spender common.Address, amount *uint256.Int) error {
	encoded, err := rlp.EncodeToBytes(amount.ToBig())
	if err != nil {
		return err
	}
	tx.put(allowanceKey(token, owner, spender), encoded)
	return nil
}
