package state

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"wagerchain/core/events"
	"wagerchain/core/types"
	"wagerchain/storage"
)

var (
	ErrInsufficientBalance   = errors.New("state: insufficient balance")
	ErrInsufficientAllowance = errors.New("state: insufficient allowance")
	ErrUnknownToken          = errors.New("state: unknown token")
	ErrTokenExists           = errors.New("state: token already registered")
	ErrTokenPaused           = errors.New("state: token transfers paused")
	ErrFrozen                = errors.New("state: holder frozen")
	ErrOverflow              = errors.New("state: balance overflow")
	ErrRecipientRejected     = errors.New("state: recipient rejected transfer")
	errNilDatabase           = errors.New("state: database not configured")
)

// Receiver is invoked whenever native value lands on the address it is
// registered for. Returning an error fails the transfer. The supplied context
// carries the active transaction, so a receiver may call back into any ledger
// operation; such calls run as nested frames.
type Receiver interface {
	Receive(ctx context.Context, from common.Address, amount *uint256.Int) error
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(ctx context.Context, from common.Address, amount *uint256.Int) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, from common.Address, amount *uint256.Int) error {
	return f(ctx, from, amount)
}

type accountEntry struct {
	nonce   uint64
	balance *uint256.Int
}

type holdingEntry struct {
	balance *uint256.Int
	frozen  bool
}

type allowancePair struct {
	owner   common.Address
	spender common.Address
}

type tokenEntry struct {
	info       types.TokenInfo
	holdings   map[common.Address]*holdingEntry
	allowances map[allowancePair]*uint256.Int
}

// Manager owns the ledger: native balances, registered tokens and the
// recipient hooks. State changes happen only inside Run.
type Manager struct {
	db storage.Database

	// execMu admits one top-level transaction at a time; reads outside a
	// transaction take it shared so they never observe in-progress state.
	execMu sync.RWMutex

	mu        sync.Mutex
	accounts  map[common.Address]*accountEntry
	tokens    map[common.Address]*tokenEntry
	receivers map[common.Address]Receiver
	emitter   events.Emitter
}

// NewManager creates a ledger on top of db. Previously committed balances are
// loaded lazily on first access.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:        db,
		accounts:  make(map[common.Address]*accountEntry),
		tokens:    make(map[common.Address]*tokenEntry),
		receivers: make(map[common.Address]Receiver),
		emitter:   events.NoopEmitter{},
	}
}

// SetEmitter configures the emitter receiving committed events. Passing nil
// resets the emitter to a no-op implementation. Emitters run while the
// transaction lock is held and must not call Run.
func (m *Manager) SetEmitter(emitter events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// SetReceiver registers a hook for native transfers into addr. A nil receiver
// removes the hook.
func (m *Manager) SetReceiver(addr common.Address, r Receiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		delete(m.receivers, addr)
		return
	}
	m.receivers[addr] = r
}

func (m *Manager) receiver(addr common.Address) Receiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivers[addr]
}

type txKey struct{}

// TxFromContext returns the transaction carried by ctx, if any.
func TxFromContext(ctx context.Context) (*Tx, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok && tx != nil
}

// Run executes fn atomically. When ctx already carries a transaction of this
// ledger, fn runs as a nested frame of it: on failure only the frame's own
// mutations are reverted and the error is returned to the enclosing frame.
// Otherwise a new top-level transaction is started; it waits for any other
// top-level transaction to finish, and on success its buffered writes are
// committed in one batch and its events are emitted.
func (m *Manager) Run(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	if m == nil || m.db == nil {
		return errNilDatabase
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if tx, ok := TxFromContext(ctx); ok && tx.m == m {
		snap := tx.snapshot()
		if err := fn(ctx, tx); err != nil {
			tx.revertTo(snap)
			return err
		}
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.execMu.Lock()
	defer m.execMu.Unlock()

	tx := &Tx{m: m}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		tx.revertTo(0)
		return err
	}
	if err := m.commit(tx); err != nil {
		tx.revertTo(0)
		return err
	}
	m.mu.Lock()
	emitter := m.emitter
	m.mu.Unlock()
	for _, evt := range tx.events {
		emitter.Emit(evt)
	}
	return nil
}

func (m *Manager) commit(tx *Tx) error {
	if len(tx.writes) == 0 {
		return nil
	}
	batch := new(storage.Batch)
	for _, w := range tx.writes {
		batch.Put(w.key, w.value)
	}
	if err := m.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Get reads a committed module record stored under KVKey(key).
func (m *Manager) Get(key []byte) ([]byte, bool, error) {
	if m == nil || m.db == nil {
		return nil, false, errNilDatabase
	}
	data, err := m.db.Get(KVKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Reader exposes balance lookups that are safe to call from inside View or a
// transaction.
type Reader interface {
	NativeBalance(addr common.Address) (*uint256.Int, error)
	TokenBalance(token, holder common.Address) (*uint256.Int, error)
	Allowance(token, owner, spender common.Address) (*uint256.Int, error)
}

type viewer struct{ m *Manager }

func (v viewer) NativeBalance(addr common.Address) (*uint256.Int, error) {
	return v.m.nativeBalance(addr)
}

func (v viewer) TokenBalance(token, holder common.Address) (*uint256.Int, error) {
	return v.m.tokenBalance(token, holder)
}

func (v viewer) Allowance(token, owner, spender common.Address) (*uint256.Int, error) {
	return v.m.allowance(token, owner, spender)
}

// View runs fn against committed state. When ctx carries a transaction of
// this ledger, fn runs inside it and sees the transaction's pending changes.
func (m *Manager) View(ctx context.Context, fn func(r Reader)) {
	if tx, ok := TxFromContext(ctx); ok && tx.m == m {
		fn(tx)
		return
	}
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	fn(viewer{m: m})
}

// NativeBalance returns the committed native balance of addr. Code running
// inside a transaction must use Tx.NativeBalance instead.
func (m *Manager) NativeBalance(addr common.Address) (*uint256.Int, error) {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	return m.nativeBalance(addr)
}

// Nonce returns the creation nonce of addr.
func (m *Manager) Nonce(addr common.Address) (uint64, error) {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.loadAccount(addr)
	if err != nil {
		return 0, err
	}
	return acc.nonce, nil
}

// TokenInfo returns the metadata of a registered token.
func (m *Manager) TokenInfo(token common.Address) (types.TokenInfo, error) {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return types.TokenInfo{}, err
	}
	return entry.info, nil
}

// TokenBalance returns the committed token balance held by holder.
func (m *Manager) TokenBalance(token, holder common.Address) (*uint256.Int, error) {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	return m.tokenBalance(token, holder)
}

// Allowance returns how much spender may still pull from owner.
func (m *Manager) Allowance(token, owner, spender common.Address) (*uint256.Int, error) {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	return m.allowance(token, owner, spender)
}

func (m *Manager) nativeBalance(addr common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.balance.Clone(), nil
}

func (m *Manager) tokenBalance(token, holder common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return nil, err
	}
	h, err := m.loadHolding(entry, token, holder)
	if err != nil {
		return nil, err
	}
	return h.balance.Clone(), nil
}

func (m *Manager) allowance(token, owner, spender common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.loadToken(token)
	if err != nil {
		return nil, err
	}
	v, err := m.loadAllowance(entry, token, owner, spender)
	if err != nil {
		return nil, err
	}
	return v.Clone(), nil
}

// loaders below expect m.mu to be held.

func (m *Manager) loadAccount(addr common.Address) (*accountEntry, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc, nil
	}
	acc := &accountEntry{balance: new(uint256.Int)}
	data, err := m.db.Get(accountKey(addr))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		var stored types.Account
		if err := rlp.DecodeBytes(data, &stored); err != nil {
			return nil, fmt.Errorf("state: decode account %s: %w", addr.Hex(), err)
		}
		balance, err := fromBig(stored.Balance)
		if err != nil {
			return nil, err
		}
		acc.nonce = stored.Nonce
		acc.balance = balance
	}
	m.accounts[addr] = acc
	return acc, nil
}

func (m *Manager) loadToken(token common.Address) (*tokenEntry, error) {
	if entry, ok := m.tokens[token]; ok {
		return entry, nil
	}
	data, err := m.db.Get(tokenKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	if err != nil {
		return nil, err
	}
	var info types.TokenInfo
	if err := rlp.DecodeBytes(data, &info); err != nil {
		return nil, fmt.Errorf("state: decode token %s: %w", token.Hex(), err)
	}
	entry := newTokenEntry(info)
	m.tokens[token] = entry
	return entry, nil
}

func newTokenEntry(info types.TokenInfo) *tokenEntry {
	return &tokenEntry{
		info:       info,
		holdings:   make(map[common.Address]*holdingEntry),
		allowances: make(map[allowancePair]*uint256.Int),
	}
}

func (m *Manager) loadHolding(entry *tokenEntry, token, holder common.Address) (*holdingEntry, error) {
	if h, ok := entry.holdings[holder]; ok {
		return h, nil
	}
	h := &holdingEntry{balance: new(uint256.Int)}
	data, err := m.db.Get(holdingKey(token, holder))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		var stored types.TokenHolding
		if err := rlp.DecodeBytes(data, &stored); err != nil {
			return nil, fmt.Errorf("state: decode holding: %w", err)
		}
		balance, err := fromBig(stored.Balance)
		if err != nil {
			return nil, err
		}
		h.balance = balance
		h.frozen = stored.Frozen
	}
	entry.holdings[holder] = h
	return h, nil
}

func (m *Manager) loadAllowance(entry *tokenEntry, token, owner, spender common.Address) (*uint256.Int, error) {
	pair := allowancePair{owner: owner, spender: spender}
	if v, ok := entry.allowances[pair]; ok {
		return v, nil
	}
	v := new(uint256.Int)
	data, err := m.db.Get(allowanceKey(token, owner, spender))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		stored := new(big.Int)
		if err := rlp.DecodeBytes(data, stored); err != nil {
			return nil, fmt.Errorf("state: decode allowance: %w", err)
		}
		if v, err = fromBig(stored); err != nil {
			return nil, err
		}
	}
	entry.allowances[pair] = v
	return v, nil
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("state: negative stored amount")
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}
