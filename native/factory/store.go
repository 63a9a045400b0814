package factory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"wagerchain/core/state"
	"wagerchain/native/escrow"
)

var (
	// ErrNotDeployed is returned by Load when no factory was persisted at the
	// requested address.
	ErrNotDeployed     = errors.New("factory: not deployed")
	errAlreadyDeployed = errors.New("factory: already deployed")

	factoryConfigPrefix = []byte("factory/config/")
	factoryBetPrefix    = []byte("factory/bet/")
)

func configKey(addr common.Address) []byte {
	return append(append([]byte(nil), factoryConfigPrefix...), addr.Bytes()...)
}

func betKey(addr common.Address, betID uint64) []byte {
	key := append(append([]byte(nil), factoryBetPrefix...), addr.Bytes()...)
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], betID)
	return append(key, id[:]...)
}

type storedConfig struct {
	Owner        common.Address
	FeeBps       uint16
	FeeRecipient common.Address
	NextBetID    uint64
}

type storedBet struct {
	BetID  uint64
	Escrow common.Address
}

func (f *Factory) exists() (bool, error) {
	_, ok, err := f.ledger.Get(configKey(f.address))
	return ok, err
}

func (f *Factory) persistConfig(tx *state.Tx) error {
	f.mu.RLock()
	record := &storedConfig{
		Owner:        f.owner,
		FeeBps:       f.feeBps,
		FeeRecipient: f.feeRecipient,
		NextBetID:    f.nextBetID,
	}
	f.mu.RUnlock()
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	tx.Put(configKey(f.address), encoded)
	return nil
}

func (f *Factory) persistBet(tx *state.Tx, betID uint64, escrowAddr common.Address) error {
	encoded, err := rlp.EncodeToBytes(&storedBet{BetID: betID, Escrow: escrowAddr})
	if err != nil {
		return err
	}
	tx.Put(betKey(f.address, betID), encoded)
	return nil
}

// Load restores the factory persisted at addr together with every escrow in
// its registry. now overrides the clock; nil uses the wall clock.
func Load(ledger *state.Manager, addr common.Address, now func() int64) (*Factory, error) {
	data, ok, err := ledger.Get(configKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotDeployed
	}
	var cfg storedConfig
	if err := rlp.DecodeBytes(data, &cfg); err != nil {
		return nil, fmt.Errorf("factory: decode config: %w", err)
	}
	f := newFactory(ledger, Config{
		Address:      addr,
		Owner:        cfg.Owner,
		FeeBps:       cfg.FeeBps,
		FeeRecipient: cfg.FeeRecipient,
		Now:          now,
	})
	for id := uint64(1); id < cfg.NextBetID; id++ {
		data, ok, err := ledger.Get(betKey(addr, id))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("factory: registry entry %d missing", id)
		}
		var bet storedBet
		if err := rlp.DecodeBytes(data, &bet); err != nil {
			return nil, fmt.Errorf("factory: decode bet %d: %w", id, err)
		}
		esc, err := escrow.Load(ledger, bet.Escrow, f, f.now)
		if err != nil {
			return nil, fmt.Errorf("factory: restore bet %d: %w", id, err)
		}
		f.positions[id] = len(f.escrows)
		f.escrows = append(f.escrows, esc)
		f.byAddress[esc.Address()] = id
	}
	f.nextBetID = cfg.NextBetID
	if f.nextBetID == 0 {
		f.nextBetID = 1
	}
	return f, nil
}
