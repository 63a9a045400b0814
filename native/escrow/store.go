package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"wagerchain/core/state"
)

var (
	errEscrowNotFound  = errors.New("escrow: record not found")
	escrowRecordPrefix = []byte("escrow/record/")
)

func escrowStorageKey(addr common.Address) []byte {
	buf := make([]byte, 0, len(escrowRecordPrefix)+common.AddressLength)
	buf = append(buf, escrowRecordPrefix...)
	return append(buf, addr.Bytes()...)
}

type storedEscrow struct {
	Address    common.Address
	Factory    common.Address
	Creator    common.Address
	Opponent   common.Address
	OpenInvite bool
	IsToken    bool
	Token      common.Address
	Stake      *big.Int
	Deadline   uint64
	CreatedAt  uint64
	Category   [32]byte
	Status     uint8
	Winner     common.Address
	Payout     *big.Int
	Fee        *big.Int
	Refunded   *big.Int
}

func bigOrZero(v *uint256.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v.ToBig()
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("escrow: stored amount out of range")
	}
	return out, nil
}

// persist expects to run inside a transaction; the record lands on commit.
func (e *Escrow) persist(tx *state.Tx) error {
	e.mu.RLock()
	record := &storedEscrow{
		Address:    e.address,
		Factory:    e.factory,
		Creator:    e.creator,
		Opponent:   e.opponent,
		OpenInvite: e.openInvite,
		IsToken:    !e.currency.IsNative(),
		Token:      e.currency.Address(),
		Stake:      bigOrZero(e.stake),
		Deadline:   uint64(e.deadline),
		CreatedAt:  uint64(e.createdAt),
		Category:   e.category,
		Status:     uint8(e.state.Status()),
		Payout:     big.NewInt(0),
		Fee:        big.NewInt(0),
		Refunded:   big.NewInt(0),
	}
	switch s := e.state.(type) {
	case Settled:
		record.Winner = s.Winner
		record.Payout = bigOrZero(s.Payout)
		record.Fee = bigOrZero(s.Fee)
	case Refunded:
		record.Refunded = bigOrZero(s.Amount)
	}
	e.mu.RUnlock()
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	tx.Put(escrowStorageKey(e.address), encoded)
	return nil
}

// Load restores a previously deployed escrow from committed ledger storage.
func Load(ledger *state.Manager, addr common.Address, fees FeeSource, now func() int64) (*Escrow, error) {
	data, ok, err := ledger.Get(escrowStorageKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", errEscrowNotFound, addr.Hex())
	}
	var record storedEscrow
	if err := rlp.DecodeBytes(data, &record); err != nil {
		return nil, fmt.Errorf("escrow: decode %s: %w", addr.Hex(), err)
	}
	stake, err := toUint256(record.Stake)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ledger:     ledger,
		fees:       fees,
		nowFn:      clockOrDefault(now),
		address:    record.Address,
		factory:    record.Factory,
		creator:    record.Creator,
		opponent:   record.Opponent,
		openInvite: record.OpenInvite,
		currency:   Native(),
		stake:      stake,
		deadline:   int64(record.Deadline),
		createdAt:  int64(record.CreatedAt),
		category:   record.Category,
	}
	if record.IsToken {
		esc.currency = Token(record.Token)
	}
	switch Status(record.Status) {
	case StatusOpen:
		esc.state = Open{}
	case StatusJoined:
		esc.state = Joined{}
	case StatusSettled:
		payout, err := toUint256(record.Payout)
		if err != nil {
			return nil, err
		}
		fee, err := toUint256(record.Fee)
		if err != nil {
			return nil, err
		}
		esc.state = Settled{Winner: record.Winner, Payout: payout, Fee: fee}
	case StatusRefunded:
		amount, err := toUint256(record.Refunded)
		if err != nil {
			return nil, err
		}
		esc.state = Refunded{Amount: amount}
	default:
		return nil, fmt.Errorf("escrow: invalid stored status %d", record.Status)
	}
	return esc, nil
}
