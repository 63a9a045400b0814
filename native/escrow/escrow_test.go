package escrow

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/core/events"
	coreerrors "wagerchain/core/errors"
	"wagerchain/core/state"
	"wagerchain/storage"
)

const (
	testNow      = int64(1_700_000_000)
	testDeadline = testNow + 3_600
)

type fixedFees struct {
	bps       uint16
	recipient common.Address
}

func (f *fixedFees) FeeInfo(context.Context) (uint16, common.Address) { return f.bps, f.recipient }

type harness struct {
	ledger   *state.Manager
	fees     *fixedFees
	recorder *events.Recorder
	now      int64
	factory  common.Address
	token    common.Address
}

func newTestAddress(fill byte) common.Address {
	return common.BytesToAddress(bytes.Repeat([]byte{fill}, common.AddressLength))
}

func newHarness(t *testing.T, feeBps uint16) *harness {
	t.Helper()
	ledger := state.NewManager(storage.NewMemDB())
	recorder := events.NewRecorder(0)
	ledger.SetEmitter(recorder)
	h := &harness{
		ledger:   ledger,
		fees:     &fixedFees{bps: feeBps, recipient: newTestAddress(0xFE)},
		recorder: recorder,
		now:      testNow,
		factory:  newTestAddress(0xFA),
		token:    newTestAddress(0x70),
	}
	err := ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.RegisterToken(h.token, "usdw", 6)
	})
	if err != nil {
		t.Fatalf("register token: %v", err)
	}
	return h
}

func (h *harness) clock() int64 { return h.now }

func (h *harness) mint(t *testing.T, addr common.Address, amount uint64) {
	t.Helper()
	err := h.ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.Mint(addr, uint256.NewInt(amount))
	})
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (h *harness) mintToken(t *testing.T, addr common.Address, amount uint64) {
	t.Helper()
	err := h.ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.MintToken(h.token, addr, uint256.NewInt(amount))
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
}

func (h *harness) params(creator common.Address, opponent *common.Address, stake uint64) Params {
	return Params{
		Creator:  creator,
		Opponent: opponent,
		Currency: Native(),
		Stake:    uint256.NewInt(stake),
		Deadline: testDeadline,
		Factory:  h.factory,
		Fees:     h.fees,
		Now:      h.clock,
	}
}

// deployNative funds the factory and deploys a native bet carrying the
// creator's stake.
func (h *harness) deployNative(t *testing.T, creator common.Address, opponent *common.Address, stake uint64) *Escrow {
	t.Helper()
	h.mint(t, h.factory, stake)
	esc, err := Deploy(context.Background(), h.ledger, h.factory, h.params(creator, opponent, stake), uint256.NewInt(stake))
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return esc
}

func (h *harness) deployToken(t *testing.T, creator common.Address, opponent *common.Address, stake uint64) *Escrow {
	t.Helper()
	h.mintToken(t, h.factory, stake)
	p := h.params(creator, opponent, stake)
	p.Currency = Token(h.token)
	var esc *Escrow
	err := h.ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		deployed, err := Deploy(ctx, h.ledger, h.factory, p, nil)
		if err != nil {
			return err
		}
		esc = deployed
		return tx.TransferToken(h.token, h.factory, deployed.Address(), uint256.NewInt(stake))
	})
	if err != nil {
		t.Fatalf("deploy token bet: %v", err)
	}
	return esc
}

func (h *harness) balance(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	bal, err := h.ledger.NativeBalance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.Uint64()
}

func (h *harness) tokenBalance(t *testing.T, addr common.Address) uint64 {
	t.Helper()
	bal, err := h.ledger.TokenBalance(h.token, addr)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	return bal.Uint64()
}

func mustInfo(t *testing.T, esc *Escrow) Info {
	t.Helper()
	info, err := esc.Info(context.Background())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	return info
}

func expectErr(t *testing.T, err error, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestDeployValidations(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x01)
	h.mint(t, h.factory, 1_000)

	cases := []struct {
		name   string
		mutate func(p *Params)
		value  uint64
		want   error
	}{
		{"zero creator", func(p *Params) { p.Creator = common.Address{} }, 100, coreerrors.ErrZeroCreator},
		{"zero stake", func(p *Params) { p.Stake = new(uint256.Int) }, 0, coreerrors.ErrInvalidAmount},
		{"deadline now", func(p *Params) { p.Deadline = testNow }, 100, coreerrors.ErrDeadlineInPast},
		{"zero factory", func(p *Params) { p.Factory = common.Address{} }, 100, coreerrors.ErrZeroFactory},
		{"missing fee source", func(p *Params) { p.Fees = nil }, 100, coreerrors.ErrZeroFactory},
		{"opponent is creator", func(p *Params) { p.Opponent = &creator }, 100, coreerrors.ErrInvalidJoiner},
		{"token with value", func(p *Params) { p.Currency = Token(h.token) }, 100, coreerrors.ErrUnexpectedNativeValue},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := h.params(creator, nil, 100)
			tc.mutate(&p)
			_, err := Deploy(context.Background(), h.ledger, h.factory, p, uint256.NewInt(tc.value))
			expectErr(t, err, tc.want)
		})
	}
	if got := h.balance(t, h.factory); got != 1_000 {
		t.Fatalf("failed deployments moved funds: factory holds %d", got)
	}
	nonce, err := h.ledger.Nonce(h.factory)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	if nonce != 0 {
		t.Fatalf("failed deployments consumed nonce %d", nonce)
	}
}

func TestDeployDerivesDistinctAddresses(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	first := h.deployNative(t, creator, nil, 10)
	second := h.deployNative(t, creator, nil, 10)
	if first.Address() == second.Address() {
		t.Fatalf("expected distinct escrow addresses")
	}
	info := mustInfo(t, first)
	if info.Status() != StatusOpen || !info.OpenInvite || info.HasOpponent() {
		t.Fatalf("unexpected initial snapshot: %+v", info)
	}
	if info.Held.Uint64() != 10 {
		t.Fatalf("expected escrow to hold 10, got %s", info.Held)
	}
	if info.CreatedAt != testNow || info.Deadline != testDeadline {
		t.Fatalf("unexpected timestamps: %+v", info)
	}
}

func TestNativeBetSettlesWithFee(t *testing.T) {
	const stake = uint64(1_000_000_000_000_000_000)
	h := newHarness(t, 100)
	creator := newTestAddress(0x0A)
	opponent := newTestAddress(0x0B)
	esc := h.deployNative(t, creator, &opponent, stake)
	h.mint(t, opponent, stake)

	if err := esc.Join(context.Background(), opponent, uint256.NewInt(stake)); err != nil {
		t.Fatalf("join: %v", err)
	}
	if held := mustInfo(t, esc).Held.Uint64(); held != 2*stake {
		t.Fatalf("expected pot %d, got %d", 2*stake, held)
	}
	if err := esc.AdmitLoss(context.Background(), opponent, creator); err != nil {
		t.Fatalf("admit loss: %v", err)
	}

	if got := h.balance(t, creator); got != 1_980_000_000_000_000_000 {
		t.Fatalf("unexpected winner payout %d", got)
	}
	if got := h.balance(t, h.fees.recipient); got != 20_000_000_000_000_000 {
		t.Fatalf("unexpected fee %d", got)
	}
	if got := h.balance(t, esc.Address()); got != 0 {
		t.Fatalf("escrow should be empty, holds %d", got)
	}
	info := mustInfo(t, esc)
	winner, ok := info.Winner()
	if info.Status() != StatusSettled || !ok || winner != creator {
		t.Fatalf("unexpected settled snapshot: %+v", info)
	}

	expectErr(t, esc.AdmitLoss(context.Background(), opponent, creator), coreerrors.ErrNotActive)
	expectErr(t, esc.Join(context.Background(), opponent, uint256.NewInt(stake)), coreerrors.ErrNotOpen)
	expectErr(t, esc.RefundIfNoJoin(context.Background(), creator), coreerrors.ErrNotRefundable)
}

func TestZeroFeePaysWholePot(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x0A)
	opponent := newTestAddress(0x0B)
	esc := h.deployNative(t, creator, nil, 500)
	h.mint(t, opponent, 500)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(500)); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := esc.AdmitLoss(context.Background(), creator, opponent); err != nil {
		t.Fatalf("admit loss: %v", err)
	}
	if got := h.balance(t, opponent); got != 1_000 {
		t.Fatalf("expected opponent to collect 1000, got %d", got)
	}
	if got := h.balance(t, h.fees.recipient); got != 0 {
		t.Fatalf("expected no fee, got %d", got)
	}
}

func TestFeeIsReadAtSettlement(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x0A)
	opponent := newTestAddress(0x0B)
	esc := h.deployNative(t, creator, nil, 1_000)
	h.mint(t, opponent, 1_000)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.fees.bps = 500
	newRecipient := newTestAddress(0xEE)
	h.fees.recipient = newRecipient
	if err := esc.AdmitLoss(context.Background(), opponent, creator); err != nil {
		t.Fatalf("admit loss: %v", err)
	}
	if got := h.balance(t, newRecipient); got != 100 {
		t.Fatalf("expected fee 100 at 5%%, got %d", got)
	}
	if got := h.balance(t, creator); got != 1_900 {
		t.Fatalf("expected payout 1900, got %d", got)
	}
}

func TestOpenInviteJoinRules(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	taker := newTestAddress(0x02)
	late := newTestAddress(0x03)
	esc := h.deployNative(t, creator, nil, 50)
	h.mint(t, creator, 50)
	h.mint(t, taker, 50)
	h.mint(t, late, 50)

	expectErr(t, esc.Join(context.Background(), creator, uint256.NewInt(50)), coreerrors.ErrInvalidJoiner)
	expectErr(t, esc.Join(context.Background(), common.Address{}, uint256.NewInt(50)), coreerrors.ErrInvalidJoiner)
	if err := esc.Join(context.Background(), taker, uint256.NewInt(50)); err != nil {
		t.Fatalf("join: %v", err)
	}
	expectErr(t, esc.Join(context.Background(), late, uint256.NewInt(50)), coreerrors.ErrNotOpen)

	info := mustInfo(t, esc)
	if info.Opponent != taker || info.Status() != StatusJoined {
		t.Fatalf("expected taker bound as opponent: %+v", info)
	}
	if got := h.balance(t, late); got != 50 {
		t.Fatalf("rejected joiner lost funds: %d", got)
	}
}

func TestFixedInviteRejectsStranger(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	esc := h.deployNative(t, creator, &opponent, 50)
	h.mint(t, stranger, 50)

	expectErr(t, esc.Join(context.Background(), stranger, uint256.NewInt(50)), coreerrors.ErrInvalidJoiner)
	if status := mustInfo(t, esc).Status(); status != StatusOpen {
		t.Fatalf("expected bet to stay open, got %s", status)
	}
}

func TestJoinDeadlineBoundary(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	late := h.deployNative(t, creator, &opponent, 10)
	onTime := h.deployNative(t, creator, &opponent, 10)
	h.mint(t, opponent, 20)

	h.now = testDeadline + 1
	expectErr(t, late.Join(context.Background(), opponent, uint256.NewInt(10)), coreerrors.ErrDeadlinePassed)

	h.now = testDeadline
	if err := onTime.Join(context.Background(), opponent, uint256.NewInt(10)); err != nil {
		t.Fatalf("join at deadline: %v", err)
	}
}

func TestJoinRequiresExactStake(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 100)
	h.mint(t, opponent, 200)

	expectErr(t, esc.Join(context.Background(), opponent, uint256.NewInt(99)), coreerrors.ErrStakeMismatch)
	expectErr(t, esc.Join(context.Background(), opponent, nil), coreerrors.ErrStakeMismatch)
	if got := h.balance(t, opponent); got != 200 {
		t.Fatalf("failed join moved funds: %d", got)
	}
}

func TestJoinWithoutFundsFails(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 100)

	err := esc.Join(context.Background(), opponent, uint256.NewInt(100))
	expectErr(t, err, coreerrors.ErrFundingFailed)
	if !errors.Is(err, state.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance cause, got %v", err)
	}
	if status := mustInfo(t, esc).Status(); status != StatusOpen {
		t.Fatalf("expected open after failed join, got %s", status)
	}
}

func TestAdmitLossValidations(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	stranger := newTestAddress(0x03)
	esc := h.deployNative(t, creator, &opponent, 10)

	expectErr(t, esc.AdmitLoss(context.Background(), opponent, creator), coreerrors.ErrNotActive)

	h.mint(t, opponent, 10)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(10)); err != nil {
		t.Fatalf("join: %v", err)
	}
	expectErr(t, esc.AdmitLoss(context.Background(), stranger, creator), coreerrors.ErrNotParticipant)
	expectErr(t, esc.AdmitLoss(context.Background(), opponent, stranger), coreerrors.ErrInvalidWinner)
	expectErr(t, esc.AdmitLoss(context.Background(), opponent, opponent), coreerrors.ErrCallerCannotBeWinner)
	if status := mustInfo(t, esc).Status(); status != StatusJoined {
		t.Fatalf("expected joined after rejected settlements, got %s", status)
	}
}

func TestRefundIfNoJoin(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	other := newTestAddress(0x02)
	esc := h.deployNative(t, creator, nil, 75)

	h.now = testDeadline
	expectErr(t, esc.RefundIfNoJoin(context.Background(), creator), coreerrors.ErrDeadlineNotReached)

	h.now = testDeadline + 1
	expectErr(t, esc.RefundIfNoJoin(context.Background(), other), coreerrors.ErrOnlyCreator)
	if err := esc.RefundIfNoJoin(context.Background(), creator); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := h.balance(t, creator); got != 75 {
		t.Fatalf("expected refund of 75, got %d", got)
	}
	info := mustInfo(t, esc)
	refunded, ok := info.State.(Refunded)
	if !ok || refunded.Amount.Uint64() != 75 {
		t.Fatalf("unexpected refunded snapshot: %+v", info)
	}
	expectErr(t, esc.RefundIfNoJoin(context.Background(), creator), coreerrors.ErrNotRefundable)
	expectErr(t, esc.Join(context.Background(), other, uint256.NewInt(75)), coreerrors.ErrNotOpen)
}

func TestRefundAfterJoinIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 10)
	h.mint(t, opponent, 10)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(10)); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.now = testDeadline + 10
	expectErr(t, esc.RefundIfNoJoin(context.Background(), creator), coreerrors.ErrNotRefundable)
}

func TestRejectedPayoutRollsBackSettlement(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 1_000)
	h.mint(t, opponent, 1_000)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.ledger.SetReceiver(creator, state.ReceiverFunc(func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("not accepting")
	}))
	err := esc.AdmitLoss(context.Background(), opponent, creator)
	expectErr(t, err, coreerrors.ErrPayoutFailed)
	if !errors.Is(err, state.ErrRecipientRejected) {
		t.Fatalf("expected rejection cause, got %v", err)
	}
	info := mustInfo(t, esc)
	if info.Status() != StatusJoined || info.Held.Uint64() != 2_000 {
		t.Fatalf("expected untouched pot after failed payout: %+v", info)
	}

	h.ledger.SetReceiver(creator, nil)
	if err := esc.AdmitLoss(context.Background(), opponent, creator); err != nil {
		t.Fatalf("retry admit loss: %v", err)
	}
	if got := h.balance(t, creator); got != 1_980 {
		t.Fatalf("expected payout 1980, got %d", got)
	}
}

func TestRejectedFeeRollsBackPayout(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 1_000)
	h.mint(t, opponent, 1_000)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("join: %v", err)
	}
	h.ledger.SetReceiver(h.fees.recipient, state.ReceiverFunc(func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("closed")
	}))

	expectErr(t, esc.AdmitLoss(context.Background(), opponent, creator), coreerrors.ErrFeeTransferFailed)
	if got := h.balance(t, creator); got != 0 {
		t.Fatalf("payout leaked despite failed fee transfer: %d", got)
	}
	if status := mustInfo(t, esc).Status(); status != StatusJoined {
		t.Fatalf("expected joined, got %s", status)
	}
}

func TestRejectedRefundKeepsBetOpen(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	esc := h.deployNative(t, creator, nil, 40)
	h.ledger.SetReceiver(creator, state.ReceiverFunc(func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("no")
	}))
	h.now = testDeadline + 1
	expectErr(t, esc.RefundIfNoJoin(context.Background(), creator), coreerrors.ErrRefundFailed)
	info := mustInfo(t, esc)
	if info.Status() != StatusOpen || info.Held.Uint64() != 40 {
		t.Fatalf("expected open bet with stake after failed refund: %+v", info)
	}
}

func TestReentrantCallsAreRejected(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 1_000)
	h.mint(t, opponent, 1_000)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("join: %v", err)
	}

	var reentrant []error
	h.ledger.SetReceiver(creator, state.ReceiverFunc(func(ctx context.Context, _ common.Address, _ *uint256.Int) error {
		reentrant = append(reentrant,
			esc.AdmitLoss(ctx, opponent, creator),
			esc.RefundIfNoJoin(ctx, creator),
			esc.Join(ctx, opponent, uint256.NewInt(1_000)),
		)
		return nil
	}))
	if err := esc.AdmitLoss(context.Background(), opponent, creator); err != nil {
		t.Fatalf("admit loss: %v", err)
	}
	if len(reentrant) != 3 {
		t.Fatalf("expected receiver to run once, recorded %d calls", len(reentrant))
	}
	for i, err := range reentrant {
		if !errors.Is(err, coreerrors.ErrReentrancy) {
			t.Fatalf("reentrant call %d: expected reentrancy error, got %v", i, err)
		}
	}
	if got := h.balance(t, creator); got != 1_980 {
		t.Fatalf("expected single payout of 1980, got %d", got)
	}
	if got := h.balance(t, h.fees.recipient); got != 20 {
		t.Fatalf("expected single fee of 20, got %d", got)
	}
}

func TestTokenBetLifecycle(t *testing.T) {
	h := newHarness(t, 250)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployToken(t, creator, nil, 4_000)
	h.mintToken(t, opponent, 4_000)

	expectErr(t, esc.Join(context.Background(), opponent, nil), coreerrors.ErrFundingFailed)
	expectErr(t, esc.Join(context.Background(), opponent, uint256.NewInt(1)), coreerrors.ErrUnexpectedNativeValue)

	err := h.ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.Approve(h.token, opponent, esc.Address(), uint256.NewInt(4_000))
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := esc.Join(context.Background(), opponent, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	info := mustInfo(t, esc)
	if info.Held.Uint64() != 8_000 || info.Currency.IsNative() {
		t.Fatalf("unexpected token snapshot: %+v", info)
	}
	allowance, err := h.ledger.Allowance(h.token, opponent, esc.Address())
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if !allowance.IsZero() {
		t.Fatalf("expected allowance consumed, got %s", allowance)
	}

	if err := esc.AdmitLoss(context.Background(), creator, opponent); err != nil {
		t.Fatalf("admit loss: %v", err)
	}
	if got := h.tokenBalance(t, opponent); got != 7_800 {
		t.Fatalf("expected token payout 7800, got %d", got)
	}
	if got := h.tokenBalance(t, h.fees.recipient); got != 200 {
		t.Fatalf("expected token fee 200, got %d", got)
	}
	if got := h.tokenBalance(t, esc.Address()); got != 0 {
		t.Fatalf("escrow should hold no tokens, holds %d", got)
	}
}

func TestPausedTokenBlocksSettlement(t *testing.T) {
	h := newHarness(t, 0)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployToken(t, creator, &opponent, 10)
	h.mintToken(t, opponent, 10)
	err := h.ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
		return tx.Approve(h.token, opponent, esc.Address(), uint256.NewInt(10))
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := esc.Join(context.Background(), opponent, nil); err != nil {
		t.Fatalf("join: %v", err)
	}
	pause := func(paused bool) {
		err := h.ledger.Run(context.Background(), func(ctx context.Context, tx *state.Tx) error {
			return tx.SetTokenPaused(h.token, paused)
		})
		if err != nil {
			t.Fatalf("pause: %v", err)
		}
	}

	pause(true)
	err = esc.AdmitLoss(context.Background(), opponent, creator)
	expectErr(t, err, coreerrors.ErrPayoutFailed)
	if !errors.Is(err, state.ErrTokenPaused) {
		t.Fatalf("expected paused cause, got %v", err)
	}
	if status := mustInfo(t, esc).Status(); status != StatusJoined {
		t.Fatalf("expected joined, got %s", status)
	}

	pause(false)
	if err := esc.AdmitLoss(context.Background(), opponent, creator); err != nil {
		t.Fatalf("admit loss: %v", err)
	}
	if got := h.tokenBalance(t, creator); got != 20 {
		t.Fatalf("expected creator to collect 20, got %d", got)
	}
}

func TestLoadRestoresCommittedState(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, nil, 1_000)
	h.mint(t, opponent, 1_000)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("join: %v", err)
	}

	restored, err := Load(h.ledger, esc.Address(), h.fees, h.clock)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	info := mustInfo(t, restored)
	if info.Status() != StatusJoined || info.Opponent != opponent || !info.OpenInvite {
		t.Fatalf("unexpected restored snapshot: %+v", info)
	}
	if info.Creator != creator || info.Factory != h.factory || info.Stake.Uint64() != 1_000 {
		t.Fatalf("restored terms differ: %+v", info)
	}
	if err := restored.AdmitLoss(context.Background(), creator, opponent); err != nil {
		t.Fatalf("admit loss on restored escrow: %v", err)
	}

	settled, err := Load(h.ledger, esc.Address(), h.fees, h.clock)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	s, ok := mustInfo(t, settled).State.(Settled)
	if !ok || s.Winner != opponent || s.Payout.Uint64() != 1_980 || s.Fee.Uint64() != 20 {
		t.Fatalf("unexpected settled record: %+v", s)
	}

	if _, err := Load(h.ledger, newTestAddress(0x99), h.fees, h.clock); err == nil {
		t.Fatalf("expected error loading unknown escrow")
	}
}

func TestLifecycleEvents(t *testing.T) {
	h := newHarness(t, 100)
	creator := newTestAddress(0x01)
	opponent := newTestAddress(0x02)
	esc := h.deployNative(t, creator, &opponent, 1_000)
	h.mint(t, opponent, 1_000)
	if err := esc.Join(context.Background(), opponent, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("join: %v", err)
	}
	expectErr(t, esc.AdmitLoss(context.Background(), opponent, opponent), coreerrors.ErrCallerCannotBeWinner)
	if err := esc.AdmitLoss(context.Background(), opponent, creator); err != nil {
		t.Fatalf("admit loss: %v", err)
	}

	records := h.recorder.List("escrow.", 0)
	want := []string{EventTypeEscrowCreated, EventTypeEscrowJoined, EventTypeEscrowSettled}
	if len(records) != len(want) {
		t.Fatalf("expected %d escrow events, got %d", len(want), len(records))
	}
	for i, rec := range records {
		if rec.Event.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], rec.Event.Type)
		}
		if rec.Event.Attributes["escrow"] != esc.Address().Hex() {
			t.Fatalf("event %d: unexpected escrow attribute %q", i, rec.Event.Attributes["escrow"])
		}
	}
	settled := records[2].Event.Attributes
	if settled["winner"] != creator.Hex() || settled["payout"] != "1980" || settled["fee"] != "20" {
		t.Fatalf("unexpected settled attributes: %v", settled)
	}
	if created := records[0].Event.Attributes; created["opponent"] != opponent.Hex() || created["currency"] != "native" {
		t.Fatalf("unexpected created attributes: %v", created)
	}
}
