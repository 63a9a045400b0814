package rpc

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/crypto"
	"wagerchain/native/escrow"
)

type escrowJSON struct {
	Address    string  `json:"address"`
	BetID      uint64  `json:"betId"`
	Factory    string  `json:"factory"`
	Creator    string  `json:"creator"`
	Opponent   *string `json:"opponent,omitempty"`
	OpenInvite bool    `json:"openInvite"`
	Currency   string  `json:"currency"`
	Stake      string  `json:"stake"`
	Deadline   int64   `json:"deadline"`
	CreatedAt  int64   `json:"createdAt"`
	Category   string  `json:"category"`
	Status     string  `json:"status"`
	Winner     *string `json:"winner,omitempty"`
	Payout     *string `json:"payout,omitempty"`
	Fee        *string `json:"fee,omitempty"`
	Refunded   *string `json:"refunded,omitempty"`
	Held       string  `json:"held"`
}

func formatEscrowJSON(info escrow.Info, betID uint64) escrowJSON {
	out := escrowJSON{
		Address:    info.Address.Hex(),
		BetID:      betID,
		Factory:    info.Factory.Hex(),
		Creator:    info.Creator.Hex(),
		OpenInvite: info.OpenInvite,
		Currency:   info.Currency.String(),
		Stake:      formatAmount(info.Stake),
		Deadline:   info.Deadline,
		CreatedAt:  info.CreatedAt,
		Category:   "0x" + hex.EncodeToString(info.Category[:]),
		Status:     info.Status().String(),
		Held:       formatAmount(info.Held),
	}
	if info.HasOpponent() {
		opponent := info.Opponent.Hex()
		out.Opponent = &opponent
	}
	switch st := info.State.(type) {
	case escrow.Settled:
		winner := st.Winner.Hex()
		payout := formatAmount(st.Payout)
		fee := formatAmount(st.Fee)
		out.Winner, out.Payout, out.Fee = &winner, &payout, &fee
	case escrow.Refunded:
		amount := formatAmount(st.Amount)
		out.Refunded = &amount
	}
	return out
}

type createBetParams struct {
	Currency string  `json:"currency"`
	Stake    string  `json:"stake"`
	Opponent *string `json:"opponent,omitempty"`
	Deadline int64   `json:"deadline"`
	Category string  `json:"category,omitempty"`
	Value    string  `json:"value,omitempty"`
}

type createBetResult struct {
	BetID  uint64 `json:"betId"`
	Escrow string `json:"escrow"`
}

type escrowParams struct {
	Escrow string `json:"escrow"`
}

type joinParams struct {
	Escrow string `json:"escrow"`
	Value  string `json:"value,omitempty"`
}

type admitLossParams struct {
	Escrow string `json:"escrow"`
	Winner string `json:"winner"`
}

type eventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type eventJSON struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type feeBpsParams struct {
	FeeBps uint16 `json:"feeBps"`
}

type recipientParams struct {
	Recipient string `json:"recipient"`
}

type ownerParams struct {
	Owner string `json:"owner"`
}

type feeInfoResult struct {
	FeeBps    uint16 `json:"feeBps"`
	Recipient string `json:"recipient"`
	Owner     string `json:"owner"`
}

type betIDParams struct {
	BetID uint64 `json:"betId"`
}

type pageParams struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type balanceParams struct {
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

type balanceResult struct {
	Address string `json:"address"`
	Bech32  string `json:"bech32"`
	Balance string `json:"balance"`
}

type approveParams struct {
	Token   string `json:"token"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type allowanceParams struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
}

type okResult struct {
	OK bool `json:"ok"`
}

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAddressParam(field, value string) (common.Address, error) {
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return common.Address{}, invalidParams("%s: %v", field, err)
	}
	return addr, nil
}

// parseAmountParam parses a decimal base-unit amount. Empty input is zero
// when optional is set.
func parseAmountParam(field, value string, optional bool) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		if optional {
			return new(uint256.Int), nil
		}
		return nil, invalidParams("%s is required", field)
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, invalidParams("%s: %v", field, err)
	}
	return amount, nil
}

// parseCurrencyParam accepts "native" (or empty) for the native asset and a
// token address otherwise.
func parseCurrencyParam(value string) (escrow.Currency, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "native") {
		return escrow.Native(), nil
	}
	addr, err := parseAddressParam("currency", trimmed)
	if err != nil {
		return escrow.Currency{}, err
	}
	return escrow.CurrencyFromAddress(addr), nil
}

func parseCategoryParam(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, invalidParams("category: %v", err)
	}
	if len(raw) != len(out) {
		return out, invalidParams("category must be 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}
