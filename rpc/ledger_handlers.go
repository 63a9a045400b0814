package rpc

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"wagerchain/core/state"
	"wagerchain/crypto"
)

// ledgerError reports caller mistakes detected by the ledger as invalid
// params; anything else stays a server error.
func ledgerError(err error) error {
	if errors.Is(err, state.ErrUnknownToken) {
		return invalidParams("%v", err)
	}
	return err
}

func (s *Server) handleBalance(ctx context.Context, _ common.Address, req *RPCRequest) (interface{}, error) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	holder, err := parseAddressParam("address", params.Address)
	if err != nil {
		return nil, err
	}
	var (
		token   common.Address
		isToken bool
	)
	if strings.TrimSpace(params.Token) != "" {
		if token, err = parseAddressParam("token", params.Token); err != nil {
			return nil, err
		}
		isToken = true
	}
	var balance *uint256.Int
	s.ledger.View(ctx, func(r state.Reader) {
		if isToken {
			balance, err = r.TokenBalance(token, holder)
			return
		}
		balance, err = r.NativeBalance(holder)
	})
	if err != nil {
		return nil, ledgerError(err)
	}
	return balanceResult{Address: holder.Hex(), Bech32: crypto.FormatBech32(holder), Balance: formatAmount(balance)}, nil
}

func (s *Server) handleTokenApprove(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params approveParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	token, err := parseAddressParam("token", params.Token)
	if err != nil {
		return nil, err
	}
	spender, err := parseAddressParam("spender", params.Spender)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmountParam("amount", params.Amount, false)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Run(ctx, func(ctx context.Context, tx *state.Tx) error {
		return tx.Approve(token, caller, spender, amount)
	}); err != nil {
		return nil, ledgerError(err)
	}
	return okResult{OK: true}, nil
}

func (s *Server) handleTokenAllowance(ctx context.Context, _ common.Address, req *RPCRequest) (interface{}, error) {
	var params allowanceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	token, err := parseAddressParam("token", params.Token)
	if err != nil {
		return nil, err
	}
	owner, err := parseAddressParam("owner", params.Owner)
	if err != nil {
		return nil, err
	}
	spender, err := parseAddressParam("spender", params.Spender)
	if err != nil {
		return nil, err
	}
	var allowance *uint256.Int
	s.ledger.View(ctx, func(r state.Reader) {
		allowance, err = r.Allowance(token, owner, spender)
	})
	if err != nil {
		return nil, ledgerError(err)
	}
	return map[string]string{"allowance": formatAmount(allowance)}, nil
}
