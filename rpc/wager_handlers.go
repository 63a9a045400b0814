package rpc

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"wagerchain/native/escrow"
	"wagerchain/native/factory"
)

func (s *Server) handleCreateBet(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params createBetParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	currency, err := parseCurrencyParam(params.Currency)
	if err != nil {
		return nil, err
	}
	stake, err := parseAmountParam("stake", params.Stake, false)
	if err != nil {
		return nil, err
	}
	value, err := parseAmountParam("value", params.Value, true)
	if err != nil {
		return nil, err
	}
	category, err := parseCategoryParam(params.Category)
	if err != nil {
		return nil, err
	}
	var opponent *common.Address
	if params.Opponent != nil {
		addr, err := parseAddressParam("opponent", *params.Opponent)
		if err != nil {
			return nil, err
		}
		opponent = &addr
	}
	betID, escrowAddr, err := s.factory.CreateBet(ctx, factory.BetRequest{
		Creator:  caller,
		Currency: currency,
		Stake:    stake,
		Opponent: opponent,
		Deadline: params.Deadline,
		Category: category,
		Value:    value,
	})
	if err != nil {
		return nil, err
	}
	return createBetResult{BetID: betID, Escrow: escrowAddr.Hex()}, nil
}

// lookupEscrow resolves the escrow named in a request.
func (s *Server) lookupEscrow(ctx context.Context, raw string) (*escrow.Escrow, uint64, error) {
	addr, err := parseAddressParam("escrow", raw)
	if err != nil {
		return nil, 0, err
	}
	return s.factory.Escrow(ctx, addr)
}

func (s *Server) handleJoin(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params joinParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	value, err := parseAmountParam("value", params.Value, true)
	if err != nil {
		return nil, err
	}
	esc, betID, err := s.lookupEscrow(ctx, params.Escrow)
	if err != nil {
		return nil, err
	}
	if err := esc.Join(ctx, caller, value); err != nil {
		return nil, err
	}
	return s.escrowResult(ctx, esc, betID)
}

func (s *Server) handleAdmitLoss(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params admitLossParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	winner, err := parseAddressParam("winner", params.Winner)
	if err != nil {
		return nil, err
	}
	esc, betID, err := s.lookupEscrow(ctx, params.Escrow)
	if err != nil {
		return nil, err
	}
	if err := esc.AdmitLoss(ctx, caller, winner); err != nil {
		return nil, err
	}
	return s.escrowResult(ctx, esc, betID)
}

func (s *Server) handleRefundIfNoJoin(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params escrowParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	esc, betID, err := s.lookupEscrow(ctx, params.Escrow)
	if err != nil {
		return nil, err
	}
	if err := esc.RefundIfNoJoin(ctx, caller); err != nil {
		return nil, err
	}
	return s.escrowResult(ctx, esc, betID)
}

func (s *Server) handleInfo(ctx context.Context, _ common.Address, req *RPCRequest) (interface{}, error) {
	var params escrowParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	esc, betID, err := s.lookupEscrow(ctx, params.Escrow)
	if err != nil {
		return nil, err
	}
	return s.escrowResult(ctx, esc, betID)
}

func (s *Server) escrowResult(ctx context.Context, esc *escrow.Escrow, betID uint64) (interface{}, error) {
	info, err := esc.Info(ctx)
	if err != nil {
		return nil, err
	}
	return formatEscrowJSON(info, betID), nil
}

const maxEventPage = 500

func (s *Server) handleEvents(_ context.Context, _ common.Address, req *RPCRequest) (interface{}, error) {
	if s.recorder == nil {
		return nil, errors.New("event history not enabled")
	}
	var params eventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit < 0 {
		return nil, invalidParams("limit must not be negative")
	}
	if params.Limit == 0 || params.Limit > maxEventPage {
		params.Limit = maxEventPage
	}
	records := s.recorder.List(params.Prefix, params.Limit)
	out := make([]eventJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, eventJSON{Sequence: rec.Sequence, Type: rec.Event.Type, Attributes: rec.Event.Attributes})
	}
	return out, nil
}
