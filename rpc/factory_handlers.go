package rpc

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

const maxEscrowPage = 1_000

func (s *Server) handleSetFeeBps(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params feeBpsParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if err := s.factory.SetFeeBps(ctx, caller, params.FeeBps); err != nil {
		return nil, err
	}
	return s.feeInfo(ctx), nil
}

func (s *Server) handleSetFeeRecipient(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params recipientParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	recipient, err := parseAddressParam("recipient", params.Recipient)
	if err != nil {
		return nil, err
	}
	if err := s.factory.SetFeeRecipient(ctx, caller, recipient); err != nil {
		return nil, err
	}
	return s.feeInfo(ctx), nil
}

func (s *Server) handleTransferOwnership(ctx context.Context, caller common.Address, req *RPCRequest) (interface{}, error) {
	var params ownerParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	owner, err := parseAddressParam("owner", params.Owner)
	if err != nil {
		return nil, err
	}
	if err := s.factory.TransferOwnership(ctx, caller, owner); err != nil {
		return nil, err
	}
	return s.feeInfo(ctx), nil
}

func (s *Server) handleFeeInfo(ctx context.Context, _ common.Address, _ *RPCRequest) (interface{}, error) {
	return s.feeInfo(ctx), nil
}

func (s *Server) feeInfo(ctx context.Context) feeInfoResult {
	feeBps, recipient := s.factory.FeeInfo(ctx)
	return feeInfoResult{
		FeeBps:    feeBps,
		Recipient: recipient.Hex(),
		Owner:     s.factory.Owner(ctx).Hex(),
	}
}

func (s *Server) handleEscrowOf(ctx context.Context, _ common.Address, req *RPCRequest) (interface{}, error) {
	var params betIDParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	addr, err := s.factory.EscrowOf(ctx, params.BetID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"escrow": addr.Hex()}, nil
}

func (s *Server) handleTotalEscrows(ctx context.Context, _ common.Address, _ *RPCRequest) (interface{}, error) {
	return map[string]uint64{"total": s.factory.TotalEscrows(ctx)}, nil
}

func (s *Server) handleEscrows(ctx context.Context, _ common.Address, req *RPCRequest) (interface{}, error) {
	var params pageParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Offset < 0 || params.Limit < 0 {
		return nil, invalidParams("offset and limit must not be negative")
	}
	if params.Limit == 0 || params.Limit > maxEscrowPage {
		params.Limit = maxEscrowPage
	}
	addrs := s.factory.Escrows(ctx, params.Offset, params.Limit)
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.Hex())
	}
	return out, nil
}
