package rpc

import (
	"context"
)

type deedMintParams struct {
	TokenURI string `json:"tokenUri"`
}

type deedIDParams struct {
	ID uint64 `json:"id"`
}

type deedApproveParams struct {
	ID      uint64 `json:"id"`
	Spender string `json:"spender"`
}

type deedTransferParams struct {
	ID   uint64 `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

type deedOwnerResult struct {
	ID    uint64 `json:"id"`
	Owner string `json:"owner"`
}

func (s *Server) handleDeedMint(_ context.Context, c *call) (interface{}, *RPCError) {
	var params deedMintParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	minted, err := s.ledger.MintDeed(c.caller, params.TokenURI)
	if err != nil {
		return nil, ledgerError(err)
	}
	return formatDeed(minted), nil
}

func (s *Server) handleDeedApprove(_ context.Context, c *call) (interface{}, *RPCError) {
	var params deedApproveParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	spender, rpcErr := parseAddress("spender", params.Spender)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.ApproveDeed(c.caller, params.ID, spender); err != nil {
		return nil, ledgerError(err)
	}
	return s.deedResult(params.ID)
}

func (s *Server) handleDeedTransfer(_ context.Context, c *call) (interface{}, *RPCError) {
	var params deedTransferParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	from, rpcErr := parseAddress("from", params.From)
	if rpcErr != nil {
		return nil, rpcErr
	}
	to, rpcErr := parseAddress("to", params.To)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.TransferDeed(c.caller, params.ID, from, to); err != nil {
		return nil, ledgerError(err)
	}
	return s.deedResult(params.ID)
}

func (s *Server) handleDeedOwnerOf(_ context.Context, c *call) (interface{}, *RPCError) {
	var params deedIDParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := s.ledger.DeedOwner(params.ID)
	if err != nil {
		return nil, ledgerError(err)
	}
	return deedOwnerResult{ID: params.ID, Owner: formatAddress(owner)}, nil
}

func (s *Server) handleDeedGet(_ context.Context, c *call) (interface{}, *RPCError) {
	var params deedIDParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	return s.deedResult(params.ID)
}

func (s *Server) deedResult(id uint64) (interface{}, *RPCError) {
	d, err := s.ledger.Deed(id)
	if err != nil {
		return nil, ledgerError(err)
	}
	return formatDeed(d), nil
}
