package rpc

import "context"

type accountParams struct {
	Address string `json:"address"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func (s *Server) handleAccountGetBalance(_ context.Context, c *call) (interface{}, *RPCError) {
	var params accountParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := parseAddress("address", params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, err := s.ledger.Balance(addr)
	if err != nil {
		return nil, ledgerError(err)
	}
	return balanceResult{Address: formatAddress(addr), Balance: formatAmount(balance)}, nil
}
