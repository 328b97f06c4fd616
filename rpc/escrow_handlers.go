package rpc

import (
	"context"
	"net/http"
	"strings"

	"deedledger/services/eventlog"
)

type escrowListParams struct {
	AssetID       uint64 `json:"assetId"`
	Buyer         string `json:"buyer"`
	PurchasePrice string `json:"purchasePrice"`
	EscrowAmount  string `json:"escrowAmount"`
}

type escrowAssetParams struct {
	AssetID uint64 `json:"assetId"`
}

type escrowAmountParams struct {
	AssetID uint64 `json:"assetId"`
	Amount  string `json:"amount"`
}

type escrowInspectionParams struct {
	AssetID uint64 `json:"assetId"`
	Passed  *bool  `json:"passed"`
}

type escrowApprovalParams struct {
	AssetID uint64 `json:"assetId"`
	Party   string `json:"party"`
}

type escrowListEventsParams struct {
	Type          string  `json:"type,omitempty"`
	AssetID       *uint64 `json:"assetId,omitempty"`
	AfterSequence int64   `json:"afterSequence,omitempty"`
	Limit         int     `json:"limit,omitempty"`
}

type escrowApprovalResult struct {
	AssetID  uint64 `json:"assetId"`
	Party    string `json:"party"`
	Approved bool   `json:"approved"`
}

type escrowCustodyResult struct {
	Vault   string `json:"vault"`
	Balance string `json:"balance"`
}

func (s *Server) handleEscrowList(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowListParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	buyer, rpcErr := parseAddress("buyer", params.Buyer)
	if rpcErr != nil {
		return nil, rpcErr
	}
	price, rpcErr := parseAmount("purchasePrice", params.PurchasePrice, true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	escrowAmount, rpcErr := parseAmount("escrowAmount", params.EscrowAmount, true)
	if rpcErr != nil {
		return nil, rpcErr
	}
	listing, err := s.ledger.List(c.caller, params.AssetID, buyer, price, escrowAmount)
	if err != nil {
		return nil, ledgerError(err)
	}
	return formatListing(listing), nil
}

func (s *Server) handleEscrowDepositEarnest(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAmountParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", params.Amount, false)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.DepositEarnest(c.caller, params.AssetID, amount); err != nil {
		return nil, ledgerError(err)
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowFundLoan(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAmountParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount("amount", params.Amount, false)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.FundLoan(c.caller, params.AssetID, amount); err != nil {
		return nil, ledgerError(err)
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowUpdateInspection(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowInspectionParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Passed == nil {
		return nil, invalidParams("passed required")
	}
	if err := s.ledger.UpdateInspectionStatus(c.caller, params.AssetID, *params.Passed); err != nil {
		return nil, ledgerError(err)
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowApproveSale(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAssetParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.ApproveSale(c.caller, params.AssetID); err != nil {
		return nil, ledgerError(err)
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowFinalizeSale(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAssetParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.FinalizeSale(c.caller, params.AssetID); err != nil {
		return nil, ledgerError(err)
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowCancelSale(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAssetParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ledger.CancelSale(c.caller, params.AssetID); err != nil {
		return nil, ledgerError(err)
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowGet(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAssetParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	return s.listingResult(params.AssetID)
}

func (s *Server) handleEscrowApproval(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowApprovalParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	party, rpcErr := parseAddress("party", params.Party)
	if rpcErr != nil {
		return nil, rpcErr
	}
	approved, err := s.ledger.Approval(params.AssetID, party)
	if err != nil {
		return nil, ledgerError(err)
	}
	return escrowApprovalResult{AssetID: params.AssetID, Party: formatAddress(party), Approved: approved}, nil
}

func (s *Server) handleEscrowHistory(_ context.Context, c *call) (interface{}, *RPCError) {
	var params escrowAssetParams
	if rpcErr := decodeParams(c, &params); rpcErr != nil {
		return nil, rpcErr
	}
	history, err := s.ledger.ListingHistory(params.AssetID)
	if err != nil {
		return nil, ledgerError(err)
	}
	out := make([]listingJSON, len(history))
	for i, listing := range history {
		out[i] = formatListing(listing)
	}
	return out, nil
}

func (s *Server) handleEscrowCustodyBalance(_ context.Context, _ *call) (interface{}, *RPCError) {
	total, err := s.ledger.CustodyTotal()
	if err != nil {
		return nil, ledgerError(err)
	}
	return escrowCustodyResult{Vault: formatAddress(s.ledger.Vault()), Balance: formatAmount(total)}, nil
}

func (s *Server) handleEscrowRoles(_ context.Context, _ *call) (interface{}, *RPCError) {
	roles := s.ledger.Roles()
	return rolesJSON{
		Seller:    formatAddress(roles.Seller),
		Inspector: formatAddress(roles.Inspector),
		Lender:    formatAddress(roles.Lender),
		Vault:     formatAddress(s.ledger.Vault()),
	}, nil
}

func (s *Server) handleEscrowListEvents(ctx context.Context, c *call) (interface{}, *RPCError) {
	if s.events == nil {
		return nil, newError(http.StatusServiceUnavailable, codeServerError, "event log unavailable", nil)
	}
	var params escrowListEventsParams
	if len(c.req.Params) > 0 {
		if rpcErr := decodeParams(c, &params); rpcErr != nil {
			return nil, rpcErr
		}
	}
	if params.Limit < 0 || params.AfterSequence < 0 {
		return nil, invalidParams("limit and afterSequence must be non-negative")
	}
	records, err := s.events.List(ctx, eventlog.Filter{
		Type:          strings.TrimSpace(params.Type),
		AssetID:       params.AssetID,
		AfterSequence: params.AfterSequence,
		Limit:         params.Limit,
	})
	if err != nil {
		return nil, newError(http.StatusInternalServerError, codeInternal, "internal_error", err.Error())
	}
	if records == nil {
		records = []eventlog.Record{}
	}
	return records, nil
}

func (s *Server) listingResult(assetID uint64) (interface{}, *RPCError) {
	listing, err := s.ledger.Listing(assetID)
	if err != nil {
		return nil, ledgerError(err)
	}
	return formatListing(listing), nil
}
