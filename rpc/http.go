package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"deedledger/native/deed"
	"deedledger/native/escrow"
	"deedledger/observability"
	"deedledger/observability/logging"
	"deedledger/observability/otel"
	"deedledger/services/eventlog"
)

const (
	jsonRPCVersion         = "2.0"
	defaultMaxRequestBytes = 1 << 20 // 1 MiB
	defaultRatePerSecond   = 20
	defaultRateBurst       = 40

	// HeaderRequestID carries the per-request correlation id.
	HeaderRequestID = "X-Request-Id"

	metricsModule = "rpc"
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeRateLimited    = -32020
)

// Ledger is the typed ledger surface served over JSON-RPC.
type Ledger interface {
	MintDeed(caller [20]byte, tokenURI string) (*deed.Deed, error)
	ApproveDeed(caller [20]byte, assetID uint64, spender [20]byte) error
	TransferDeed(caller [20]byte, assetID uint64, from, to [20]byte) error
	DeedOwner(assetID uint64) ([20]byte, error)
	Deed(assetID uint64) (*deed.Deed, error)

	List(caller [20]byte, assetID uint64, buyer [20]byte, purchasePrice, escrowAmount *big.Int) (*escrow.Listing, error)
	DepositEarnest(caller [20]byte, assetID uint64, amount *big.Int) error
	FundLoan(caller [20]byte, assetID uint64, amount *big.Int) error
	UpdateInspectionStatus(caller [20]byte, assetID uint64, passed bool) error
	ApproveSale(caller [20]byte, assetID uint64) error
	FinalizeSale(caller [20]byte, assetID uint64) error
	CancelSale(caller [20]byte, assetID uint64) error

	Listing(assetID uint64) (*escrow.Listing, error)
	Approval(assetID uint64, party [20]byte) (bool, error)
	ListingHistory(assetID uint64) ([]*escrow.Listing, error)
	CustodyTotal() (*big.Int, error)
	Roles() escrow.Roles
	Vault() [20]byte
	Balance(addr [20]byte) (*big.Int, error)
}

// EventSource serves the persisted event log.
type EventSource interface {
	List(ctx context.Context, filter eventlog.Filter) ([]eventlog.Record, error)
}

// ServerConfig tunes request limits and authentication.
type ServerConfig struct {
	MaxBodyBytes       int64
	RateLimitPerSecond float64
	RateLimitBurst     int
	SignatureSkew      time.Duration
	TrustProxyHeaders  bool
	// BearerToken, when set, is required in addition to the request
	// signature on mutating methods.
	BearerToken string
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`

	status int
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newError(status, code int, message string, data interface{}) *RPCError {
	return &RPCError{Code: code, Message: message, Data: data, status: status}
}

func invalidParams(data interface{}) *RPCError {
	if err, ok := data.(error); ok {
		data = err.Error()
	}
	return newError(http.StatusBadRequest, codeInvalidParams, "invalid_params", data)
}

// call is one decoded request together with the authenticated caller.
type call struct {
	req    *RPCRequest
	caller [20]byte
}

type methodHandler func(ctx context.Context, c *call) (interface{}, *RPCError)

type method struct {
	module   string
	mutating bool
	handler  methodHandler
}

// Server exposes the ledger over JSON-RPC 2.0.
type Server struct {
	ledger  Ledger
	events  EventSource
	cfg     ServerConfig
	logger  *slog.Logger
	auth    *signatureVerifier
	limiter *sourceLimiter
	tracer  trace.Tracer
	methods map[string]method
}

// NewServer wires the JSON-RPC handlers. events may be nil, in which case
// escrow_listEvents reports the log as unavailable.
func NewServer(ledger Ledger, events EventSource, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxRequestBytes
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = defaultRatePerSecond
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateBurst
	}
	cfg.BearerToken = strings.TrimSpace(cfg.BearerToken)
	s := &Server{
		ledger:  ledger,
		events:  events,
		cfg:     cfg,
		logger:  logger,
		auth:    newSignatureVerifier(cfg.SignatureSkew, time.Now),
		limiter: newSourceLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, time.Now),
		tracer:  otel.Tracer(),
	}
	s.methods = s.routes()
	return s, nil
}

func (s *Server) routes() map[string]method {
	return map[string]method{
		"deed_mint":     {module: "deed", mutating: true, handler: s.handleDeedMint},
		"deed_approve":  {module: "deed", mutating: true, handler: s.handleDeedApprove},
		"deed_transfer": {module: "deed", mutating: true, handler: s.handleDeedTransfer},
		"deed_ownerOf":  {module: "deed", handler: s.handleDeedOwnerOf},
		"deed_get":      {module: "deed", handler: s.handleDeedGet},

		"escrow_list":             {module: "escrow", mutating: true, handler: s.handleEscrowList},
		"escrow_depositEarnest":   {module: "escrow", mutating: true, handler: s.handleEscrowDepositEarnest},
		"escrow_fundLoan":         {module: "escrow", mutating: true, handler: s.handleEscrowFundLoan},
		"escrow_updateInspection": {module: "escrow", mutating: true, handler: s.handleEscrowUpdateInspection},
		"escrow_approveSale":      {module: "escrow", mutating: true, handler: s.handleEscrowApproveSale},
		"escrow_finalizeSale":     {module: "escrow", mutating: true, handler: s.handleEscrowFinalizeSale},
		"escrow_cancelSale":       {module: "escrow", mutating: true, handler: s.handleEscrowCancelSale},
		"escrow_get":              {module: "escrow", handler: s.handleEscrowGet},
		"escrow_approval":         {module: "escrow", handler: s.handleEscrowApproval},
		"escrow_history":          {module: "escrow", handler: s.handleEscrowHistory},
		"escrow_custodyBalance":   {module: "escrow", handler: s.handleEscrowCustodyBalance},
		"escrow_roles":            {module: "escrow", handler: s.handleEscrowRoles},
		"escrow_listEvents":       {module: "escrow", handler: s.handleEscrowListEvents},

		"account_getBalance": {module: "account", handler: s.handleAccountGetBalance},
	}
}

// Router returns the HTTP handler serving JSON-RPC on POST /, health on
// /healthz and Prometheus metrics on /metrics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.With(s.rateLimit).Post("/", s.handle)
	return otelhttp.NewHandler(r, "deedd")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	status := rpcErr.status
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle decodes a JSON-RPC request, authenticates mutating methods and
// dispatches to the method table.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		rpcErr := newError(http.StatusBadRequest, codeInvalidRequest, "failed to read request body", err.Error())
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			rpcErr.status = http.StatusRequestEntityTooLarge
			rpcErr.Message = fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxBodyBytes)
		}
		writeError(w, nil, rpcErr)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, nil, newError(http.StatusBadRequest, codeInvalidRequest, "request body required", nil))
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, nil, newError(http.StatusBadRequest, codeParseError, "invalid JSON payload", err.Error()))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, req.ID, newError(http.StatusBadRequest, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC))
		return
	}
	if req.Method == "" {
		writeError(w, req.ID, newError(http.StatusBadRequest, codeInvalidRequest, "method required", nil))
		return
	}
	m, ok := s.methods[req.Method]
	if !ok {
		writeError(w, req.ID, newError(http.StatusNotFound, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil))
		return
	}

	start := time.Now()
	ctx, span := s.tracer.Start(r.Context(), "rpc."+req.Method, trace.WithAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", req.Method),
		attribute.String("request.id", requestIDFrom(r.Context())),
	))
	defer span.End()

	c := &call{req: req}
	var rpcErr *RPCError
	if m.mutating {
		rpcErr = s.authenticate(r, body, c)
	}
	var result interface{}
	if rpcErr == nil {
		result, rpcErr = m.handler(ctx, c)
	}

	status := http.StatusOK
	if rpcErr != nil {
		status = rpcErr.status
		if status <= 0 {
			status = http.StatusBadRequest
		}
		span.SetStatus(codes.Error, rpcErr.Message)
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	observability.ModuleMetrics().Observe(m.module, req.Method, status, time.Since(start))

	logger := s.logger.With("method", req.Method, "requestId", requestIDFrom(r.Context()))
	if rpcErr != nil {
		logger.Debug("rpc request failed", "status", status, "code", rpcErr.Code, "error", rpcErr.Message)
		writeError(w, req.ID, rpcErr)
		return
	}
	if m.mutating {
		logger.Info("rpc mutation applied", "caller", formatAddress(c.caller))
	}
	writeResult(w, req.ID, result)
}

func (s *Server) authenticate(r *http.Request, body []byte, c *call) *RPCError {
	if s.cfg.BearerToken != "" {
		if authErr := requireBearer(r, s.cfg.BearerToken); authErr != nil {
			return authErr
		}
	}
	caller, err := s.auth.Verify(r, body)
	if err != nil {
		if errors.Is(err, errReplay) {
			observability.ModuleMetrics().RecordThrottle(metricsModule, "replay")
		}
		s.logger.Warn("rpc authentication rejected",
			"source", clientSource(r, s.cfg.TrustProxyHeaders),
			logging.MaskField("signature", r.Header.Get(HeaderSignature)),
			"reason", err.Error())
		return newError(http.StatusUnauthorized, codeUnauthorized, "unauthorized", err.Error())
	}
	c.caller = caller
	return nil
}

// decodeParams unmarshals the single parameter object every method takes.
func decodeParams(c *call, out interface{}) *RPCError {
	if len(c.req.Params) != 1 {
		return invalidParams("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(c.req.Params[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidParams(err)
	}
	return nil
}
