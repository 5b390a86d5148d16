package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"flashpool/internal/exchange"
	"flashpool/internal/feed"
	"flashpool/internal/model"
	"flashpool/internal/pool"
	"flashpool/internal/rebalance"
	"flashpool/internal/registry"
	"flashpool/internal/treasury"
)

const requestLimit = 1 << 16 // 64 KiB

// Config holds the gateway's collaborators and limits.
type Config struct {
	Pool     *pool.Pool
	Registry *registry.Registry
	Ledger   *treasury.Ledger
	// Account, when set, is reported on the health endpoint.
	Account exchange.Account
	// Feed, when set, backs the opportunities endpoint.
	Feed feed.Feed
	// RatePerMinute limits loan requests per remote address. Zero disables.
	RatePerMinute int
	// MinReserveA/B mark the pool unhealthy when a reserve falls below them.
	MinReserveA decimal.Decimal
	MinReserveB decimal.Decimal
	Logger      *zap.Logger
}

// Server translates HTTP requests into registry calls. It holds no business
// logic; every invariant lives behind the registry boundary.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	limiter *visitorLimiter
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: newVisitorLimiter(cfg.RatePerMinute),
	}
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.health)
	r.Get("/pool", s.poolState)
	r.Get("/flashloan/opportunities", s.opportunities)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Post("/flashloan/quote", s.requestQuote)
		r.Post("/flashloan/submit", s.submitRepayment)
		r.Get("/flashloan/{id}", s.loanStatus)
	})

	return r
}

type quoteRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type quoteResponse struct {
	LoanID            string    `json:"loan_id"`
	Asset             string    `json:"asset"`
	Principal         string    `json:"principal"`
	RepayAsset        string    `json:"repay_asset"`
	RequiredRepayment string    `json:"required_repayment"`
	Fee               string    `json:"fee"`
	ExpiresAt         time.Time `json:"expires_at"`
	Template          string    `json:"template"`
}

func (s *Server) requestQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount format")
		return
	}

	loan, err := s.cfg.Registry.OpenLoan(model.Asset(req.Asset), amount)
	if err != nil {
		s.writeRegistryError(w, err)
		return
	}

	required := loan.RepayAmount.Add(loan.FeeOwed)
	template, err := encodeTemplate(loan, required)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode template")
		return
	}

	writeJSON(w, http.StatusOK, quoteResponse{
		LoanID:            loan.ID.String(),
		Asset:             string(loan.Asset),
		Principal:         loan.Principal.String(),
		RepayAsset:        string(loan.RepayAsset),
		RequiredRepayment: required.String(),
		Fee:               loan.FeeOwed.String(),
		ExpiresAt:         loan.ExpiresAt,
		Template:          template,
	})
}

type submitRequest struct {
	LoanID  string `json:"loan_id"`
	Payload string `json:"payload"`
}

type submitResponse struct {
	LoanID string `json:"loan_id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Fee    string `json:"fee,omitempty"`
}

func (s *Server) submitRepayment(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loanID, err := uuid.Parse(req.LoanID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan id")
		return
	}

	repayment, err := decodeTemplate(req.Payload, loanID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	loan, err := s.cfg.Registry.Submit(loanID, repayment)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, submitResponse{
			LoanID: loan.ID.String(),
			Status: "settled",
			Fee:    loan.FeeOwed.String(),
		})
	case errors.Is(err, registry.ErrRepaymentShortfall):
		writeJSON(w, http.StatusOK, submitResponse{
			LoanID: loanID.String(),
			Status: "rejected",
			Reason: err.Error(),
		})
	default:
		s.writeRegistryError(w, err)
	}
}

type loanStatusResponse struct {
	LoanID            string    `json:"loan_id"`
	State             string    `json:"state"`
	Asset             string    `json:"asset"`
	Principal         string    `json:"principal"`
	RepayAsset        string    `json:"repay_asset"`
	RequiredRepayment string    `json:"required_repayment"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func (s *Server) loanStatus(w http.ResponseWriter, r *http.Request) {
	loanID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid loan id")
		return
	}

	loan, ok := s.cfg.Registry.Lookup(loanID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown loan")
		return
	}

	writeJSON(w, http.StatusOK, loanStatusResponse{
		LoanID:            loan.ID.String(),
		State:             string(loan.State),
		Asset:             string(loan.Asset),
		Principal:         loan.Principal.String(),
		RepayAsset:        string(loan.RepayAsset),
		RequiredRepayment: loan.RepayAmount.Add(loan.FeeOwed).String(),
		ExpiresAt:         loan.ExpiresAt,
	})
}

type poolResponse struct {
	AssetA   string          `json:"asset_a"`
	AssetB   string          `json:"asset_b"`
	ReserveA string          `json:"reserve_a"`
	ReserveB string          `json:"reserve_b"`
	K        string          `json:"k"`
	FeeBps   uint32          `json:"fee_bps"`
	Price    string          `json:"price"`
	Treasury map[string]book `json:"treasury"`
}

type book struct {
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
}

func (s *Server) poolState(w http.ResponseWriter, _ *http.Request) {
	snap := s.cfg.Pool.Snapshot()

	balances := make(map[string]book)
	for asset, bal := range s.cfg.Ledger.Snapshot() {
		balances[string(asset)] = book{
			Available: bal.Available.String(),
			Reserved:  bal.Reserved.String(),
		}
	}

	writeJSON(w, http.StatusOK, poolResponse{
		AssetA:   string(snap.AssetA),
		AssetB:   string(snap.AssetB),
		ReserveA: snap.ReserveA.String(),
		ReserveB: snap.ReserveB.String(),
		K:        snap.K.String(),
		FeeBps:   snap.FeeBps,
		Price:    snap.Price.String(),
		Treasury: balances,
	})
}

type opportunityResponse struct {
	PoolPrice      string `json:"pool_price"`
	ReferencePrice string `json:"reference_price"`
	DeviationBps   string `json:"deviation_bps"`
	Asset          string `json:"asset,omitempty"`
	Amount         string `json:"amount,omitempty"`
}

// opportunities reports the deviation between pool and reference price and
// the loan that would close it. Read-only; the controller may act on the
// same figures at any time.
func (s *Server) opportunities(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Feed == nil {
		writeError(w, http.StatusServiceUnavailable, "no price feed configured")
		return
	}

	snap := s.cfg.Pool.Snapshot()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	reference, err := s.cfg.Feed.Price(ctx, model.Pair{Base: snap.AssetA, Quote: snap.AssetB})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := opportunityResponse{
		PoolPrice:      snap.Price.String(),
		ReferencePrice: reference.String(),
		DeviationBps: snap.Price.Sub(reference).Abs().Div(reference).
			Mul(decimal.NewFromInt(10_000)).Round(2).String(),
	}
	if asset, amount := rebalance.Leg(snap, reference); amount.Sign() > 0 {
		resp.Asset = string(asset)
		resp.Amount = amount.String()
	}

	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status            string `json:"status"`
	ActiveLoans       int    `json:"active_loans"`
	ReserveA          string `json:"reserve_a"`
	ReserveB          string `json:"reserve_b"`
	ExternalAvailable string `json:"external_available,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Pool.Snapshot()

	resp := healthResponse{
		Status:      "healthy",
		ActiveLoans: s.cfg.Registry.ActiveCount(),
		ReserveA:    snap.ReserveA.String(),
		ReserveB:    snap.ReserveB.String(),
	}

	status := http.StatusOK
	switch {
	case s.cfg.MinReserveA.Sign() > 0 && snap.ReserveA.LessThan(s.cfg.MinReserveA):
		resp.Status = "unhealthy"
		resp.Error = "reserve A below minimum"
		status = http.StatusServiceUnavailable
	case s.cfg.MinReserveB.Sign() > 0 && snap.ReserveB.LessThan(s.cfg.MinReserveB):
		resp.Status = "unhealthy"
		resp.Error = "reserve B below minimum"
		status = http.StatusServiceUnavailable
	}

	if s.cfg.Account != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if available, err := s.cfg.Account.Available(ctx, snap.AssetA); err == nil {
			resp.ExternalAvailable = available.String()
		}
	}

	writeJSON(w, status, resp)
}

// writeRegistryError maps registry and dependency errors onto HTTP statuses,
// surfacing the failure reason verbatim.
func (s *Server) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pool.ErrInsufficientLiquidity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, treasury.ErrInsufficientTreasury):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, registry.ErrUnknownLoan):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrLoanAlreadyFinal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeRequest(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, requestLimit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}
