// Package trade provides the HTTP surface for the reputation market
// engine: market creation, buy/sell execution, previews, graduation,
// donation escrow, and admin configuration.
package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/trustmesh/reputation-market/internal/auth"
	"github.com/trustmesh/reputation-market/internal/curve"
	"github.com/trustmesh/reputation-market/internal/engine"
	"github.com/trustmesh/reputation-market/internal/fees"
	"github.com/trustmesh/reputation-market/internal/identity"
	"github.com/trustmesh/reputation-market/internal/metrics"
	"github.com/trustmesh/reputation-market/internal/model"
	"github.com/trustmesh/reputation-market/internal/store"
)

// Service exposes engine operations over HTTP.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for POST /api/v1/markets.
type CreateMarketRequest struct {
	Caller        string `json:"caller"`
	TierIndex     int    `json:"tier_index"`
	SeedLiquidity int64  `json:"seed_liquidity"`
}

// BuyRequest is the JSON body for POST /api/v1/trade/buy.
type BuyRequest struct {
	Caller        string     `json:"caller"`
	Subject       uint64     `json:"subject"`
	Side          model.Side `json:"side"`
	FundsIn       int64      `json:"funds_in"`
	ExpectedVotes int64      `json:"expected_votes"`
	SlippageBp    int64      `json:"slippage_bp"`
}

// SellRequest is the JSON body for POST /api/v1/trade/sell.
type SellRequest struct {
	Caller  string     `json:"caller"`
	Subject uint64     `json:"subject"`
	Side    model.Side `json:"side"`
	Votes   int64      `json:"votes"`
}

// PreviewBuyRequest is the JSON body for POST /api/v1/trade/preview/buy.
type PreviewBuyRequest struct {
	Subject uint64     `json:"subject"`
	Side    model.Side `json:"side"`
	FundsIn int64      `json:"funds_in"`
}

// PreviewSellRequest is the JSON body for POST /api/v1/trade/preview/sell.
type PreviewSellRequest struct {
	Subject uint64     `json:"subject"`
	Side    model.Side `json:"side"`
	Votes   int64      `json:"votes"`
}

// BuyResponse wraps a buy receipt with display-only derived fields.
// Derived fields use decimal; engine math stays in exact int64.
type BuyResponse struct {
	engine.BuyReceipt
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// SellResponse wraps a sell receipt with display-only derived fields.
type SellResponse struct {
	engine.SellReceipt
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// GraduateRequest is the JSON body for the graduation endpoints.
type GraduateRequest struct {
	Caller  string `json:"caller"`
	Subject uint64 `json:"subject"`
}

// ClaimRequest is the JSON body for POST /api/v1/donations/claim.
type ClaimRequest struct {
	Caller string `json:"caller"`
}

// ReassignRequest is the JSON body for POST /api/v1/donations/recipient.
type ReassignRequest struct {
	Caller       string `json:"caller"`
	Subject      uint64 `json:"subject"`
	NewRecipient string `json:"new_recipient"`
}

// EntryFeesRequest is the JSON body for POST /api/v1/admin/fees/entry.
type EntryFeesRequest struct {
	Caller     string `json:"caller"`
	EntryBp    int64  `json:"entry_bp"`
	DonationBp int64  `json:"donation_bp"`
}

// ExitFeesRequest is the JSON body for POST /api/v1/admin/fees/exit.
type ExitFeesRequest struct {
	Caller string `json:"caller"`
	ExitBp int64  `json:"exit_bp"`
}

// ProtocolAddressRequest is the JSON body for POST /api/v1/admin/fees/address.
type ProtocolAddressRequest struct {
	Caller  string `json:"caller"`
	Address string `json:"address"`
}

// ConfigTierRequest is the JSON body for POST /api/v1/admin/config-tiers.
type ConfigTierRequest struct {
	Caller string           `json:"caller"`
	Tier   model.ConfigTier `json:"tier"`
}

// AllowListRequest is the JSON body for the allow-list endpoints.
type AllowListRequest struct {
	Caller  string `json:"caller"`
	Enabled bool   `json:"enabled"`
	Allowed bool   `json:"allowed"`
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	market, err := s.engine.CreateMarket(r.Context(), req.Caller, req.TierIndex, req.SeedLiquidity)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	metrics.MarketsCreated.Inc()
	writeJSON(w, http.StatusCreated, market)
}

// Buy handles POST /api/v1/trade/buy.
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	receipt, err := s.engine.Buy(r.Context(), req.Caller, req.Subject, req.Side,
		req.FundsIn, req.ExpectedVotes, req.SlippageBp)
	if err != nil {
		if errors.Is(err, curve.ErrSlippageLimitExceeded) {
			metrics.SlippageRejections.Inc()
		}
		writeEngineError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), "buy").Inc()
	metrics.TradeVotes.WithLabelValues(string(req.Side), "buy").Add(float64(receipt.Votes))
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, BuyResponse{
		BuyReceipt: *receipt,
		AvgPrice:   avgPrice(receipt.FundsSpent-receipt.ProtocolFee-receipt.Donation, receipt.Votes),
	})
}

// Sell handles POST /api/v1/trade/sell.
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	receipt, err := s.engine.Sell(r.Context(), req.Caller, req.Subject, req.Side, req.Votes)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), "sell").Inc()
	metrics.TradeVotes.WithLabelValues(string(req.Side), "sell").Add(float64(receipt.Votes))
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, SellResponse{
		SellReceipt: *receipt,
		AvgPrice:    avgPrice(receipt.GrossProceeds, receipt.Votes),
	})
}

// PreviewBuy handles POST /api/v1/trade/preview/buy. No state change.
func (s *Service) PreviewBuy(w http.ResponseWriter, r *http.Request) {
	var req PreviewBuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.PreviewBuy(r.Context(), req.Subject, req.Side, req.FundsIn)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BuyResponse{
		BuyReceipt: *receipt,
		AvgPrice:   avgPrice(receipt.FundsSpent-receipt.ProtocolFee-receipt.Donation, receipt.Votes),
	})
}

// PreviewSell handles POST /api/v1/trade/preview/sell. No state change.
func (s *Service) PreviewSell(w http.ResponseWriter, r *http.Request) {
	var req PreviewSellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.PreviewSell(r.Context(), req.Subject, req.Side, req.Votes)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SellResponse{
		SellReceipt: *receipt,
		AvgPrice:    avgPrice(receipt.GrossProceeds, receipt.Votes),
	})
}

// Graduate handles POST /api/v1/graduate.
func (s *Service) Graduate(w http.ResponseWriter, r *http.Request) {
	var req GraduateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Graduate(r.Context(), req.Caller, req.Subject); err != nil {
		writeEngineError(w, err)
		return
	}

	metrics.MarketsGraduated.Inc()
	writeJSON(w, http.StatusOK, map[string]any{"subject": req.Subject, "graduated": true})
}

// WithdrawGraduatedFunds handles POST /api/v1/graduate/withdraw.
func (s *Service) WithdrawGraduatedFunds(w http.ResponseWriter, r *http.Request) {
	var req GraduateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.WithdrawGraduatedFunds(r.Context(), req.Caller, req.Subject)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"subject": req.Subject, "amount": amount})
}

// ClaimDonations handles POST /api/v1/donations/claim.
func (s *Service) ClaimDonations(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	amount, err := s.engine.ClaimDonations(r.Context(), req.Caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	metrics.DonationsClaimed.Add(float64(amount))
	writeJSON(w, http.StatusOK, map[string]any{"account": req.Caller, "amount": amount})
}

// ReassignDonationRecipient handles POST /api/v1/donations/recipient.
func (s *Service) ReassignDonationRecipient(w http.ResponseWriter, r *http.Request) {
	var req ReassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.engine.ReassignDonationRecipient(r.Context(), req.Caller, req.Subject, req.NewRecipient)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subject":   req.Subject,
		"recipient": req.NewRecipient,
	})
}

// --- Admin handlers ---

// AddConfigTier handles POST /api/v1/admin/config-tiers.
func (s *Service) AddConfigTier(w http.ResponseWriter, r *http.Request) {
	var req ConfigTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.AddConfigTier(r.Context(), req.Caller, req.Tier); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req.Tier)
}

// RemoveConfigTier handles DELETE /api/v1/admin/config-tiers/{index}.
// Caller comes from the query string since DELETE bodies are unreliable.
func (s *Service) RemoveConfigTier(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, "invalid tier index", http.StatusBadRequest)
		return
	}

	if err := s.engine.RemoveConfigTier(r.Context(), r.URL.Query().Get("caller"), index); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetEntryFees handles POST /api/v1/admin/fees/entry.
func (s *Service) SetEntryFees(w http.ResponseWriter, r *http.Request) {
	var req EntryFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetEntryFees(r.Context(), req.Caller, req.EntryBp, req.DonationBp); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"entry_bp": req.EntryBp, "donation_bp": req.DonationBp})
}

// SetExitFees handles POST /api/v1/admin/fees/exit.
func (s *Service) SetExitFees(w http.ResponseWriter, r *http.Request) {
	var req ExitFeesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetExitFees(r.Context(), req.Caller, req.ExitBp); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"exit_bp": req.ExitBp})
}

// SetProtocolFeeAddress handles POST /api/v1/admin/fees/address.
func (s *Service) SetProtocolFeeAddress(w http.ResponseWriter, r *http.Request) {
	var req ProtocolAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetProtocolFeeAddress(r.Context(), req.Caller, req.Address); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": req.Address})
}

// SetAllowListEnforcement handles POST /api/v1/admin/allowlist.
func (s *Service) SetAllowListEnforcement(w http.ResponseWriter, r *http.Request) {
	var req AllowListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetAllowListEnforcement(r.Context(), req.Caller, req.Enabled); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// SetMarketCreationAllowed handles POST /api/v1/admin/allowlist/{subject}.
func (s *Service) SetMarketCreationAllowed(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectParam(w, r)
	if !ok {
		return
	}

	var req AllowListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetMarketCreationAllowed(r.Context(), req.Caller, subject, req.Allowed); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "allowed": req.Allowed})
}

// --- Read handlers ---

// GetMarket handles GET /api/v1/markets/{subject}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectParam(w, r)
	if !ok {
		return
	}

	market, err := s.engine.GetMarket(r.Context(), subject)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetPrice handles GET /api/v1/markets/{subject}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectParam(w, r)
	if !ok {
		return
	}

	trust, err := s.engine.GetPrice(r.Context(), subject, model.SideTrust)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	distrust, err := s.engine.GetPrice(r.Context(), subject, model.SideDistrust)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int64{"trust": trust, "distrust": distrust})
}

// GetParticipantCount handles GET /api/v1/markets/{subject}/participants.
func (s *Service) GetParticipantCount(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectParam(w, r)
	if !ok {
		return
	}

	count, err := s.engine.ParticipantCount(r.Context(), subject)
	if err != nil {
		writeError(w, "failed to count participants", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

// GetMarketEvents handles GET /api/v1/markets/{subject}/events.
func (s *Service) GetMarketEvents(w http.ResponseWriter, r *http.Request) {
	subject, ok := subjectParam(w, r)
	if !ok {
		return
	}

	events, err := s.engine.TradeEvents(r.Context(), subject)
	if err != nil {
		writeError(w, "failed to get market events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.TradeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetHolding handles GET /api/v1/holdings/{account}/{subject}.
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	subject, ok := subjectParam(w, r)
	if !ok {
		return
	}

	holding, err := s.engine.GetHolding(r.Context(), account, subject)
	if err != nil {
		writeError(w, "failed to get holding", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

// --- Helpers ---

func subjectParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	subject, err := strconv.ParseUint(chi.URLParam(r, "subject"), 10, 64)
	if err != nil {
		writeError(w, "invalid subject", http.StatusBadRequest)
		return 0, false
	}
	return subject, true
}

// avgPrice is a display-only derived field; engine math never uses it.
func avgPrice(funds, votes int64) decimal.Decimal {
	if votes == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(funds).Div(decimal.NewFromInt(votes)).Round(4)
}

// writeEngineError maps engine/store/curve sentinel errors onto HTTP
// status codes following the error taxonomy: authorization, then
// validation, then preconditions.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNotAdmin),
		errors.Is(err, engine.ErrNotAuthority),
		errors.Is(err, engine.ErrNotDonationRecipient):
		writeError(w, err.Error(), http.StatusForbidden)

	case errors.Is(err, auth.ErrPaused):
		writeError(w, err.Error(), http.StatusServiceUnavailable)

	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, fees.ErrFeeExceedsMaximum),
		errors.Is(err, fees.ErrProtocolAddressUnset),
		errors.Is(err, store.ErrInvalidTierIndex):
		writeError(w, err.Error(), http.StatusBadRequest)

	case errors.Is(err, store.ErrMarketNotFound),
		errors.Is(err, identity.ErrProfileNotFound):
		writeError(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, store.ErrMarketExists),
		errors.Is(err, engine.ErrMarketInactive),
		errors.Is(err, engine.ErrInsufficientLiquidity),
		errors.Is(err, engine.ErrInsufficientOwnedVotes),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrNotGraduated),
		errors.Is(err, engine.ErrCreationNotAllowed),
		errors.Is(err, engine.ErrRecipientProfileMismatch),
		errors.Is(err, engine.ErrRecipientBalanceNotZero),
		errors.Is(err, curve.ErrInsufficientFunds),
		errors.Is(err, curve.ErrInsufficientVotesToSell),
		errors.Is(err, curve.ErrSlippageLimitExceeded),
		errors.Is(err, curve.ErrTradeTooLarge):
		writeError(w, err.Error(), http.StatusConflict)

	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
