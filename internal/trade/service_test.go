package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/trustmesh/reputation-market/internal/auth"
	"github.com/trustmesh/reputation-market/internal/engine"
	"github.com/trustmesh/reputation-market/internal/identity"
	"github.com/trustmesh/reputation-market/internal/model"
	"github.com/trustmesh/reputation-market/internal/payout"
	"github.com/trustmesh/reputation-market/internal/store"
	"github.com/trustmesh/reputation-market/internal/trade"
)

const (
	admin     = "0xadmin"
	authority = "0xauthority"
	alice     = "0xalice" // profile 1
	bob       = "0xbob"   // profile 2
)

type testEnv struct {
	srv        *httptest.Server
	guard      *auth.MemoryGuard
	transferor *payout.MemoryTransferor
}

// newTestEnv starts an HTTP server over an engine with in-memory
// collaborators and one creation tier (100 liquidity, 1 seed vote per
// side, base price 100). Routes mirror the production router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.NewMemoryStore()
	if err := st.AppendConfigTier(context.Background(), model.ConfigTier{
		InitialLiquidity: 100,
		InitialVotes:     1,
		BasePrice:        100,
	}); err != nil {
		t.Fatalf("seed config tier: %v", err)
	}

	registry := identity.NewMemoryRegistry()
	registry.Register(alice, 1)
	registry.Register(bob, 2)

	env := &testEnv{
		guard:      auth.NewMemoryGuard(admin),
		transferor: payout.NewMemoryTransferor(),
	}

	eng := engine.New(engine.Config{
		Store:      st,
		Registry:   registry,
		Guard:      env.guard,
		Transferor: env.transferor,
		Authority:  authority,
	})
	svc := trade.NewService(eng)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/markets", svc.ListMarkets)
		r.Post("/markets", svc.CreateMarket)
		r.Get("/markets/{subject}", svc.GetMarket)
		r.Get("/markets/{subject}/price", svc.GetPrice)
		r.Get("/markets/{subject}/participants", svc.GetParticipantCount)
		r.Get("/markets/{subject}/events", svc.GetMarketEvents)
		r.Post("/trade/buy", svc.Buy)
		r.Post("/trade/sell", svc.Sell)
		r.Post("/trade/preview/buy", svc.PreviewBuy)
		r.Post("/trade/preview/sell", svc.PreviewSell)
		r.Post("/graduate", svc.Graduate)
		r.Post("/graduate/withdraw", svc.WithdrawGraduatedFunds)
		r.Post("/donations/claim", svc.ClaimDonations)
		r.Post("/donations/recipient", svc.ReassignDonationRecipient)
		r.Get("/holdings/{account}/{subject}", svc.GetHolding)
		r.Post("/admin/config-tiers", svc.AddConfigTier)
		r.Delete("/admin/config-tiers/{index}", svc.RemoveConfigTier)
		r.Post("/admin/fees/entry", svc.SetEntryFees)
		r.Post("/admin/fees/exit", svc.SetExitFees)
		r.Post("/admin/fees/address", svc.SetProtocolFeeAddress)
		r.Post("/admin/allowlist", svc.SetAllowListEnforcement)
		r.Post("/admin/allowlist/{subject}", svc.SetMarketCreationAllowed)
	})

	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

// post sends a JSON body and decodes the JSON response into out (when
// non-nil), returning the status code.
func (env *testEnv) post(t *testing.T, path string, body, out any) int {
	t.Helper()

	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(env.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (env *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()

	resp, err := http.Get(env.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

func (env *testEnv) delete(t *testing.T, path string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// createMarket opens alice's market (subject 1) over HTTP.
func (env *testEnv) createMarket(t *testing.T) {
	t.Helper()

	status := env.post(t, "/api/v1/markets", trade.CreateMarketRequest{
		Caller:        alice,
		TierIndex:     0,
		SeedLiquidity: 100,
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create market: status %d", status)
	}
}

// --- Markets ---

func TestCreateMarketEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var m model.Market
	status := env.post(t, "/api/v1/markets", trade.CreateMarketRequest{
		Caller:        alice,
		TierIndex:     0,
		SeedLiquidity: 100,
	}, &m)
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if m.Subject != 1 || m.TrustVotes != 1 || m.DistrustVotes != 1 {
		t.Errorf("unexpected market: %+v", m)
	}

	// Duplicate creation is a conflict, missing caller a bad request.
	if status := env.post(t, "/api/v1/markets", trade.CreateMarketRequest{Caller: alice, SeedLiquidity: 100}, nil); status != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", status)
	}
	if status := env.post(t, "/api/v1/markets", trade.CreateMarketRequest{SeedLiquidity: 100}, nil); status != http.StatusBadRequest {
		t.Errorf("missing caller: expected 400, got %d", status)
	}

	var markets []model.Market
	if status := env.get(t, "/api/v1/markets", &markets); status != http.StatusOK {
		t.Fatalf("list: status %d", status)
	}
	if len(markets) != 1 {
		t.Errorf("expected 1 market listed, got %d", len(markets))
	}

	var prices map[string]int64
	if status := env.get(t, "/api/v1/markets/1/price", &prices); status != http.StatusOK {
		t.Fatalf("price: status %d", status)
	}
	if prices["trust"] != 50 || prices["distrust"] != 50 {
		t.Errorf("expected 50/50, got %v", prices)
	}

	if status := env.get(t, "/api/v1/markets/999", nil); status != http.StatusNotFound {
		t.Errorf("missing market: expected 404, got %d", status)
	}
	if status := env.get(t, "/api/v1/markets/abc", nil); status != http.StatusBadRequest {
		t.Errorf("bad subject: expected 400, got %d", status)
	}
}

// --- Trading ---

func TestBuyAndSellEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)

	var buy trade.BuyResponse
	status := env.post(t, "/api/v1/trade/buy", trade.BuyRequest{
		Caller:        bob,
		Subject:       1,
		Side:          model.SideTrust,
		FundsIn:       50,
		ExpectedVotes: 1,
	}, &buy)
	if status != http.StatusOK {
		t.Fatalf("buy: expected 200, got %d", status)
	}
	if buy.Votes != 1 || buy.FundsSpent != 50 || buy.MinPrice != 50 || buy.MaxPrice != 66 {
		t.Errorf("unexpected buy receipt: %+v", buy)
	}
	if !buy.AvgPrice.Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected avg price 50, got %s", buy.AvgPrice)
	}

	var h model.Holding
	if status := env.get(t, fmt.Sprintf("/api/v1/holdings/%s/1", bob), &h); status != http.StatusOK {
		t.Fatalf("holding: status %d", status)
	}
	if h.TrustVotes != 1 {
		t.Errorf("expected holding of 1 trust vote, got %+v", h)
	}

	var count map[string]int64
	env.get(t, "/api/v1/markets/1/participants", &count)
	if count["count"] != 1 {
		t.Errorf("expected 1 participant, got %d", count["count"])
	}

	var sell trade.SellResponse
	status = env.post(t, "/api/v1/trade/sell", trade.SellRequest{
		Caller:  bob,
		Subject: 1,
		Side:    model.SideTrust,
		Votes:   1,
	}, &sell)
	if status != http.StatusOK {
		t.Fatalf("sell: expected 200, got %d", status)
	}
	if sell.GrossProceeds != 50 || sell.Proceeds != 50 {
		t.Errorf("unexpected sell receipt: %+v", sell)
	}

	var events []model.TradeEvent
	env.get(t, "/api/v1/markets/1/events", &events)
	if len(events) != 2 || !events[0].IsBuy || events[1].IsBuy {
		t.Errorf("unexpected trade history: %+v", events)
	}
}

func TestTradeEndpointErrors(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)

	cases := []struct {
		name string
		body trade.BuyRequest
		want int
	}{
		{"unknown market", trade.BuyRequest{Caller: bob, Subject: 99, Side: model.SideTrust, FundsIn: 50}, http.StatusNotFound},
		{"invalid side", trade.BuyRequest{Caller: bob, Subject: 1, Side: "MAYBE", FundsIn: 50}, http.StatusBadRequest},
		{"zero funds", trade.BuyRequest{Caller: bob, Subject: 1, Side: model.SideTrust}, http.StatusBadRequest},
		{"short funds", trade.BuyRequest{Caller: bob, Subject: 1, Side: model.SideTrust, FundsIn: 10}, http.StatusConflict},
		{"unknown caller", trade.BuyRequest{Caller: "0xnobody", Subject: 1, Side: model.SideTrust, FundsIn: 50}, http.StatusNotFound},
		{"missing caller", trade.BuyRequest{Subject: 1, Side: model.SideTrust, FundsIn: 50}, http.StatusBadRequest},
		{"slippage exceeded", trade.BuyRequest{Caller: bob, Subject: 1, Side: model.SideTrust, FundsIn: 50, ExpectedVotes: 2}, http.StatusConflict},
	}
	for _, tc := range cases {
		if status := env.post(t, "/api/v1/trade/buy", tc.body, nil); status != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, status)
		}
	}

	// Selling votes the caller does not own is a precondition failure.
	status := env.post(t, "/api/v1/trade/sell", trade.SellRequest{
		Caller: bob, Subject: 1, Side: model.SideTrust, Votes: 1,
	}, nil)
	if status != http.StatusConflict {
		t.Errorf("unowned sell: expected 409, got %d", status)
	}
}

func TestPreviewEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)

	var preview trade.BuyResponse
	status := env.post(t, "/api/v1/trade/preview/buy", trade.PreviewBuyRequest{
		Subject: 1,
		Side:    model.SideTrust,
		FundsIn: 120,
	}, &preview)
	if status != http.StatusOK {
		t.Fatalf("preview buy: expected 200, got %d", status)
	}
	if preview.Votes != 2 || preview.FundsSpent != 116 || preview.Refund != 4 {
		t.Errorf("unexpected preview: %+v", preview)
	}
	if preview.EventID != "" {
		t.Errorf("preview must not carry an event id: %q", preview.EventID)
	}

	// The preview leaves the market untouched.
	var m model.Market
	env.get(t, "/api/v1/markets/1", &m)
	if m.TrustVotes != 1 || m.CustodiedFunds != 100 {
		t.Errorf("preview mutated the market: %+v", m)
	}

	// Previewing a sell that would empty a side is a conflict.
	status = env.post(t, "/api/v1/trade/preview/sell", trade.PreviewSellRequest{
		Subject: 1,
		Side:    model.SideTrust,
		Votes:   1,
	}, nil)
	if status != http.StatusConflict {
		t.Errorf("expected 409, got %d", status)
	}
}

// --- Graduation ---

func TestGraduationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)

	if status := env.post(t, "/api/v1/graduate", trade.GraduateRequest{Caller: bob, Subject: 1}, nil); status != http.StatusForbidden {
		t.Errorf("non-authority graduate: expected 403, got %d", status)
	}
	if status := env.post(t, "/api/v1/graduate/withdraw", trade.GraduateRequest{Caller: authority, Subject: 1}, nil); status != http.StatusConflict {
		t.Errorf("premature withdraw: expected 409, got %d", status)
	}

	if status := env.post(t, "/api/v1/graduate", trade.GraduateRequest{Caller: authority, Subject: 1}, nil); status != http.StatusOK {
		t.Fatalf("graduate: expected 200, got %d", status)
	}

	status := env.post(t, "/api/v1/trade/buy", trade.BuyRequest{
		Caller: bob, Subject: 1, Side: model.SideTrust, FundsIn: 50,
	}, nil)
	if status != http.StatusConflict {
		t.Errorf("buy after graduation: expected 409, got %d", status)
	}

	var sweep map[string]any
	if status := env.post(t, "/api/v1/graduate/withdraw", trade.GraduateRequest{Caller: authority, Subject: 1}, &sweep); status != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d", status)
	}
	if amount, _ := sweep["amount"].(float64); amount != 100 {
		t.Errorf("expected sweep of 100, got %v", sweep["amount"])
	}
	if status := env.post(t, "/api/v1/graduate/withdraw", trade.GraduateRequest{Caller: authority, Subject: 1}, nil); status != http.StatusConflict {
		t.Errorf("second withdraw: expected 409, got %d", status)
	}
}

// --- Donations ---

func TestDonationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)

	// 2% donation on entry.
	if status := env.post(t, "/api/v1/admin/fees/address", trade.ProtocolAddressRequest{Caller: admin, Address: "0xfee"}, nil); status != http.StatusOK {
		t.Fatalf("set address: status %d", status)
	}
	if status := env.post(t, "/api/v1/admin/fees/entry", trade.EntryFeesRequest{Caller: admin, EntryBp: 0, DonationBp: 200}, nil); status != http.StatusOK {
		t.Fatalf("set entry fees: status %d", status)
	}

	if status := env.post(t, "/api/v1/trade/buy", trade.BuyRequest{
		Caller: bob, Subject: 1, Side: model.SideTrust, FundsIn: 10_000,
	}, nil); status != http.StatusOK {
		t.Fatalf("buy: status %d", status)
	}

	var claim map[string]any
	if status := env.post(t, "/api/v1/donations/claim", trade.ClaimRequest{Caller: alice}, &claim); status != http.StatusOK {
		t.Fatalf("claim: status %d", status)
	}
	if amount, _ := claim["amount"].(float64); amount != 200 {
		t.Errorf("expected claim of 200, got %v", claim["amount"])
	}
	if status := env.post(t, "/api/v1/donations/claim", trade.ClaimRequest{Caller: alice}, nil); status != http.StatusConflict {
		t.Errorf("empty claim: expected 409, got %d", status)
	}

	// Reassignment to an address outside the subject's profile is refused.
	status := env.post(t, "/api/v1/donations/recipient", trade.ReassignRequest{
		Caller: alice, Subject: 1, NewRecipient: bob,
	}, nil)
	if status != http.StatusConflict {
		t.Errorf("wrong profile: expected 409, got %d", status)
	}
}

// --- Admin ---

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if status := env.post(t, "/api/v1/admin/fees/entry", trade.EntryFeesRequest{Caller: bob, EntryBp: 10}, nil); status != http.StatusForbidden {
		t.Errorf("non-admin: expected 403, got %d", status)
	}
	if status := env.post(t, "/api/v1/admin/fees/entry", trade.EntryFeesRequest{Caller: admin, EntryBp: 10}, nil); status != http.StatusBadRequest {
		t.Errorf("no protocol address: expected 400, got %d", status)
	}

	if status := env.post(t, "/api/v1/admin/fees/address", trade.ProtocolAddressRequest{Caller: admin, Address: "0xfee"}, nil); status != http.StatusOK {
		t.Fatalf("set address: status %d", status)
	}
	if status := env.post(t, "/api/v1/admin/fees/entry", trade.EntryFeesRequest{Caller: admin, EntryBp: 501}, nil); status != http.StatusBadRequest {
		t.Errorf("over cap: expected 400, got %d", status)
	}
	if status := env.post(t, "/api/v1/admin/fees/exit", trade.ExitFeesRequest{Caller: admin, ExitBp: 100}, nil); status != http.StatusOK {
		t.Errorf("set exit fees: expected 200, got %d", status)
	}

	status := env.post(t, "/api/v1/admin/config-tiers", trade.ConfigTierRequest{
		Caller: admin,
		Tier:   model.ConfigTier{InitialLiquidity: 5_000, InitialVotes: 10, BasePrice: 1_000},
	}, nil)
	if status != http.StatusCreated {
		t.Errorf("add tier: expected 201, got %d", status)
	}
	if status := env.delete(t, "/api/v1/admin/config-tiers/1?caller="+admin); status != http.StatusNoContent {
		t.Errorf("remove tier: expected 204, got %d", status)
	}
	if status := env.delete(t, "/api/v1/admin/config-tiers/5?caller="+admin); status != http.StatusBadRequest {
		t.Errorf("bad index: expected 400, got %d", status)
	}
	if status := env.delete(t, "/api/v1/admin/config-tiers/0?caller="+bob); status != http.StatusForbidden {
		t.Errorf("non-admin remove: expected 403, got %d", status)
	}

	// Allow-list enforcement end to end.
	if status := env.post(t, "/api/v1/admin/allowlist", trade.AllowListRequest{Caller: admin, Enabled: true}, nil); status != http.StatusOK {
		t.Fatalf("enable allowlist: status %d", status)
	}
	if status := env.post(t, "/api/v1/markets", trade.CreateMarketRequest{Caller: alice, SeedLiquidity: 100}, nil); status != http.StatusConflict {
		t.Errorf("blocked creation: expected 409, got %d", status)
	}
	if status := env.post(t, "/api/v1/admin/allowlist/1", trade.AllowListRequest{Caller: admin, Allowed: true}, nil); status != http.StatusOK {
		t.Fatalf("allow subject: status %d", status)
	}
	if status := env.post(t, "/api/v1/markets", trade.CreateMarketRequest{Caller: alice, SeedLiquidity: 100}, nil); status != http.StatusCreated {
		t.Errorf("allowed creation: expected 201, got %d", status)
	}
}

func TestPausedReturnsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.createMarket(t)
	env.guard.SetPaused(true)

	status := env.post(t, "/api/v1/trade/buy", trade.BuyRequest{
		Caller: bob, Subject: 1, Side: model.SideTrust, FundsIn: 50,
	}, nil)
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
}
