package curve

import (
	"errors"
	"testing"

	"github.com/trustmesh/reputation-market/internal/model"
)

func market(trust, distrust, basePrice int64) *model.Market {
	return &model.Market{TrustVotes: trust, DistrustVotes: distrust, BasePrice: basePrice}
}

// --- Price function tests ---

func TestPrice_FreshMarketSplitsEvenly(t *testing.T) {
	p, err := Price(1, 1, 100, model.SideTrust)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != 50 {
		t.Errorf("expected trust price 50, got %d", p)
	}
}

func TestPrice_FloorDivision(t *testing.T) {
	// {2,1} at base 100: trust 200/3=66, distrust 100/3=33.
	trust, _ := Price(2, 1, 100, model.SideTrust)
	distrust, _ := Price(2, 1, 100, model.SideDistrust)
	if trust != 66 {
		t.Errorf("expected trust price 66, got %d", trust)
	}
	if distrust != 33 {
		t.Errorf("expected distrust price 33, got %d", distrust)
	}
}

func TestPrice_EmptyMarket(t *testing.T) {
	_, err := Price(0, 0, 100, model.SideTrust)
	if !errors.Is(err, ErrMarketNotInitialized) {
		t.Errorf("expected ErrMarketNotInitialized, got %v", err)
	}
}

func TestPrice_SumWithinFloorRemainder(t *testing.T) {
	tests := []struct {
		trust, distrust int64
	}{
		{1, 1},
		{2, 1},
		{1, 2},
		{7, 3},
		{1000, 1},
		{13, 29},
	}
	for _, tc := range tests {
		trust, _ := Price(tc.trust, tc.distrust, 1000, model.SideTrust)
		distrust, _ := Price(tc.trust, tc.distrust, 1000, model.SideDistrust)
		sum := trust + distrust
		if sum > 1000 || sum < 1000-2 {
			t.Errorf("{%d,%d}: price sum %d outside [998,1000]", tc.trust, tc.distrust, sum)
		}
	}
}

// --- Buy simulation ---

func TestSimulateBuy_SingleVoteScenario(t *testing.T) {
	// Fresh market {1,1}, base 100. Buying trust with 50 fills exactly
	// one vote at 50; the next would cost 66.
	m := market(1, 1, 100)

	res, err := SimulateBuy(m, model.SideTrust, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Votes != 1 {
		t.Errorf("expected 1 vote, got %d", res.Votes)
	}
	if res.Funds != 50 {
		t.Errorf("expected 50 spent, got %d", res.Funds)
	}
	if res.MinPrice != 50 {
		t.Errorf("expected min price 50, got %d", res.MinPrice)
	}
	if res.MaxPrice != 66 {
		t.Errorf("expected max price 66, got %d", res.MaxPrice)
	}
	if res.TrustVotes != 2 || res.DistrustVotes != 1 {
		t.Errorf("expected counts {2,1}, got {%d,%d}", res.TrustVotes, res.DistrustVotes)
	}
}

func TestSimulateBuy_InsufficientFunds(t *testing.T) {
	m := market(1, 1, 100)

	_, err := SimulateBuy(m, model.SideTrust, 49)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSimulateBuy_DoesNotMutateMarket(t *testing.T) {
	m := market(1, 1, 100)

	if _, err := SimulateBuy(m, model.SideTrust, 200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TrustVotes != 1 || m.DistrustVotes != 1 {
		t.Errorf("simulation mutated the market: {%d,%d}", m.TrustVotes, m.DistrustVotes)
	}
}

func TestSimulateBuy_PriceStrictlyIncreasesPerUnit(t *testing.T) {
	m := market(1, 1, 10_000)

	res, err := SimulateBuy(m, model.SideTrust, 40_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Votes < 2 {
		t.Fatalf("expected a multi-vote fill, got %d", res.Votes)
	}

	// Replay the walk and check per-unit monotonicity.
	trust, distrust := int64(1), int64(1)
	prev, _ := Price(trust, distrust, m.BasePrice, model.SideTrust)
	for i := int64(0); i < res.Votes; i++ {
		trust++
		p, _ := Price(trust, distrust, m.BasePrice, model.SideTrust)
		if p <= prev {
			t.Fatalf("price not strictly increasing at vote %d: %d -> %d", i, prev, p)
		}
		prev = p
	}
	if prev != res.MaxPrice {
		t.Errorf("expected max price %d, got %d", prev, res.MaxPrice)
	}
}

func TestSimulateBuy_DistrustSide(t *testing.T) {
	m := market(3, 1, 100)

	// distrust price = 100/4 = 25.
	res, err := SimulateBuy(m, model.SideDistrust, 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Votes != 1 || res.Funds != 25 {
		t.Errorf("expected 1 vote for 25, got %d for %d", res.Votes, res.Funds)
	}
	if res.DistrustVotes != 2 {
		t.Errorf("expected distrust count 2, got %d", res.DistrustVotes)
	}
}

// --- Sell simulation ---

func TestSimulateSell_FloorOfOne(t *testing.T) {
	m := market(1, 1, 100)

	if _, err := SimulateSell(m, model.SideTrust, 1); !errors.Is(err, ErrInsufficientVotesToSell) {
		t.Errorf("trust: expected ErrInsufficientVotesToSell, got %v", err)
	}
	if _, err := SimulateSell(m, model.SideDistrust, 1); !errors.Is(err, ErrInsufficientVotesToSell) {
		t.Errorf("distrust: expected ErrInsufficientVotesToSell, got %v", err)
	}
}

func TestSimulateSell_ReadsPostDecrementPrice(t *testing.T) {
	// {2,1} base 100: max price is 66 (pre-loop), the vote fetches the
	// post-decrement price 50.
	m := market(2, 1, 100)

	res, err := SimulateSell(m, model.SideTrust, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Funds != 50 {
		t.Errorf("expected proceeds 50, got %d", res.Funds)
	}
	if res.MaxPrice != 66 {
		t.Errorf("expected max price 66, got %d", res.MaxPrice)
	}
	if res.MinPrice != 50 {
		t.Errorf("expected min price 50, got %d", res.MinPrice)
	}
	if res.TrustVotes != 1 {
		t.Errorf("expected trust count 1, got %d", res.TrustVotes)
	}
}

func TestSimulateSell_DoesNotMutateMarket(t *testing.T) {
	m := market(5, 3, 100)

	if _, err := SimulateSell(m, model.SideTrust, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.TrustVotes != 5 || m.DistrustVotes != 3 {
		t.Errorf("simulation mutated the market: {%d,%d}", m.TrustVotes, m.DistrustVotes)
	}
}

// --- Round-trip property ---

func TestRoundTrip_NeverProfitable(t *testing.T) {
	// Buying n votes then immediately selling n votes at zero fees must
	// never return more than was spent: sell pricing reads post-decrement.
	tests := []struct {
		trust, distrust, basePrice, funds int64
	}{
		{1, 1, 100, 50},
		{1, 1, 100, 120},
		{3, 7, 1000, 5000},
		{10, 2, 500, 3000},
	}
	for _, tc := range tests {
		m := market(tc.trust, tc.distrust, tc.basePrice)

		buy, err := SimulateBuy(m, model.SideTrust, tc.funds)
		if err != nil {
			t.Fatalf("{%d,%d}: buy failed: %v", tc.trust, tc.distrust, err)
		}

		after := market(buy.TrustVotes, buy.DistrustVotes, tc.basePrice)
		sell, err := SimulateSell(after, model.SideTrust, buy.Votes)
		if err != nil {
			t.Fatalf("{%d,%d}: sell failed: %v", tc.trust, tc.distrust, err)
		}

		if sell.Funds > buy.Funds {
			t.Errorf("{%d,%d}: round trip profitable: spent %d, received %d",
				tc.trust, tc.distrust, buy.Funds, sell.Funds)
		}
		if sell.TrustVotes != tc.trust || sell.DistrustVotes != tc.distrust {
			t.Errorf("{%d,%d}: round trip did not restore counts: {%d,%d}",
				tc.trust, tc.distrust, sell.TrustVotes, sell.DistrustVotes)
		}
	}
}

// --- Slippage guard ---

func TestMinVotesAfterSlippage(t *testing.T) {
	tests := []struct {
		expected, bp, want int64
	}{
		{100, 0, 100},
		{100, 100, 99},   // 1% of 100
		{100, 10000, 0},  // full tolerance
		{3, 100, 3},      // ceil(3*9900/10000) = ceil(2.97)
		{1, 1, 1},        // ceil(0.9999)
		{0, 0, 0},
	}
	for _, tc := range tests {
		if got := MinVotesAfterSlippage(tc.expected, tc.bp); got != tc.want {
			t.Errorf("MinVotesAfterSlippage(%d, %d) = %d, want %d",
				tc.expected, tc.bp, got, tc.want)
		}
	}
}

func TestCheckSlippage(t *testing.T) {
	if err := CheckSlippage(100, 100, 0); err != nil {
		t.Errorf("exact fill at zero tolerance should pass: %v", err)
	}
	if err := CheckSlippage(100, 101, 0); !errors.Is(err, ErrSlippageLimitExceeded) {
		t.Errorf("expected ErrSlippageLimitExceeded, got %v", err)
	}
	if err := CheckSlippage(99, 100, 100); err != nil {
		t.Errorf("fill within 1%% tolerance should pass: %v", err)
	}
}
