// Package curve implements the bonding-curve pricing function and the
// unit-by-unit trade simulator for dual-sided reputation markets.
//
// The unit price of a side is its share of the market's base price:
//
//	price(side) = votes[side] * basePrice / (votes[trust] + votes[distrust])
//
// with integer floor division. Because the price is a function of the
// very quantity a trade changes, no closed form solves a fill exactly
// under integer truncation; the simulator walks the curve one unit at a
// time instead. This keeps trustPrice + distrustPrice == basePrice (up
// to the floor remainder) exact after every trade, at O(votes) cost.
//
// All math is exact int64 — never float64 for money.
package curve

import (
	"errors"

	"github.com/trustmesh/reputation-market/internal/model"
)

var (
	// ErrMarketNotInitialized is returned when both vote counts are zero.
	// The pricing function is undefined there; callers must check market
	// existence first.
	ErrMarketNotInitialized = errors.New("curve: market has no outstanding votes")

	// ErrInsufficientFunds is returned when the available funds cannot
	// cover even the first unit's price.
	ErrInsufficientFunds = errors.New("curve: insufficient funds for a single vote")

	// ErrInsufficientVotesToSell is returned when a sell would reduce a
	// side's outstanding count below 1.
	ErrInsufficientVotesToSell = errors.New("curve: sell would empty a market side")

	// ErrSlippageLimitExceeded is returned when a buy fills fewer votes
	// than the caller's slippage tolerance allows.
	ErrSlippageLimitExceeded = errors.New("curve: bought votes below slippage floor")

	// ErrTradeTooLarge is returned when a buy would exceed MaxVotesPerTrade.
	ErrTradeTooLarge = errors.New("curve: trade exceeds per-trade vote limit")
)

// MaxVotesPerTrade bounds the simulation loop. Unit prices floor toward
// zero when one side dwarfs the other, so without a cap a large enough
// fund amount could walk the curve indefinitely at price 0.
const MaxVotesPerTrade = 1_000_000

// BasisPointScale is the denominator for basis-point arithmetic.
const BasisPointScale = 10_000

// Price returns the current unit price of one side: that side's
// proportional share of basePrice, floor-divided by the total count.
// Pure function; fails only when both counts are zero.
func Price(trustVotes, distrustVotes, basePrice int64, side model.Side) (int64, error) {
	total := trustVotes + distrustVotes
	if total == 0 {
		return 0, ErrMarketNotInitialized
	}
	if side == model.SideTrust {
		return trustVotes * basePrice / total, nil
	}
	return distrustVotes * basePrice / total, nil
}

// BuyResult is the outcome of a buy simulation.
type BuyResult struct {
	Votes         int64 // votes filled
	Funds         int64 // sum of per-unit prices consumed (excludes fees)
	MinPrice      int64 // price before the first unit
	MaxPrice      int64 // price after the last unit
	TrustVotes    int64 // market counts after the fill
	DistrustVotes int64
}

// SellResult is the outcome of a sell simulation.
type SellResult struct {
	Funds         int64 // gross proceeds: sum of post-decrement unit prices
	MinPrice      int64 // price after the loop (lowest point reached)
	MaxPrice      int64 // price before the loop
	TrustVotes    int64 // market counts after the sale
	DistrustVotes int64
}

// SimulateBuy walks the curve upward on a working copy of the market's
// counts, consuming one unit price per vote until the next unit's price
// exceeds the remaining funds. The price is read before each increment,
// so the first vote costs the pre-trade price and the returned MaxPrice
// is the price standing after the final vote.
//
// fundsAvailable must already be net of fees; fee math belongs to the
// fees package.
func SimulateBuy(m *model.Market, side model.Side, fundsAvailable int64) (BuyResult, error) {
	trust, distrust := m.TrustVotes, m.DistrustVotes

	price, err := Price(trust, distrust, m.BasePrice, side)
	if err != nil {
		return BuyResult{}, err
	}
	if fundsAvailable < price {
		return BuyResult{}, ErrInsufficientFunds
	}

	res := BuyResult{MinPrice: price}
	for fundsAvailable >= price {
		if res.Votes >= MaxVotesPerTrade {
			return BuyResult{}, ErrTradeTooLarge
		}
		fundsAvailable -= price
		res.Funds += price
		res.Votes++
		if side == model.SideTrust {
			trust++
		} else {
			distrust++
		}
		// Price after the increment; strictly rises as the side's share grows.
		price, _ = Price(trust, distrust, m.BasePrice, side)
	}

	res.MaxPrice = price
	res.TrustVotes = trust
	res.DistrustVotes = distrust
	return res, nil
}

// SimulateSell walks the curve downward, decrementing the side once per
// vote and accumulating the price read after each decrement. Reading
// post-decrement (where buys read pre-increment) builds a structural
// one-sided spread: an immediate buy-then-sell round trip never profits
// even at zero fees. Preserve the asymmetry; it is not a rounding bug.
//
// Selling never reduces a side below 1 — the pricing function is
// undefined at zero.
func SimulateSell(m *model.Market, side model.Side, votes int64) (SellResult, error) {
	trust, distrust := m.TrustVotes, m.DistrustVotes

	price, err := Price(trust, distrust, m.BasePrice, side)
	if err != nil {
		return SellResult{}, err
	}

	res := SellResult{MaxPrice: price, MinPrice: price}
	for i := int64(0); i < votes; i++ {
		if side == model.SideTrust {
			if trust <= 1 {
				return SellResult{}, ErrInsufficientVotesToSell
			}
			trust--
		} else {
			if distrust <= 1 {
				return SellResult{}, ErrInsufficientVotesToSell
			}
			distrust--
		}
		price, _ = Price(trust, distrust, m.BasePrice, side)
		res.Funds += price
	}

	res.MinPrice = price
	res.TrustVotes = trust
	res.DistrustVotes = distrust
	return res, nil
}

// MinVotesAfterSlippage returns the lowest acceptable fill for a buy:
// ceil(expected * (10000 - slippageBp) / 10000). Applies to buys only —
// the vote count is the variable being solved for there.
func MinVotesAfterSlippage(expectedVotes, slippageBp int64) int64 {
	num := expectedVotes * (BasisPointScale - slippageBp)
	floor := num / BasisPointScale
	if num%BasisPointScale != 0 {
		floor++
	}
	return floor
}

// CheckSlippage validates an actual fill against the caller's expected
// vote count and tolerance. Evaluated after simulation, before commit.
func CheckSlippage(actualVotes, expectedVotes, slippageBp int64) error {
	if actualVotes < MinVotesAfterSlippage(expectedVotes, slippageBp) {
		return ErrSlippageLimitExceeded
	}
	return nil
}
