// Package fees implements the basis-point fee schedule for market
// entry and exit. Fees are always a forward fraction of the gross
// amount — never backed out of a net target.
package fees

import "errors"

var (
	// ErrFeeExceedsMaximum is returned when a rate above MaxFeeBp is set.
	ErrFeeExceedsMaximum = errors.New("fees: rate exceeds maximum basis points")

	// ErrProtocolAddressUnset is returned when a nonzero entry or exit
	// rate is set before a protocol fee recipient is configured.
	ErrProtocolAddressUnset = errors.New("fees: protocol fee address not configured")
)

const (
	// BasisPointScale is the basis-point denominator (10000 = 100%).
	BasisPointScale = 10_000

	// MaxFeeBp caps each individual schedule at 5%.
	MaxFeeBp = 500
)

// Schedule holds the engine's fee configuration. Rates are in basis
// points out of 10000 and individually capped at MaxFeeBp. Mutated only
// through the engine's admin entry points.
type Schedule struct {
	EntryBp         int64
	DonationBp      int64
	ExitBp          int64
	ProtocolAddress string
}

// SetEntry updates the entry protocol-fee and donation rates.
// A configured protocol address is required before any nonzero rate.
func (s *Schedule) SetEntry(entryBp, donationBp int64) error {
	if entryBp < 0 || entryBp > MaxFeeBp || donationBp < 0 || donationBp > MaxFeeBp {
		return ErrFeeExceedsMaximum
	}
	if (entryBp > 0 || donationBp > 0) && s.ProtocolAddress == "" {
		return ErrProtocolAddressUnset
	}
	s.EntryBp = entryBp
	s.DonationBp = donationBp
	return nil
}

// SetExit updates the exit protocol-fee rate.
func (s *Schedule) SetExit(exitBp int64) error {
	if exitBp < 0 || exitBp > MaxFeeBp {
		return ErrFeeExceedsMaximum
	}
	if exitBp > 0 && s.ProtocolAddress == "" {
		return ErrProtocolAddressUnset
	}
	s.ExitBp = exitBp
	return nil
}

// EntrySplit divides a gross buy amount into protocol fee, donation,
// and the funds available for vote purchases.
func (s *Schedule) EntrySplit(gross int64) (protocolFee, donation, available int64) {
	protocolFee = gross * s.EntryBp / BasisPointScale
	donation = gross * s.DonationBp / BasisPointScale
	available = gross - protocolFee - donation
	return protocolFee, donation, available
}

// ExitFee returns the protocol fee deducted from gross sell proceeds.
// There is no donation on exit.
func (s *Schedule) ExitFee(gross int64) int64 {
	return gross * s.ExitBp / BasisPointScale
}
