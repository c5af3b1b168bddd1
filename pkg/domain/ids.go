package domain

import (
	"strconv"
	"strings"

	dErrors "impactledger/pkg/domain-errors"
)

// DonationID is the dense, 1-based donation sequence number.
// Zero is reserved and never assigned.
type DonationID uint64

// NoDonation is the reserved "not found" id.
const NoDonation DonationID = 0

// ParseDonationID parses a decimal donation id. Zero parses fine; lookups
// treat it as absent.
func ParseDonationID(s string) (DonationID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoDonation, dErrors.New(dErrors.CodeInvalidInput, "donation id is required")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return NoDonation, dErrors.New(dErrors.CodeInvalidInput, "donation id must be a non-negative integer")
	}
	return DonationID(n), nil
}

func (d DonationID) IsNil() bool {
	return d == NoDonation
}

func (d DonationID) String() string {
	return strconv.FormatUint(uint64(d), 10)
}
