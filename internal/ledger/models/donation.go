package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

// Donation is an immutable record of funds earmarked for one organization.
// Only ProofRef may change, and only once: empty -> non-empty.
type Donation struct {
	ID           id.DonationID   `json:"id"`
	Donor        id.Identity     `json:"donor"`
	Organization id.Identity     `json:"organization"`
	Amount       decimal.Decimal `json:"amount"`
	Message      string          `json:"message"`
	ProofRef     string          `json:"proof_ref"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewDonation builds an unnumbered donation; the store assigns the id.
func NewDonation(donor, org id.Identity, amount decimal.Decimal, message string, now time.Time) (*Donation, error) {
	if err := ValidateAmount(amount); err != nil {
		return nil, err
	}
	return &Donation{
		Donor:        donor,
		Organization: org,
		Amount:       amount,
		Message:      message,
		CreatedAt:    now,
	}, nil
}

// HasProof reports whether the proof register has been written.
func (d *Donation) HasProof() bool {
	return d.ProofRef != ""
}

// CanAttachProof checks the write-once rule.
func (d *Donation) CanAttachProof() error {
	if d.HasProof() {
		return dErrors.New(dErrors.CodeConflict, "proof already attached")
	}
	return nil
}

// ApplyProof writes the proof reference. Call CanAttachProof first.
func (d *Donation) ApplyProof(ref string) {
	d.ProofRef = ref
}

func (d *Donation) Clone() *Donation {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

const (
	// MaxAmountScale is the most fractional digits an amount may carry.
	MaxAmountScale = 18
	// MaxAmountIntegerDigits bounds the integer part of an amount.
	MaxAmountIntegerDigits = 30
)

// ValidateAmount rejects zero and negative amounts, and amounts whose scale
// or magnitude fall outside the ledger's fixed precision. Exponent and digit
// count are checked before any arithmetic touches the value.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "amount must be greater than zero")
	}
	exp := int64(amount.Exponent())
	if exp < -MaxAmountScale {
		return dErrors.New(dErrors.CodeValidation, "amount must have at most 18 decimal places")
	}
	if exp+int64(amount.NumDigits()) > MaxAmountIntegerDigits {
		return dErrors.New(dErrors.CodeValidation, "amount must have at most 30 integer digits")
	}
	return nil
}

// NormalizeProofRef trims a proof reference and rejects empty ones.
func NormalizeProofRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", dErrors.New(dErrors.CodeValidation, "proof reference cannot be empty")
	}
	return ref, nil
}
