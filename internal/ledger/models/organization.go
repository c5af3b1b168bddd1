package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

// Organization is a registered donation recipient, keyed by its account identity.
//
// Invariants:
//   - Name is non-empty
//   - TotalReceived and TotalWithdrawn are non-negative
//   - TotalWithdrawn <= TotalReceived, so Pending() is never negative
//   - Approved starts false and is toggled only by the owner
//
// Records are never deleted; absence is reported by stores as sentinel.ErrNotFound.
type Organization struct {
	Identity       id.Identity     `json:"identity"`
	Name           string          `json:"name"`
	MetadataRef    string          `json:"metadata_ref"`
	Description    string          `json:"description"`
	Website        string          `json:"website"`
	Contact        string          `json:"contact"`
	Approved       bool            `json:"approved"`
	TotalReceived  decimal.Decimal `json:"total_received"`
	TotalWithdrawn decimal.Decimal `json:"total_withdrawn"`
	RegisteredAt   time.Time       `json:"registered_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Profile is the caller-supplied part of a registration.
type Profile struct {
	Name        string
	MetadataRef string
	Description string
	Website     string
	Contact     string
}

// NewOrganization validates the profile and builds a pending organization with
// zero accumulators.
func NewOrganization(identity id.Identity, p Profile, now time.Time) (*Organization, error) {
	if identity.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "organization identity cannot be null")
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "organization name cannot be empty")
	}
	return &Organization{
		Identity:       identity,
		Name:           name,
		MetadataRef:    strings.TrimSpace(p.MetadataRef),
		Description:    p.Description,
		Website:        strings.TrimSpace(p.Website),
		Contact:        strings.TrimSpace(p.Contact),
		Approved:       false,
		TotalReceived:  decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		RegisteredAt:   now,
		UpdatedAt:      now,
	}, nil
}

// Pending is the escrow balance: received minus withdrawn.
func (o *Organization) Pending() decimal.Decimal {
	return o.TotalReceived.Sub(o.TotalWithdrawn)
}

// ApplyApproval sets the approval flag. Re-applying the current value is allowed.
func (o *Organization) ApplyApproval(approved bool, now time.Time) {
	o.Approved = approved
	o.UpdatedAt = now
}

// ApplyCredit records funds received for this organization.
func (o *Organization) ApplyCredit(amount decimal.Decimal, now time.Time) {
	o.TotalReceived = o.TotalReceived.Add(amount)
	o.UpdatedAt = now
}

// CanDebit checks a withdrawal of amount against the pending balance.
func (o *Organization) CanDebit(amount decimal.Decimal) error {
	if amount.GreaterThan(o.Pending()) {
		return dErrors.New(dErrors.CodeInsufficientFunds, "amount exceeds pending withdrawal balance")
	}
	return nil
}

// ApplyDebit moves amount from pending to withdrawn. Call CanDebit first.
func (o *Organization) ApplyDebit(amount decimal.Decimal, now time.Time) {
	o.TotalWithdrawn = o.TotalWithdrawn.Add(amount)
	o.UpdatedAt = now
}

// CanReverseDebit checks that a compensating reversal keeps TotalWithdrawn non-negative.
func (o *Organization) CanReverseDebit(amount decimal.Decimal) error {
	if amount.GreaterThan(o.TotalWithdrawn) {
		return dErrors.New(dErrors.CodeInvariantViolation, "reversal exceeds withdrawn total")
	}
	return nil
}

// ApplyDebitReversal undoes a debit whose payout failed.
func (o *Organization) ApplyDebitReversal(amount decimal.Decimal, now time.Time) {
	o.TotalWithdrawn = o.TotalWithdrawn.Sub(amount)
	o.UpdatedAt = now
}

// Clone returns a copy safe to hand out of a store.
func (o *Organization) Clone() *Organization {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
