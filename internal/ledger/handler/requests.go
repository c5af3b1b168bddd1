package handler

import (
	"strings"

	"github.com/shopspring/decimal"

	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

const (
	maxNameLength  = 200
	maxFieldLength = 2048
)

// RegisterOrganizationRequest is the body for POST /organizations.
type RegisterOrganizationRequest struct {
	Name        string `json:"name"`
	MetadataRef string `json:"metadata_ref"`
	Description string `json:"description"`
	Website     string `json:"website"`
	Contact     string `json:"contact"`
}

func (r *RegisterOrganizationRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.MetadataRef = strings.TrimSpace(r.MetadataRef)
	r.Website = strings.TrimSpace(r.Website)
	r.Contact = strings.TrimSpace(r.Contact)
}

// Validate enforces transport limits only. An empty name is left to the
// service so a duplicate registration reports conflict first.
func (r *RegisterOrganizationRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Name) > maxNameLength {
		return dErrors.New(dErrors.CodeValidation, "name must be at most 200 characters")
	}
	for _, f := range []string{r.MetadataRef, r.Description, r.Website, r.Contact} {
		if len(f) > maxFieldLength {
			return dErrors.New(dErrors.CodeValidation, "profile fields must be at most 2048 characters")
		}
	}
	return nil
}

// ApprovalRequest is the body for PUT /organizations/{orgID}/approval.
type ApprovalRequest struct {
	Approved *bool `json:"approved"`
}

func (r *ApprovalRequest) Normalize() {}

func (r *ApprovalRequest) Validate() error {
	if r == nil || r.Approved == nil {
		return dErrors.New(dErrors.CodeValidation, "approved is required")
	}
	return nil
}

// DonateRequest is the body for POST /donations. Amount is a decimal string
// in the asset's base unit.
type DonateRequest struct {
	Organization string `json:"organization"`
	Amount       string `json:"amount"`
	Message      string `json:"message"`

	// Parsed values (populated by Validate)
	parsedOrganization id.Identity
	parsedAmount       decimal.Decimal
}

func (r *DonateRequest) Normalize() {
	r.Organization = strings.TrimSpace(r.Organization)
	r.Amount = strings.TrimSpace(r.Amount)
}

func (r *DonateRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.Message) > maxFieldLength {
		return dErrors.New(dErrors.CodeValidation, "message must be at most 2048 characters")
	}
	org, err := id.ParseIdentity(r.Organization)
	if err != nil {
		return err
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return err
	}
	r.parsedOrganization = org
	r.parsedAmount = amount
	return nil
}

func (r *DonateRequest) ParsedOrganization() id.Identity {
	return r.parsedOrganization
}

func (r *DonateRequest) ParsedAmount() decimal.Decimal {
	return r.parsedAmount
}

// WithdrawRequest is the body for POST /withdrawals.
type WithdrawRequest struct {
	Amount string `json:"amount"`

	parsedAmount decimal.Decimal
}

func (r *WithdrawRequest) Normalize() {
	r.Amount = strings.TrimSpace(r.Amount)
}

func (r *WithdrawRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	amount, err := parseAmount(r.Amount)
	if err != nil {
		return err
	}
	r.parsedAmount = amount
	return nil
}

func (r *WithdrawRequest) ParsedAmount() decimal.Decimal {
	return r.parsedAmount
}

// AddProofRequest is the body for PUT /donations/{donationID}/proof.
type AddProofRequest struct {
	ProofRef string `json:"proof_ref"`
}

func (r *AddProofRequest) Normalize() {
	r.ProofRef = strings.TrimSpace(r.ProofRef)
}

func (r *AddProofRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	if len(r.ProofRef) > maxFieldLength {
		return dErrors.New(dErrors.CodeValidation, "proof_ref must be at most 2048 characters")
	}
	return nil
}

// TransferOwnershipRequest is the body for PUT /owner.
type TransferOwnershipRequest struct {
	NewOwner string `json:"new_owner"`

	parsedNewOwner id.Identity
}

func (r *TransferOwnershipRequest) Normalize() {
	r.NewOwner = strings.TrimSpace(r.NewOwner)
}

func (r *TransferOwnershipRequest) Validate() error {
	if r == nil {
		return dErrors.New(dErrors.CodeBadRequest, "request body is required")
	}
	owner, err := id.ParseIdentity(r.NewOwner)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "new_owner must be a non-null hex address")
	}
	r.parsedNewOwner = owner
	return nil
}

func (r *TransferOwnershipRequest) ParsedNewOwner() id.Identity {
	return r.parsedNewOwner
}

// parseAmount accepts a decimal string. Sign is checked by the service.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "amount is required")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, dErrors.New(dErrors.CodeValidation, "amount must be a decimal number")
	}
	return amount, nil
}
