package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
)

// OrganizationResponse is an organization record plus its pending balance.
type OrganizationResponse struct {
	Identity          string          `json:"identity"`
	Name              string          `json:"name"`
	MetadataRef       string          `json:"metadata_ref"`
	Description       string          `json:"description"`
	Website           string          `json:"website"`
	Contact           string          `json:"contact"`
	Approved          bool            `json:"approved"`
	TotalReceived     decimal.Decimal `json:"total_received"`
	TotalWithdrawn    decimal.Decimal `json:"total_withdrawn"`
	PendingWithdrawal decimal.Decimal `json:"pending_withdrawal"`
	RegisteredAt      time.Time       `json:"registered_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func FromOrganization(o *models.Organization) *OrganizationResponse {
	return &OrganizationResponse{
		Identity:          o.Identity.String(),
		Name:              o.Name,
		MetadataRef:       o.MetadataRef,
		Description:       o.Description,
		Website:           o.Website,
		Contact:           o.Contact,
		Approved:          o.Approved,
		TotalReceived:     o.TotalReceived,
		TotalWithdrawn:    o.TotalWithdrawn,
		PendingWithdrawal: o.Pending(),
		RegisteredAt:      o.RegisteredAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

type DonationResponse struct {
	ID           id.DonationID   `json:"id"`
	Donor        string          `json:"donor"`
	Organization string          `json:"organization"`
	Amount       decimal.Decimal `json:"amount"`
	Message      string          `json:"message"`
	ProofRef     string          `json:"proof_ref,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func FromDonation(d *models.Donation) *DonationResponse {
	return &DonationResponse{
		ID:           d.ID,
		Donor:        d.Donor.String(),
		Organization: d.Organization.String(),
		Amount:       d.Amount,
		Message:      d.Message,
		ProofRef:     d.ProofRef,
		CreatedAt:    d.CreatedAt,
	}
}

type RegisterOrganizationResponse struct {
	OrganizationID string `json:"organization_id"`
}

type DonateResponse struct {
	DonationID id.DonationID `json:"donation_id"`
}

type OrganizationListResponse struct {
	Organizations []string `json:"organizations"`
}

func FromIdentities(ids []id.Identity) *OrganizationListResponse {
	out := make([]string, len(ids))
	for i, identity := range ids {
		out[i] = identity.String()
	}
	return &OrganizationListResponse{Organizations: out}
}

type DonationListResponse struct {
	Donations []id.DonationID `json:"donations"`
}

type AmountResponse struct {
	Organization string          `json:"organization,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

type OwnerResponse struct {
	Owner string `json:"owner"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
