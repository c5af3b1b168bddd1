package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	id "impactledger/pkg/domain"
)

// EventType names a ledger event on the wire.
type EventType string

const (
	EventOrganizationRegistered EventType = "organization_registered"
	EventOrganizationApproval   EventType = "organization_approval"
	EventDonationRecorded       EventType = "donation_recorded"
	EventProofAttached          EventType = "proof_attached"
	EventWithdrawalRecorded     EventType = "withdrawal_recorded"
	EventOwnershipTransferred   EventType = "ownership_transferred"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() EventType
	// AggregateID groups events for ordering (partition key, channel suffix).
	AggregateID() string
}

// Event is the envelope handed to publishers after a mutation commits.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RequestID  string    `json:"request_id,omitempty"`
	Payload    Payload   `json:"payload"`
}

// NewEvent wraps payload in an envelope with a fresh id.
func NewEvent(payload Payload, now time.Time, requestID string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       payload.EventType(),
		OccurredAt: now,
		RequestID:  requestID,
		Payload:    payload,
	}
}

type OrganizationRegistered struct {
	OrgID id.Identity `json:"org_id"`
	Name  string      `json:"name"`
}

func (OrganizationRegistered) EventType() EventType   { return EventOrganizationRegistered }
func (e OrganizationRegistered) AggregateID() string { return e.OrgID.Key() }

type OrganizationApproval struct {
	OrgID    id.Identity `json:"org_id"`
	Approved bool        `json:"approved"`
}

func (OrganizationApproval) EventType() EventType   { return EventOrganizationApproval }
func (e OrganizationApproval) AggregateID() string { return e.OrgID.Key() }

type DonationRecorded struct {
	DonationID id.DonationID   `json:"donation_id"`
	Donor      id.Identity     `json:"donor"`
	OrgID      id.Identity     `json:"org_id"`
	Amount     decimal.Decimal `json:"amount"`
	Message    string          `json:"message"`
}

func (DonationRecorded) EventType() EventType   { return EventDonationRecorded }
func (e DonationRecorded) AggregateID() string { return e.OrgID.Key() }

type ProofAttached struct {
	DonationID id.DonationID `json:"donation_id"`
	OrgID      id.Identity   `json:"org_id"`
	ProofRef   string        `json:"proof_ref"`
}

func (ProofAttached) EventType() EventType   { return EventProofAttached }
func (e ProofAttached) AggregateID() string { return e.OrgID.Key() }

type WithdrawalRecorded struct {
	OrgID  id.Identity     `json:"org_id"`
	Amount decimal.Decimal `json:"amount"`
}

func (WithdrawalRecorded) EventType() EventType   { return EventWithdrawalRecorded }
func (e WithdrawalRecorded) AggregateID() string { return e.OrgID.Key() }

type OwnershipTransferred struct {
	PreviousOwner id.Identity `json:"previous_owner"`
	NewOwner      id.Identity `json:"new_owner"`
}

func (OwnershipTransferred) EventType() EventType { return EventOwnershipTransferred }
func (OwnershipTransferred) AggregateID() string  { return "owner" }
