package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/platform/sentinel"
	"impactledger/pkg/requestcontext"
)

// Donate records a donation from donor to an approved organization and
// credits the organization's escrow. Failed calls never consume an id.
func (s *Service) Donate(ctx context.Context, org id.Identity, amount decimal.Decimal, message string, donor id.Identity) (id.DonationID, error) {
	ctx, finish := s.begin(ctx, "donate",
		attribute.String("org_id", org.Key()), amountAttribute(amount))
	var recorded *models.Donation
	var deposited bool
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := requireCaller(donor); err != nil {
			return err
		}
		target, err := s.store.FindOrganization(ctx, org)
		if err != nil {
			return translate(err, "organization not found")
		}
		if !target.Approved {
			return dErrors.New(dErrors.CodeNotApproved, "organization is not approved")
		}
		d, err := models.NewDonation(donor, org, amount, message, requestcontext.Now(ctx))
		if err != nil {
			return err
		}
		recorded, err = s.store.AppendDonation(ctx, d)
		if err != nil {
			return translate(err, "organization not found")
		}
		if s.custody != nil {
			s.custody.Deposit(recorded.Amount)
			deposited = true
		}
		return nil
	})
	if err != nil && deposited {
		s.custody.Reclaim(recorded.Amount)
	}
	finish(err)
	if err != nil {
		return id.NoDonation, err
	}

	if s.metrics != nil {
		s.metrics.AddDonated(amountFloat(recorded.Amount))
	}
	s.emit(ctx, models.DonationRecorded{
		DonationID: recorded.ID,
		Donor:      recorded.Donor,
		OrgID:      recorded.Organization,
		Amount:     recorded.Amount,
		Message:    recorded.Message,
	},
		"donation_id", recorded.ID.String(),
		"donor", recorded.Donor.String(),
		"org_id", recorded.Organization.String(),
		"amount", recorded.Amount.String(),
	)
	return recorded.ID, nil
}

// GetDonation returns a donation. Id 0 and unassigned ids are not found.
func (s *Service) GetDonation(ctx context.Context, donationID id.DonationID) (*models.Donation, error) {
	d, err := s.store.FindDonation(ctx, donationID)
	if err != nil {
		return nil, translate(err, "donation not found")
	}
	return d, nil
}

// ListDonations returns all donation ids in creation order.
func (s *Service) ListDonations(ctx context.Context) ([]id.DonationID, error) {
	ids, err := s.store.ListDonations(ctx)
	if err != nil {
		return nil, translate(err, "donation not found")
	}
	return ids, nil
}

// ListDonationsByOrganization returns org's donation ids in creation order.
// An unknown organization has no donations.
func (s *Service) ListDonationsByOrganization(ctx context.Context, org id.Identity) ([]id.DonationID, error) {
	ids, err := s.store.ListDonationsByOrganization(ctx, org)
	if err != nil {
		return nil, translate(err, "organization not found")
	}
	return ids, nil
}

// PendingWithdrawal is received minus withdrawn; zero for an unknown organization.
func (s *Service) PendingWithdrawal(ctx context.Context, org id.Identity) (decimal.Decimal, error) {
	o, err := s.store.FindOrganization(ctx, org)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, translate(err, "organization not found")
	}
	return o.Pending(), nil
}

// CustodialBalance is the sum of all pending balances.
func (s *Service) CustodialBalance(ctx context.Context) (decimal.Decimal, error) {
	balance, err := s.store.CustodialBalance(ctx)
	if err != nil {
		return decimal.Zero, translate(err, "")
	}
	if s.metrics != nil {
		s.metrics.SetCustodialBalance(amountFloat(balance))
	}
	return balance, nil
}
