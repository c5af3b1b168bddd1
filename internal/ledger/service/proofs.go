package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

// AddProof attaches a proof reference to a donation. Only the approved
// recipient organization may attach it, and only once.
func (s *Service) AddProof(ctx context.Context, donationID id.DonationID, proofRef string, caller id.Identity) error {
	ctx, finish := s.begin(ctx, "add_proof", attribute.String("donation_id", donationID.String()))
	var updated *models.Donation
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		d, err := s.store.FindDonation(ctx, donationID)
		if err != nil {
			return translate(err, "donation not found")
		}
		if _, err := s.access.RequireApprovedOrg(ctx, caller); err != nil {
			return err
		}
		if d.Organization != caller {
			return dErrors.New(dErrors.CodeForbidden, "caller is not the donation's organization")
		}
		ref, err := models.NormalizeProofRef(proofRef)
		if err != nil {
			return err
		}
		updated, err = s.store.ExecuteDonation(ctx, donationID,
			func(d *models.Donation) error { return d.CanAttachProof() },
			func(d *models.Donation) { d.ApplyProof(ref) },
		)
		return translate(err, "donation not found")
	})
	finish(err)
	if err != nil {
		return err
	}

	s.emit(ctx, models.ProofAttached{
		DonationID: updated.ID,
		OrgID:      updated.Organization,
		ProofRef:   updated.ProofRef,
	}, "donation_id", updated.ID.String(), "org_id", updated.Organization.String())
	return nil
}
