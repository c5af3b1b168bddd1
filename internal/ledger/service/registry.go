package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/platform/sentinel"
	"impactledger/pkg/requestcontext"
)

// RegisterRequest is the caller-supplied organization profile.
type RegisterRequest struct {
	Name        string
	MetadataRef string
	Description string
	Website     string
	Contact     string
}

// Register creates an organization record for caller, pending approval.
func (s *Service) Register(ctx context.Context, req RegisterRequest, caller id.Identity) (id.Identity, error) {
	ctx, finish := s.begin(ctx, "register", attribute.String("caller", caller.Key()))
	var org *models.Organization
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := requireCaller(caller); err != nil {
			return err
		}
		if _, err := s.store.FindOrganization(ctx, caller); err == nil {
			return dErrors.New(dErrors.CodeConflict, "organization already registered")
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return translate(err, "organization not found")
		}

		var err error
		org, err = models.NewOrganization(caller, models.Profile{
			Name:        req.Name,
			MetadataRef: req.MetadataRef,
			Description: req.Description,
			Website:     req.Website,
			Contact:     req.Contact,
		}, requestcontext.Now(ctx))
		if err != nil {
			// Convert invariant violations to validation errors for API response
			if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
				return dErrors.New(dErrors.CodeValidation, "organization name is required")
			}
			return err
		}

		if err := s.store.CreateOrganization(ctx, org); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeConflict, "organization already registered")
			}
			return translate(err, "organization not found")
		}
		return nil
	})
	finish(err)
	if err != nil {
		return id.NullIdentity, err
	}

	s.emit(ctx, models.OrganizationRegistered{OrgID: org.Identity, Name: org.Name},
		"org_id", org.Identity.String(), "name", org.Name)
	return org.Identity, nil
}

// Approve sets an organization's approval flag. Owner only; re-applying the
// current value succeeds and emits again.
func (s *Service) Approve(ctx context.Context, org id.Identity, approved bool, caller id.Identity) error {
	ctx, finish := s.begin(ctx, "approve",
		attribute.String("org_id", org.Key()), attribute.Bool("approved", approved))
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.access.RequireOwner(ctx, caller); err != nil {
			return err
		}
		now := requestcontext.Now(ctx)
		_, err := s.store.ExecuteOrganization(ctx, org, nil, func(o *models.Organization) {
			o.ApplyApproval(approved, now)
		})
		return translate(err, "organization not found")
	})
	finish(err)
	if err != nil {
		return err
	}

	s.emit(ctx, models.OrganizationApproval{OrgID: org, Approved: approved},
		"org_id", org.String(), "approved", approved, "owner", caller.String())
	return nil
}

// GetOrganization returns the organization record.
func (s *Service) GetOrganization(ctx context.Context, org id.Identity) (*models.Organization, error) {
	o, err := s.store.FindOrganization(ctx, org)
	if err != nil {
		return nil, translate(err, "organization not found")
	}
	return o, nil
}

// ListOrganizations returns organization identities in registration order.
func (s *Service) ListOrganizations(ctx context.Context) ([]id.Identity, error) {
	ids, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return nil, translate(err, "organization not found")
	}
	return ids, nil
}
