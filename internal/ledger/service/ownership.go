package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

// TransferOwnership hands the owner role to newOwner.
func (s *Service) TransferOwnership(ctx context.Context, newOwner id.Identity, caller id.Identity) error {
	ctx, finish := s.begin(ctx, "transfer_ownership", attribute.String("new_owner", newOwner.Key()))
	var previous id.Identity
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.access.RequireOwner(ctx, caller); err != nil {
			return err
		}
		if newOwner.IsNil() {
			return dErrors.New(dErrors.CodeValidation, "new owner cannot be the null identity")
		}
		var err error
		previous, err = s.store.SetOwner(ctx, newOwner)
		return translate(err, "owner not found")
	})
	finish(err)
	if err != nil {
		return err
	}

	s.emit(ctx, models.OwnershipTransferred{PreviousOwner: previous, NewOwner: newOwner},
		"previous_owner", previous.String(), "new_owner", newOwner.String())
	return nil
}

func (s *Service) Owner(ctx context.Context) (id.Identity, error) {
	owner, err := s.store.Owner(ctx)
	if err != nil {
		return id.NullIdentity, translate(err, "owner not found")
	}
	return owner, nil
}
