// Package access resolves a caller identity against the ledger's roles:
// owner, registered organization, approved organization.
//
// Checks are read-only. Services call them inside their writer section so a
// check and the mutation it guards see the same state.
package access

import (
	"context"
	"errors"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/platform/sentinel"
)

// View is the slice of ledger state the checks need.
type View interface {
	Owner(ctx context.Context) (id.Identity, error)
	FindOrganization(ctx context.Context, org id.Identity) (*models.Organization, error)
}

// Checker evaluates role predicates.
type Checker struct {
	view View
}

func New(view View) *Checker {
	return &Checker{view: view}
}

func (c *Checker) IsOwner(ctx context.Context, caller id.Identity) (bool, error) {
	if caller.IsNil() {
		return false, nil
	}
	owner, err := c.view.Owner(ctx)
	if err != nil {
		return false, err
	}
	return owner == caller, nil
}

func (c *Checker) IsRegisteredOrg(ctx context.Context, caller id.Identity) (bool, error) {
	_, ok, err := c.lookup(ctx, caller)
	return ok, err
}

func (c *Checker) IsApprovedOrg(ctx context.Context, caller id.Identity) (bool, error) {
	org, ok, err := c.lookup(ctx, caller)
	if err != nil || !ok {
		return false, err
	}
	return org.Approved, nil
}

// RequireOwner fails unless caller is the current owner.
func (c *Checker) RequireOwner(ctx context.Context, caller id.Identity) error {
	if err := requireCaller(caller); err != nil {
		return err
	}
	ok, err := c.IsOwner(ctx, caller)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve owner")
	}
	if !ok {
		return dErrors.New(dErrors.CodeForbidden, "caller is not the owner")
	}
	return nil
}

// RequireRegisteredOrg fails unless caller has an organization record.
func (c *Checker) RequireRegisteredOrg(ctx context.Context, caller id.Identity) (*models.Organization, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	org, ok, err := c.lookup(ctx, caller)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve organization")
	}
	if !ok {
		return nil, dErrors.New(dErrors.CodeForbidden, "caller is not a registered organization")
	}
	return org, nil
}

// RequireApprovedOrg fails unless caller is a registered and approved organization.
func (c *Checker) RequireApprovedOrg(ctx context.Context, caller id.Identity) (*models.Organization, error) {
	org, err := c.RequireRegisteredOrg(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !org.Approved {
		return nil, dErrors.New(dErrors.CodeForbidden, "caller is not an approved organization")
	}
	return org, nil
}

func (c *Checker) lookup(ctx context.Context, caller id.Identity) (*models.Organization, bool, error) {
	if caller.IsNil() {
		return nil, false, nil
	}
	org, err := c.view.FindOrganization(ctx, caller)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return org, true, nil
}

func requireCaller(caller id.Identity) error {
	if caller.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "caller identity is required")
	}
	return nil
}
