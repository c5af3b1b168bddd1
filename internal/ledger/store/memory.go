package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	"impactledger/pkg/platform/sentinel"
	txcontext "impactledger/pkg/platform/tx"
)

// InMemory holds the whole ledger state behind one RWMutex: organizations,
// donations, the org -> donation index, the owner and the custodial total.
//
// Writers hold the lock for an entire RunInTx callback. Calls made with the
// callback's context (including reentrant calls from a payout) join the held
// section instead of locking again. Readers outside a section take RLock and
// get copies.
type InMemory struct {
	mu             sync.RWMutex
	owner          id.Identity
	orgs           map[id.Identity]*models.Organization
	orgOrder       []id.Identity
	donations      []*models.Donation // donations[i].ID == i+1
	lastDonationID id.DonationID
	byOrg          map[id.Identity][]id.DonationID
	custodial      decimal.Decimal
}

// NewInMemory creates an empty ledger owned by owner.
func NewInMemory(owner id.Identity) *InMemory {
	return &InMemory{
		owner:     owner,
		orgs:      make(map[id.Identity]*models.Organization),
		byOrg:     make(map[id.Identity][]id.DonationID),
		custodial: decimal.Zero,
	}
}

// RunInTx runs fn as the single writer. Effects are applied in place, so fn
// must validate before it mutates; there is no automatic rollback.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txcontext.HoldsLock(ctx, s) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(txcontext.WithLock(ctx, s))
}

func (s *InMemory) readLock(ctx context.Context) func() {
	if txcontext.HoldsLock(ctx, s) {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *InMemory) Owner(ctx context.Context) (id.Identity, error) {
	defer s.readLock(ctx)()
	if s.owner.IsNil() {
		return id.NullIdentity, sentinel.ErrNotFound
	}
	return s.owner, nil
}

// SetOwner replaces the owner and returns the previous one.
func (s *InMemory) SetOwner(ctx context.Context, owner id.Identity) (id.Identity, error) {
	var previous id.Identity
	err := s.RunInTx(ctx, func(context.Context) error {
		previous = s.owner
		s.owner = owner
		return nil
	})
	return previous, err
}

// CreateOrganization inserts org, failing with ErrAlreadyUsed if the identity exists.
func (s *InMemory) CreateOrganization(ctx context.Context, org *models.Organization) error {
	return s.RunInTx(ctx, func(context.Context) error {
		if _, ok := s.orgs[org.Identity]; ok {
			return sentinel.ErrAlreadyUsed
		}
		s.orgs[org.Identity] = org.Clone()
		s.orgOrder = append(s.orgOrder, org.Identity)
		return nil
	})
}

func (s *InMemory) FindOrganization(ctx context.Context, org id.Identity) (*models.Organization, error) {
	defer s.readLock(ctx)()
	o, ok := s.orgs[org]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *InMemory) ListOrganizations(ctx context.Context) ([]id.Identity, error) {
	defer s.readLock(ctx)()
	return append([]id.Identity{}, s.orgOrder...), nil
}

// ExecuteOrganization validates and mutates an organization atomically.
// validate sees a copy; mutate runs only if validate returns nil. The
// custodial total follows any change to the organization's pending balance.
func (s *InMemory) ExecuteOrganization(
	ctx context.Context,
	org id.Identity,
	validate func(*models.Organization) error,
	mutate func(*models.Organization),
) (*models.Organization, error) {
	var out *models.Organization
	err := s.RunInTx(ctx, func(context.Context) error {
		current, ok := s.orgs[org]
		if !ok {
			return sentinel.ErrNotFound
		}
		working := current.Clone()
		if validate != nil {
			if err := validate(working); err != nil {
				return err
			}
		}
		before := current.Pending()
		mutate(working)
		s.custodial = s.custodial.Add(working.Pending().Sub(before))
		s.orgs[org] = working
		out = working.Clone()
		return nil
	})
	return out, err
}

// AppendDonation assigns the next id, stores the donation, extends the
// organization's index and credits its received total in one step.
func (s *InMemory) AppendDonation(ctx context.Context, d *models.Donation) (*models.Donation, error) {
	var out *models.Donation
	err := s.RunInTx(ctx, func(context.Context) error {
		org, ok := s.orgs[d.Organization]
		if !ok {
			return sentinel.ErrNotFound
		}
		stored := d.Clone()
		stored.ID = s.lastDonationID + 1

		credited := org.Clone()
		credited.ApplyCredit(stored.Amount, stored.CreatedAt)

		s.lastDonationID = stored.ID
		s.donations = append(s.donations, stored)
		s.byOrg[stored.Organization] = append(s.byOrg[stored.Organization], stored.ID)
		s.orgs[stored.Organization] = credited
		s.custodial = s.custodial.Add(stored.Amount)
		out = stored.Clone()
		return nil
	})
	return out, err
}

func (s *InMemory) FindDonation(ctx context.Context, donationID id.DonationID) (*models.Donation, error) {
	defer s.readLock(ctx)()
	d, ok := s.donationAt(donationID)
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return d.Clone(), nil
}

func (s *InMemory) ListDonations(ctx context.Context) ([]id.DonationID, error) {
	defer s.readLock(ctx)()
	ids := make([]id.DonationID, len(s.donations))
	for i, d := range s.donations {
		ids[i] = d.ID
	}
	return ids, nil
}

func (s *InMemory) ListDonationsByOrganization(ctx context.Context, org id.Identity) ([]id.DonationID, error) {
	defer s.readLock(ctx)()
	return append([]id.DonationID{}, s.byOrg[org]...), nil
}

// ExecuteDonation validates and mutates a donation atomically.
func (s *InMemory) ExecuteDonation(
	ctx context.Context,
	donationID id.DonationID,
	validate func(*models.Donation) error,
	mutate func(*models.Donation),
) (*models.Donation, error) {
	var out *models.Donation
	err := s.RunInTx(ctx, func(context.Context) error {
		current, ok := s.donationAt(donationID)
		if !ok {
			return sentinel.ErrNotFound
		}
		working := current.Clone()
		if validate != nil {
			if err := validate(working); err != nil {
				return err
			}
		}
		mutate(working)
		s.donations[donationID-1] = working
		out = working.Clone()
		return nil
	})
	return out, err
}

// CustodialBalance is the sum of all pending balances.
func (s *InMemory) CustodialBalance(ctx context.Context) (decimal.Decimal, error) {
	defer s.readLock(ctx)()
	return s.custodial, nil
}

func (s *InMemory) donationAt(donationID id.DonationID) (*models.Donation, bool) {
	if donationID.IsNil() || uint64(donationID) > uint64(len(s.donations)) {
		return nil, false
	}
	return s.donations[donationID-1], true
}
