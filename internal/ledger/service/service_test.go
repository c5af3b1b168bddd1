package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"impactledger/internal/ledger/metrics"
	"impactledger/internal/ledger/models"
	"impactledger/internal/ledger/service/mocks"
	"impactledger/internal/ledger/store"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/requestcontext"
)

// =============================================================================
// Ledger Service Test Suite
// =============================================================================
// Runs against the in-memory store with mocked payout and publisher so the
// accounting invariants, access rules and the withdrawal protocol can be
// checked without infrastructure.

var (
	owner    = id.MustParseIdentity("0x1000000000000000000000000000000000000001")
	owner2   = id.MustParseIdentity("0x1000000000000000000000000000000000000002")
	orgA     = id.MustParseIdentity("0x2000000000000000000000000000000000000001")
	orgB     = id.MustParseIdentity("0x2000000000000000000000000000000000000002")
	donor    = id.MustParseIdentity("0x3000000000000000000000000000000000000001")
	outsider = id.MustParseIdentity("0x4000000000000000000000000000000000000001")
)

type LedgerServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	payout    *mocks.MockPayout
	publisher *mocks.MockPublisher
	store     *store.InMemory
	metrics   *metrics.Metrics
	service   *Service
	ctx       context.Context

	mu     sync.Mutex
	events []models.Event
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func (s *LedgerServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.payout = mocks.NewMockPayout(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.store = store.NewInMemory(owner)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.events = nil
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e models.Event) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.events = append(s.events, e)
			return nil
		}).AnyTimes()

	var err error
	s.service, err = New(s.store, s.payout,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPublisher(s.publisher),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func (s *LedgerServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *LedgerServiceSuite) eventTypes() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *LedgerServiceSuite) lastEvent() models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().NotEmpty(s.events)
	return s.events[len(s.events)-1]
}

func (s *LedgerServiceSuite) register(org id.Identity, name string) {
	_, err := s.service.Register(s.ctx, RegisterRequest{Name: name}, org)
	s.Require().NoError(err)
}

func (s *LedgerServiceSuite) registerApproved(org id.Identity, name string) {
	s.register(org, name)
	s.Require().NoError(s.service.Approve(s.ctx, org, true, owner))
}

func (s *LedgerServiceSuite) donate(org id.Identity, amount int64) id.DonationID {
	donationID, err := s.service.Donate(s.ctx, org, decimal.NewFromInt(amount), "", donor)
	s.Require().NoError(err)
	return donationID
}

func (s *LedgerServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.Require().True(dErrors.HasCode(err, code), "expected %s, got %v", code, err)
}

// requireConserved checks pending + withdrawn == received for org.
func (s *LedgerServiceSuite) requireConserved(org id.Identity) {
	o, err := s.service.GetOrganization(s.ctx, org)
	s.Require().NoError(err)
	pending, err := s.service.PendingWithdrawal(s.ctx, org)
	s.Require().NoError(err)
	s.True(pending.Add(o.TotalWithdrawn).Equal(o.TotalReceived),
		"pending %s + withdrawn %s != received %s", pending, o.TotalWithdrawn, o.TotalReceived)
	s.False(pending.IsNegative())
}

func (s *LedgerServiceSuite) requirePending(org id.Identity, want int64) {
	pending, err := s.service.PendingWithdrawal(s.ctx, org)
	s.Require().NoError(err)
	s.True(pending.Equal(decimal.NewFromInt(want)), "pending = %s, want %d", pending, want)
}

// =============================================================================
// Constructor
// =============================================================================

func (s *LedgerServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, s.payout)
		s.Require().Error(err)
		s.Contains(err.Error(), "ledger store is required")
	})

	s.Run("nil payout returns error", func() {
		_, err := New(s.store, nil)
		s.Require().Error(err)
		s.Contains(err.Error(), "payout is required")
	})

	s.Run("with options applies options", func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		svc, err := New(s.store, s.payout, WithLogger(logger), WithPublisher(s.publisher))
		s.Require().NoError(err)
		s.Equal(logger, svc.logger)
		s.Equal(s.publisher, svc.publisher)
	})
}

// =============================================================================
// Scenarios
// =============================================================================

func (s *LedgerServiceSuite) TestScenario_DonationLifecycle() {
	orgID, err := s.service.Register(s.ctx, RegisterRequest{
		Name:        "Alpha Relief",
		Description: "desc",
	}, orgA)
	s.Require().NoError(err)
	s.Equal(orgA, orgID)

	org, err := s.service.GetOrganization(s.ctx, orgA)
	s.Require().NoError(err)
	s.False(org.Approved)

	_, err = s.service.Donate(s.ctx, orgA, decimal.NewFromInt(100), "hi", donor)
	s.requireCode(err, dErrors.CodeNotApproved)

	s.Require().NoError(s.service.Approve(s.ctx, orgA, true, owner))

	donationID, err := s.service.Donate(s.ctx, orgA, decimal.NewFromInt(100), "hi", donor)
	s.Require().NoError(err)
	s.Equal(id.DonationID(1), donationID)

	org, err = s.service.GetOrganization(s.ctx, orgA)
	s.Require().NoError(err)
	s.True(org.TotalReceived.Equal(decimal.NewFromInt(100)))
	s.requirePending(orgA, 100)

	s.payout.EXPECT().Payout(gomock.Any(), orgA, decimal.NewFromInt(40)).Return(nil)
	s.Require().NoError(s.service.Withdraw(s.ctx, decimal.NewFromInt(40), orgA))

	org, err = s.service.GetOrganization(s.ctx, orgA)
	s.Require().NoError(err)
	s.True(org.TotalWithdrawn.Equal(decimal.NewFromInt(40)))
	s.requirePending(orgA, 60)

	s.Require().NoError(s.service.AddProof(s.ctx, 1, "cidXYZ", orgA))
	s.requireCode(s.service.AddProof(s.ctx, 1, "other", orgA), dErrors.CodeConflict)

	d, err := s.service.GetDonation(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal("cidXYZ", d.ProofRef)

	s.Equal([]models.EventType{
		models.EventOrganizationRegistered,
		models.EventOrganizationApproval,
		models.EventDonationRecorded,
		models.EventWithdrawalRecorded,
		models.EventProofAttached,
	}, s.eventTypes())
}

func (s *LedgerServiceSuite) TestScenario_OwnershipTransfer() {
	s.register(orgA, "Alpha Relief")

	s.Require().NoError(s.service.TransferOwnership(s.ctx, owner2, owner))

	current, err := s.service.Owner(s.ctx)
	s.Require().NoError(err)
	s.Equal(owner2, current)

	err = s.service.Approve(s.ctx, orgA, true, owner)
	s.requireCode(err, dErrors.CodeForbidden)

	s.Require().NoError(s.service.Approve(s.ctx, orgA, true, owner2))

	event := s.lastEvent()
	s.Equal(models.EventOrganizationApproval, event.Type)
}

// =============================================================================
// Registry
// =============================================================================

func (s *LedgerServiceSuite) TestRegister() {
	s.Run("duplicate registration is a conflict and keeps the original", func() {
		s.register(orgA, "Alpha Relief")

		_, err := s.service.Register(s.ctx, RegisterRequest{Name: "Impostor"}, orgA)
		s.requireCode(err, dErrors.CodeConflict)

		org, err := s.service.GetOrganization(s.ctx, orgA)
		s.Require().NoError(err)
		s.Equal("Alpha Relief", org.Name)
	})

	s.Run("blank name is a validation error", func() {
		_, err := s.service.Register(s.ctx, RegisterRequest{Name: "   "}, orgB)
		s.requireCode(err, dErrors.CodeValidation)

		_, err = s.service.GetOrganization(s.ctx, orgB)
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("null caller is unauthorized", func() {
		_, err := s.service.Register(s.ctx, RegisterRequest{Name: "Nobody"}, id.NullIdentity)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("new organizations start pending with zero totals", func() {
		org, err := s.service.GetOrganization(s.ctx, orgA)
		s.Require().NoError(err)
		s.False(org.Approved)
		s.True(org.TotalReceived.IsZero())
		s.True(org.TotalWithdrawn.IsZero())
	})

	s.Run("list keeps registration order", func() {
		s.register(orgB, "Beta Aid")
		ids, err := s.service.ListOrganizations(s.ctx)
		s.Require().NoError(err)
		s.Equal([]id.Identity{orgA, orgB}, ids)
	})
}

func (s *LedgerServiceSuite) TestApprove() {
	s.register(orgA, "Alpha Relief")

	s.Run("non-owner is forbidden", func() {
		s.requireCode(s.service.Approve(s.ctx, orgA, true, outsider), dErrors.CodeForbidden)
	})

	s.Run("null caller is unauthorized", func() {
		s.requireCode(s.service.Approve(s.ctx, orgA, true, id.NullIdentity), dErrors.CodeUnauthorized)
	})

	s.Run("unknown organization is not found", func() {
		s.requireCode(s.service.Approve(s.ctx, orgB, true, owner), dErrors.CodeNotFound)
	})

	s.Run("approval toggles and is idempotent", func() {
		s.Require().NoError(s.service.Approve(s.ctx, orgA, true, owner))
		s.Require().NoError(s.service.Approve(s.ctx, orgA, true, owner))
		org, err := s.service.GetOrganization(s.ctx, orgA)
		s.Require().NoError(err)
		s.True(org.Approved)

		s.Require().NoError(s.service.Approve(s.ctx, orgA, false, owner))
		org, err = s.service.GetOrganization(s.ctx, orgA)
		s.Require().NoError(err)
		s.False(org.Approved)

		event := s.lastEvent()
		payload, ok := event.Payload.(models.OrganizationApproval)
		s.Require().True(ok)
		s.Equal(orgA, payload.OrgID)
		s.False(payload.Approved)
	})
}

// =============================================================================
// Donations
// =============================================================================

func (s *LedgerServiceSuite) TestDonate() {
	s.registerApproved(orgA, "Alpha Relief")
	s.register(orgB, "Beta Aid")

	s.Run("pending organization is not approved and leaves no trace", func() {
		_, err := s.service.Donate(s.ctx, orgB, decimal.NewFromInt(5), "", donor)
		s.requireCode(err, dErrors.CodeNotApproved)

		org, err := s.service.GetOrganization(s.ctx, orgB)
		s.Require().NoError(err)
		s.True(org.TotalReceived.IsZero())
		ids, err := s.service.ListDonations(s.ctx)
		s.Require().NoError(err)
		s.Empty(ids)
	})

	s.Run("unknown organization is not found", func() {
		_, err := s.service.Donate(s.ctx, outsider, decimal.NewFromInt(5), "", donor)
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.Run("non-positive amounts are validation errors", func() {
		_, err := s.service.Donate(s.ctx, orgA, decimal.Zero, "", donor)
		s.requireCode(err, dErrors.CodeValidation)
		_, err = s.service.Donate(s.ctx, orgA, decimal.NewFromInt(-3), "", donor)
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("amounts beyond the ledger precision are validation errors", func() {
		before, err := s.service.CustodialBalance(s.ctx)
		s.Require().NoError(err)

		for _, raw := range []string{"1e-20000000", "0.0000000000000000001", "1e31"} {
			_, err := s.service.Donate(s.ctx, orgA, decimal.RequireFromString(raw), "", donor)
			s.requireCode(err, dErrors.CodeValidation)
		}

		after, err := s.service.CustodialBalance(s.ctx)
		s.Require().NoError(err)
		s.True(before.Equal(after))
		s.Equal(before.Exponent(), after.Exponent(), "rejected amounts leave the balance scale untouched")
	})

	s.Run("null donor is unauthorized", func() {
		_, err := s.service.Donate(s.ctx, orgA, decimal.NewFromInt(1), "", id.NullIdentity)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("failed calls never consume ids", func() {
		first := s.donate(orgA, 10)
		_, err := s.service.Donate(s.ctx, orgB, decimal.NewFromInt(10), "", donor)
		s.requireCode(err, dErrors.CodeNotApproved)
		second := s.donate(orgA, 20)

		s.Equal(id.DonationID(1), first)
		s.Equal(id.DonationID(2), second)
	})

	s.Run("donation record carries the call's fields", func() {
		donationID, err := s.service.Donate(s.ctx, orgA, decimal.RequireFromString("2.5"), "for wells", donor)
		s.Require().NoError(err)

		d, err := s.service.GetDonation(s.ctx, donationID)
		s.Require().NoError(err)
		s.Equal(donor, d.Donor)
		s.Equal(orgA, d.Organization)
		s.True(d.Amount.Equal(decimal.RequireFromString("2.5")))
		s.Equal("for wells", d.Message)
		s.Empty(d.ProofRef)
		s.Equal(requestcontext.Now(s.ctx), d.CreatedAt)

		payload, ok := s.lastEvent().Payload.(models.DonationRecorded)
		s.Require().True(ok)
		s.Equal(donationID, payload.DonationID)
		s.Equal("for wells", payload.Message)
	})

	s.Run("id zero and unassigned ids are not found", func() {
		_, err := s.service.GetDonation(s.ctx, id.NoDonation)
		s.requireCode(err, dErrors.CodeNotFound)
		_, err = s.service.GetDonation(s.ctx, 999)
		s.requireCode(err, dErrors.CodeNotFound)
	})

	s.requireConserved(orgA)
}

func (s *LedgerServiceSuite) TestListDonationsByOrganization() {
	s.registerApproved(orgA, "Alpha Relief")
	s.registerApproved(orgB, "Beta Aid")

	pattern := []id.Identity{orgA, orgB, orgB, orgA, orgA, orgB}
	for i, org := range pattern {
		s.donate(org, int64(i+1))
	}

	all, err := s.service.ListDonations(s.ctx)
	s.Require().NoError(err)
	s.Len(all, len(pattern))

	for _, org := range []id.Identity{orgA, orgB} {
		var want []id.DonationID
		for _, donationID := range all {
			d, err := s.service.GetDonation(s.ctx, donationID)
			s.Require().NoError(err)
			if d.Organization == org {
				want = append(want, donationID)
			}
		}
		got, err := s.service.ListDonationsByOrganization(s.ctx, org)
		s.Require().NoError(err)
		s.Equal(want, got)
	}

	unknown, err := s.service.ListDonationsByOrganization(s.ctx, outsider)
	s.Require().NoError(err)
	s.Empty(unknown)

	pending, err := s.service.PendingWithdrawal(s.ctx, outsider)
	s.Require().NoError(err)
	s.True(pending.IsZero())

	balance, err := s.service.CustodialBalance(s.ctx)
	s.Require().NoError(err)
	s.True(balance.Equal(decimal.NewFromInt(21)))
}

// =============================================================================
// Withdrawals
// =============================================================================

func (s *LedgerServiceSuite) TestWithdraw_Checks() {
	s.registerApproved(orgA, "Alpha Relief")
	s.register(orgB, "Beta Aid")
	s.donate(orgA, 50)

	s.Run("amount above pending is insufficient funds and changes nothing", func() {
		err := s.service.Withdraw(s.ctx, decimal.NewFromInt(51), orgA)
		s.requireCode(err, dErrors.CodeInsufficientFunds)

		org, err := s.service.GetOrganization(s.ctx, orgA)
		s.Require().NoError(err)
		s.True(org.TotalWithdrawn.IsZero())
		s.requirePending(orgA, 50)
	})

	s.Run("non-positive amount is a validation error", func() {
		s.requireCode(s.service.Withdraw(s.ctx, decimal.Zero, orgA), dErrors.CodeValidation)
	})

	s.Run("amounts beyond the ledger precision are validation errors", func() {
		s.requireCode(s.service.Withdraw(s.ctx, decimal.RequireFromString("1e-20000000"), orgA), dErrors.CodeValidation)
		s.requireCode(s.service.Withdraw(s.ctx, decimal.RequireFromString("1e31"), orgA), dErrors.CodeValidation)
		s.requirePending(orgA, 50)
	})

	s.Run("pending organization is forbidden", func() {
		s.requireCode(s.service.Withdraw(s.ctx, decimal.NewFromInt(1), orgB), dErrors.CodeForbidden)
	})

	s.Run("unregistered caller is forbidden", func() {
		s.requireCode(s.service.Withdraw(s.ctx, decimal.NewFromInt(1), outsider), dErrors.CodeForbidden)
	})

	s.Run("full pending balance can be withdrawn", func() {
		s.payout.EXPECT().Payout(gomock.Any(), orgA, decimal.NewFromInt(50)).Return(nil)
		s.Require().NoError(s.service.Withdraw(s.ctx, decimal.NewFromInt(50), orgA))
		s.requirePending(orgA, 0)
	})

	s.requireConserved(orgA)
}

func (s *LedgerServiceSuite) TestWithdraw_PayoutFailureIsCompensated() {
	s.registerApproved(orgA, "Alpha Relief")
	s.donate(orgA, 100)
	before := len(s.eventTypes())

	var pendingDuringPayout decimal.Decimal
	s.payout.EXPECT().Payout(gomock.Any(), orgA, decimal.NewFromInt(30)).
		DoAndReturn(func(ctx context.Context, _ id.Identity, _ decimal.Decimal) error {
			pending, err := s.service.PendingWithdrawal(ctx, orgA)
			s.Require().NoError(err)
			pendingDuringPayout = pending
			return errors.New("custodian unavailable")
		})

	err := s.service.Withdraw(s.ctx, decimal.NewFromInt(30), orgA)
	s.requireCode(err, dErrors.CodeTransferFailed)

	s.True(pendingDuringPayout.Equal(decimal.NewFromInt(70)))
	org, err := s.service.GetOrganization(s.ctx, orgA)
	s.Require().NoError(err)
	s.True(org.TotalWithdrawn.IsZero())
	s.requirePending(orgA, 100)
	s.requireConserved(orgA)

	s.Len(s.eventTypes(), before, "no event for a failed withdrawal")
	s.InDelta(1, testutil.ToFloat64(s.metrics.Compensations), 0)
	s.InDelta(1, testutil.ToFloat64(s.metrics.PayoutFailures), 0)
}

func (s *LedgerServiceSuite) TestWithdraw_ReentrantCallSeesDebit() {
	s.registerApproved(orgA, "Alpha Relief")
	s.donate(orgA, 100)

	var reentrantErr error
	s.payout.EXPECT().Payout(gomock.Any(), orgA, decimal.NewFromInt(80)).
		DoAndReturn(func(ctx context.Context, to id.Identity, _ decimal.Decimal) error {
			reentrantErr = s.service.Withdraw(ctx, decimal.NewFromInt(80), to)
			return nil
		})

	s.Require().NoError(s.service.Withdraw(s.ctx, decimal.NewFromInt(80), orgA))

	s.requireCode(reentrantErr, dErrors.CodeInsufficientFunds)
	s.requirePending(orgA, 20)
	s.requireConserved(orgA)
}

func (s *LedgerServiceSuite) TestWithdraw_ReadersNeverSeeUnsettledDebit() {
	s.registerApproved(orgA, "Alpha Relief")
	s.donate(orgA, 100)

	inPayout := make(chan struct{})
	release := make(chan struct{})
	s.payout.EXPECT().Payout(gomock.Any(), orgA, decimal.NewFromInt(25)).
		DoAndReturn(func(context.Context, id.Identity, decimal.Decimal) error {
			close(inPayout)
			<-release
			return errors.New("declined")
		})

	done := make(chan error, 1)
	go func() {
		done <- s.service.Withdraw(s.ctx, decimal.NewFromInt(25), orgA)
	}()
	<-inPayout

	observed := make(chan decimal.Decimal, 1)
	go func() {
		pending, err := s.service.PendingWithdrawal(context.Background(), orgA)
		if err == nil {
			observed <- pending
		}
	}()

	select {
	case <-observed:
		close(release)
		<-done
		s.FailNow("reader completed while the payout was unresolved")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	s.requireCode(<-done, dErrors.CodeTransferFailed)

	select {
	case pending := <-observed:
		s.True(pending.Equal(decimal.NewFromInt(100)))
	case <-time.After(time.Second):
		s.FailNow("reader never completed")
	}
}

// =============================================================================
// Proofs
// =============================================================================

func (s *LedgerServiceSuite) TestAddProof() {
	s.registerApproved(orgA, "Alpha Relief")
	s.registerApproved(orgB, "Beta Aid")
	donationID := s.donate(orgA, 10)

	s.Run("unknown donation is not found", func() {
		s.requireCode(s.service.AddProof(s.ctx, 99, "cid", orgA), dErrors.CodeNotFound)
		s.requireCode(s.service.AddProof(s.ctx, id.NoDonation, "cid", orgA), dErrors.CodeNotFound)
	})

	s.Run("other organization is forbidden", func() {
		s.requireCode(s.service.AddProof(s.ctx, donationID, "cid", orgB), dErrors.CodeForbidden)
	})

	s.Run("recipient that lost approval is forbidden", func() {
		s.Require().NoError(s.service.Approve(s.ctx, orgA, false, owner))
		s.requireCode(s.service.AddProof(s.ctx, donationID, "cid", orgA), dErrors.CodeForbidden)
		s.Require().NoError(s.service.Approve(s.ctx, orgA, true, owner))
	})

	s.Run("blank reference is a validation error", func() {
		s.requireCode(s.service.AddProof(s.ctx, donationID, "  ", orgA), dErrors.CodeValidation)
	})

	s.Run("proof is written exactly once", func() {
		s.Require().NoError(s.service.AddProof(s.ctx, donationID, "ipfs://first", orgA))
		s.requireCode(s.service.AddProof(s.ctx, donationID, "ipfs://second", orgA), dErrors.CodeConflict)

		d, err := s.service.GetDonation(s.ctx, donationID)
		s.Require().NoError(err)
		s.Equal("ipfs://first", d.ProofRef)
	})
}

// =============================================================================
// Ownership
// =============================================================================

func (s *LedgerServiceSuite) TestTransferOwnership() {
	s.Run("non-owner is forbidden", func() {
		s.requireCode(s.service.TransferOwnership(s.ctx, owner2, outsider), dErrors.CodeForbidden)
	})

	s.Run("null new owner is a validation error", func() {
		s.requireCode(s.service.TransferOwnership(s.ctx, id.NullIdentity, owner), dErrors.CodeValidation)
		current, err := s.service.Owner(s.ctx)
		s.Require().NoError(err)
		s.Equal(owner, current)
	})

	s.Run("transfer emits previous and new owner", func() {
		s.Require().NoError(s.service.TransferOwnership(s.ctx, owner2, owner))
		payload, ok := s.lastEvent().Payload.(models.OwnershipTransferred)
		s.Require().True(ok)
		s.Equal(owner, payload.PreviousOwner)
		s.Equal(owner2, payload.NewOwner)
	})
}

// commitFailingStore runs on the in-memory store and, once failCommit is set,
// reports a commit error for every outermost transaction after fn succeeds.
// active reports whether a transaction is running.
type commitFailingStore struct {
	*store.InMemory
	failCommit bool
	active     bool
}

func (c *commitFailingStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.InMemory.RunInTx(ctx, func(ctx context.Context) error {
		c.active = true
		defer func() { c.active = false }()
		return fn(ctx)
	})
	if err != nil {
		return err
	}
	if c.failCommit {
		return errors.New("commit ledger tx: connection reset")
	}
	return nil
}

type recordingCustody struct {
	store    *commitFailingStore
	balance  decimal.Decimal
	deposits []bool
}

func (c *recordingCustody) Deposit(amount decimal.Decimal) {
	c.balance = c.balance.Add(amount)
	c.deposits = append(c.deposits, c.store.active)
}

func (c *recordingCustody) Reclaim(amount decimal.Decimal) {
	c.balance = c.balance.Sub(amount)
}

func (s *LedgerServiceSuite) TestDonate_CreditsCustodyInsideWriterSection() {
	st := &commitFailingStore{InMemory: s.store}
	custody := &recordingCustody{store: st, balance: decimal.Zero}
	svc, err := New(st, s.payout, WithCustody(custody))
	s.Require().NoError(err)
	_, err = svc.Register(s.ctx, RegisterRequest{Name: "Alpha Relief"}, orgA)
	s.Require().NoError(err)
	s.Require().NoError(svc.Approve(s.ctx, orgA, true, owner))

	s.Run("recorded donation is in custody before the section ends", func() {
		_, err := svc.Donate(s.ctx, orgA, decimal.NewFromInt(25), "", donor)
		s.Require().NoError(err)
		s.Equal([]bool{true}, custody.deposits)
		s.True(custody.balance.Equal(decimal.NewFromInt(25)))
	})

	s.Run("rejected donation never reaches custody", func() {
		_, err := svc.Donate(s.ctx, orgA, decimal.Zero, "", donor)
		s.requireCode(err, dErrors.CodeValidation)
		s.Len(custody.deposits, 1)
	})

	s.Run("failed commit reclaims the deposit", func() {
		st.failCommit = true
		defer func() { st.failCommit = false }()
		_, err := svc.Donate(s.ctx, orgA, decimal.NewFromInt(10), "", donor)
		s.Require().Error(err)
		s.Len(custody.deposits, 2)
		s.True(custody.balance.Equal(decimal.NewFromInt(25)))
	})
}

func (s *LedgerServiceSuite) TestAmountAttributeSkipsOutOfRangeAmounts() {
	s.Equal("invalid", amountAttribute(decimal.RequireFromString("1e-20000000")).Value.AsString())
	s.Equal("invalid", amountAttribute(decimal.RequireFromString("1e20000000")).Value.AsString())
	s.Equal("2.5", amountAttribute(decimal.RequireFromString("2.5")).Value.AsString())
}

func (s *LedgerServiceSuite) TestWithdraw_CommitFailureAfterPayoutIsReported() {
	st := &commitFailingStore{InMemory: s.store}
	var logs bytes.Buffer
	svc, err := New(st, s.payout,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithPublisher(s.publisher),
		WithMetrics(s.metrics),
	)
	s.Require().NoError(err)

	_, err = svc.Register(s.ctx, RegisterRequest{Name: "Alpha Relief"}, orgA)
	s.Require().NoError(err)
	s.Require().NoError(svc.Approve(s.ctx, orgA, true, owner))
	_, err = svc.Donate(s.ctx, orgA, decimal.NewFromInt(100), "", donor)
	s.Require().NoError(err)
	before := len(s.eventTypes())

	s.payout.EXPECT().Payout(gomock.Any(), orgA, decimal.NewFromInt(40)).Return(nil)
	st.failCommit = true
	err = svc.Withdraw(requestcontext.WithRequestID(s.ctx, "req-9"), decimal.NewFromInt(40), orgA)

	s.requireCode(err, dErrors.CodePayoutUnrecorded)
	s.InDelta(1, testutil.ToFloat64(s.metrics.UnrecordedPayouts), 0)
	s.InDelta(0, testutil.ToFloat64(s.metrics.Compensations), 0)
	s.Len(s.eventTypes(), before, "no withdrawal event without a committed debit")
	s.Contains(logs.String(), "level=ERROR")
	s.Contains(logs.String(), "withdrawal_payout_unrecorded")
	s.Contains(logs.String(), "request_id=req-9")
}

func (s *LedgerServiceSuite) TestWithdraw_CommitFailureWithoutPayoutIsNotReported() {
	st := &commitFailingStore{InMemory: s.store}
	svc, err := New(st, s.payout, WithMetrics(s.metrics))
	s.Require().NoError(err)
	_, err = svc.Register(s.ctx, RegisterRequest{Name: "Alpha Relief"}, orgA)
	s.Require().NoError(err)
	s.Require().NoError(svc.Approve(s.ctx, orgA, true, owner))

	st.failCommit = true
	err = svc.Withdraw(s.ctx, decimal.NewFromInt(1), orgA)
	s.requireCode(err, dErrors.CodeInsufficientFunds)
	s.InDelta(0, testutil.ToFloat64(s.metrics.UnrecordedPayouts), 0)
}

// =============================================================================
// Events
// =============================================================================

func (s *LedgerServiceSuite) TestPublishFailureDoesNotFailOperation() {
	ctrl := gomock.NewController(s.T())
	failing := mocks.NewMockPublisher(ctrl)
	failing.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).AnyTimes()

	svc, err := New(s.store, s.payout, WithPublisher(failing), WithMetrics(s.metrics))
	s.Require().NoError(err)

	_, err = svc.Register(s.ctx, RegisterRequest{Name: "Alpha Relief"}, orgA)
	s.Require().NoError(err)

	_, err = svc.GetOrganization(s.ctx, orgA)
	s.Require().NoError(err)
	s.InDelta(1, testutil.ToFloat64(
		s.metrics.EventPublishErrors.WithLabelValues(string(models.EventOrganizationRegistered))), 0)
}

func (s *LedgerServiceSuite) TestEventsCarryRequestID() {
	ctx := requestcontext.WithRequestID(s.ctx, "req-123")
	_, err := s.service.Register(ctx, RegisterRequest{Name: "Alpha Relief"}, orgA)
	s.Require().NoError(err)

	event := s.lastEvent()
	s.Equal("req-123", event.RequestID)
	s.Equal(requestcontext.Now(s.ctx), event.OccurredAt)
}
