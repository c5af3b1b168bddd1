// Package service implements the ledger operations: organization registry,
// donations and escrow accounting, withdrawals, proof attachment and
// ownership.
//
// Every mutation runs inside Store.RunInTx, the single writer section, and
// re-checks access inside it. Events are handed to the publisher after the
// section commits; publish failures are logged and counted only.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"impactledger/internal/ledger/access"
	"impactledger/internal/ledger/metrics"
	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/platform/sentinel"
	"impactledger/pkg/requestcontext"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks impactledger/internal/ledger/service Payout,Publisher

// Store is the ledger state the service mutates. Nested RunInTx calls made
// with the callback's context join the running section.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	Owner(ctx context.Context) (id.Identity, error)
	SetOwner(ctx context.Context, owner id.Identity) (id.Identity, error)

	CreateOrganization(ctx context.Context, org *models.Organization) error
	FindOrganization(ctx context.Context, org id.Identity) (*models.Organization, error)
	ListOrganizations(ctx context.Context) ([]id.Identity, error)
	ExecuteOrganization(ctx context.Context, org id.Identity, validate func(*models.Organization) error, mutate func(*models.Organization)) (*models.Organization, error)

	AppendDonation(ctx context.Context, d *models.Donation) (*models.Donation, error)
	FindDonation(ctx context.Context, donationID id.DonationID) (*models.Donation, error)
	ListDonations(ctx context.Context) ([]id.DonationID, error)
	ListDonationsByOrganization(ctx context.Context, org id.Identity) ([]id.DonationID, error)
	ExecuteDonation(ctx context.Context, donationID id.DonationID, validate func(*models.Donation) error, mutate func(*models.Donation)) (*models.Donation, error)

	CustodialBalance(ctx context.Context) (decimal.Decimal, error)
}

// Payout moves funds out of custody. ctx is the withdrawal's writer context;
// any ledger call made from inside Payout must use it.
type Payout interface {
	Payout(ctx context.Context, to id.Identity, amount decimal.Decimal) error
}

// Custody holds donated funds. Deposit is called inside the writer section
// that records the donation; Reclaim undoes it if that section then fails.
type Custody interface {
	Deposit(amount decimal.Decimal)
	Reclaim(amount decimal.Decimal)
}

// Publisher delivers committed ledger events.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Service orchestrates the ledger.
type Service struct {
	store     Store
	access    *access.Checker
	payout    Payout
	custody   Custody
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithPublisher(publisher Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithCustody credits c with every recorded donation.
func WithCustody(c Custody) Option {
	return func(s *Service) {
		s.custody = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New constructs a Service.
func New(store Store, payout Payout, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	if payout == nil {
		return nil, errors.New("payout is required")
	}
	s := &Service{
		store:  store,
		access: access.New(store),
		payout: payout,
		tracer: otel.Tracer("impactledger/ledger"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// begin starts a span and returns a finisher that records the outcome.
func (s *Service) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger."+operation, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		code := "ok"
		if err != nil {
			code = string(dErrors.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
		span.End()
		if s.metrics != nil {
			s.metrics.IncrementOperation(operation, code)
			s.metrics.ObserveOperation(operation, start)
		}
	}
}

// emit logs the audit line and publishes the event. Call only after commit.
func (s *Service) emit(ctx context.Context, payload models.Payload, attributes ...any) {
	requestID := requestcontext.RequestID(ctx)
	event := models.NewEvent(payload, requestcontext.Now(ctx), requestID)
	s.logAudit(ctx, string(event.Type), append(attributes, "event_id", event.ID.String())...)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to publish ledger event",
				"event", string(event.Type),
				"event_id", event.ID.String(),
				"error", err,
			)
		}
		if s.metrics != nil {
			s.metrics.IncrementPublishError(string(event.Type))
		}
	}
}

func (s *Service) logAudit(ctx context.Context, event string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	args := append(attributes, "event", event, "log_type", "audit")
	if s.logger != nil {
		s.logger.InfoContext(ctx, event, args...)
	}
}

// translate maps store sentinels onto domain errors. Errors that already
// carry a code pass through unchanged.
func translate(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var de *dErrors.Error
	if errors.As(err, &de) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, notFound)
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "record already exists")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, "invalid state")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "ledger store failure")
	}
}

func requireCaller(caller id.Identity) error {
	if caller.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "caller identity is required")
	}
	return nil
}

// amountAttribute renders amount for a span. Amounts that fail validation
// are not rendered, since String expands the full exponent.
func amountAttribute(amount decimal.Decimal) attribute.KeyValue {
	if models.ValidateAmount(amount) != nil {
		return attribute.String("amount", "invalid")
	}
	return attribute.String("amount", amount.String())
}

func amountFloat(amount decimal.Decimal) float64 {
	f, _ := amount.Float64()
	return f
}
