package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
	"impactledger/pkg/requestcontext"
)

// Withdraw pays amount out of caller's escrow.
//
// The debit is applied before the payout runs, so any ledger call the payout
// makes with its ctx sees the reduced balance. If the payout fails the debit
// is reversed and a transfer_failed error is returned. The whole sequence
// runs in one writer section; readers never see the debit until the payout
// outcome is settled.
//
// A store that commits after fn returns (PostgreSQL) can fail that commit
// after the payout already moved funds. That case is returned as
// payout_unrecorded, logged as an audit error and counted for reconciliation.
func (s *Service) Withdraw(ctx context.Context, amount decimal.Decimal, caller id.Identity) error {
	ctx, finish := s.begin(ctx, "withdraw",
		attribute.String("org_id", caller.Key()), amountAttribute(amount))
	var paid bool
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.access.RequireApprovedOrg(ctx, caller); err != nil {
			return err
		}
		if err := models.ValidateAmount(amount); err != nil {
			return err
		}
		now := requestcontext.Now(ctx)

		_, err := s.store.ExecuteOrganization(ctx, caller,
			func(o *models.Organization) error { return o.CanDebit(amount) },
			func(o *models.Organization) { o.ApplyDebit(amount, now) },
		)
		if err != nil {
			return translate(err, "organization not found")
		}

		payoutErr := s.payout.Payout(ctx, caller, amount)
		if payoutErr == nil {
			paid = true
			return nil
		}
		if s.metrics != nil {
			s.metrics.IncrementPayoutFailure()
		}
		if err := s.compensate(ctx, caller, amount); err != nil {
			return err
		}
		return dErrors.Wrap(payoutErr, dErrors.CodeTransferFailed, "payout failed")
	})
	if err != nil && paid {
		err = s.reportUnrecordedPayout(ctx, caller, amount, err)
	}
	finish(err)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.AddWithdrawn(amountFloat(amount))
	}
	s.emit(ctx, models.WithdrawalRecorded{OrgID: caller, Amount: amount},
		"org_id", caller.String(), "amount", amount.String())
	return nil
}

// compensate reverses a debit whose payout failed.
func (s *Service) compensate(ctx context.Context, org id.Identity, amount decimal.Decimal) error {
	now := requestcontext.Now(ctx)
	_, err := s.store.ExecuteOrganization(ctx, org,
		func(o *models.Organization) error { return o.CanReverseDebit(amount) },
		func(o *models.Organization) { o.ApplyDebitReversal(amount, now) },
	)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "failed to reverse withdrawal debit",
				"org_id", org.String(),
				"amount", amount.String(),
				"error", err,
			)
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to reverse withdrawal debit")
	}
	if s.metrics != nil {
		s.metrics.IncrementCompensation()
	}
	s.logAudit(ctx, "withdrawal_reversed", "org_id", org.String(), "amount", amount.String())
	return nil
}

// reportUnrecordedPayout flags a payout whose debit did not commit. Custody
// has already paid out while the ledger still shows the amount as pending.
func (s *Service) reportUnrecordedPayout(ctx context.Context, org id.Identity, amount decimal.Decimal, commitErr error) error {
	if s.metrics != nil {
		s.metrics.IncrementUnrecordedPayout()
	}
	if s.logger != nil {
		attrs := []any{
			"event", "withdrawal_payout_unrecorded",
			"log_type", "audit",
			"org_id", org.String(),
			"amount", amount.String(),
			"error", commitErr,
		}
		if requestID := requestcontext.RequestID(ctx); requestID != "" {
			attrs = append(attrs, "request_id", requestID)
		}
		s.logger.ErrorContext(ctx, "withdrawal_payout_unrecorded", attrs...)
	}
	return dErrors.Wrap(commitErr, dErrors.CodePayoutUnrecorded, "payout completed but the withdrawal was not recorded")
}
