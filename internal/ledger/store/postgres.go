package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"impactledger/internal/ledger/models"
	id "impactledger/pkg/domain"
	"impactledger/pkg/platform/sentinel"
	txcontext "impactledger/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

// writerLockKey is the pg_advisory_xact_lock key that serializes ledger writers.
const writerLockKey int64 = 0x1ed6e7

const uniqueViolation = "23505"

// PostgresStore persists the ledger in PostgreSQL.
//
// RunInTx opens a transaction and takes a transaction-scoped advisory lock,
// so writers are serialized across processes. The transaction travels in the
// context; nested calls with that context reuse it. Readers outside a
// transaction only ever see committed state.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed ledger store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// Bootstrap sets the initial owner unless one is already recorded.
func (s *PostgresStore) Bootstrap(ctx context.Context, owner id.Identity) error {
	if owner.IsNil() {
		return fmt.Errorf("bootstrap owner is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_owner (singleton, identity) VALUES (TRUE, $1) ON CONFLICT (singleton) DO NOTHING`,
		owner.Key())
	if err != nil {
		return fmt.Errorf("bootstrap owner: %w", err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) conn(ctx context.Context) queryer {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn inside the serialized writer transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}
	// The tx outlives caller cancellation; otherwise database/sql rolls it
	// back on cancel, after a payout may already have moved funds.
	tx, err := s.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockKey); err != nil {
		return fmt.Errorf("acquire ledger writer lock: %w", err)
	}
	if err = fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Owner(ctx context.Context) (id.Identity, error) {
	var raw string
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT identity FROM ledger_owner WHERE singleton`).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return id.NullIdentity, sentinel.ErrNotFound
		}
		return id.NullIdentity, fmt.Errorf("find owner: %w", err)
	}
	return parseStoredIdentity(raw)
}

func (s *PostgresStore) SetOwner(ctx context.Context, owner id.Identity) (id.Identity, error) {
	var previous id.Identity
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		var raw string
		q := s.conn(ctx)
		err := q.QueryRowContext(ctx, `SELECT identity FROM ledger_owner WHERE singleton FOR UPDATE`).Scan(&raw)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock owner: %w", err)
		}
		if raw != "" {
			if previous, err = parseStoredIdentity(raw); err != nil {
				return err
			}
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO ledger_owner (singleton, identity) VALUES (TRUE, $1)
			 ON CONFLICT (singleton) DO UPDATE SET identity = EXCLUDED.identity`,
			owner.Key())
		if err != nil {
			return fmt.Errorf("set owner: %w", err)
		}
		return nil
	})
	return previous, err
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	return s.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.conn(ctx).ExecContext(ctx, `
			INSERT INTO organizations (
				identity, name, metadata_ref, description, website, contact,
				approved, total_received, total_withdrawn, registered_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			org.Identity.Key(), org.Name, org.MetadataRef, org.Description, org.Website, org.Contact,
			org.Approved, org.TotalReceived, org.TotalWithdrawn, org.RegisteredAt, org.UpdatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return sentinel.ErrAlreadyUsed
			}
			return fmt.Errorf("insert organization: %w", err)
		}
		return nil
	})
}

const organizationColumns = `identity, name, metadata_ref, description, website, contact,
	approved, total_received, total_withdrawn, registered_at, updated_at`

func (s *PostgresStore) FindOrganization(ctx context.Context, org id.Identity) (*models.Organization, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE identity = $1`, org.Key())
	return scanOrganization(row)
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]id.Identity, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT identity FROM organizations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()
	out := []id.Identity{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan organization identity: %w", err)
		}
		identity, err := parseStoredIdentity(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, identity)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ExecuteOrganization(
	ctx context.Context,
	org id.Identity,
	validate func(*models.Organization) error,
	mutate func(*models.Organization),
) (*models.Organization, error) {
	var out *models.Organization
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		current, err := scanOrganization(q.QueryRowContext(ctx,
			`SELECT `+organizationColumns+` FROM organizations WHERE identity = $1 FOR UPDATE`, org.Key()))
		if err != nil {
			return err
		}
		if validate != nil {
			if err := validate(current); err != nil {
				return err
			}
		}
		mutate(current)
		_, err = q.ExecContext(ctx, `
			UPDATE organizations
			SET approved = $2, total_received = $3, total_withdrawn = $4, updated_at = $5
			WHERE identity = $1`,
			org.Key(), current.Approved, current.TotalReceived, current.TotalWithdrawn, current.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update organization: %w", err)
		}
		out = current
		return nil
	})
	return out, err
}

func (s *PostgresStore) AppendDonation(ctx context.Context, d *models.Donation) (*models.Donation, error) {
	var out *models.Donation
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		res, err := q.ExecContext(ctx, `
			UPDATE organizations
			SET total_received = total_received + $2, updated_at = $3
			WHERE identity = $1`,
			d.Organization.Key(), d.Amount, d.CreatedAt)
		if err != nil {
			return fmt.Errorf("credit organization: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("credit organization: %w", err)
		} else if n == 0 {
			return sentinel.ErrNotFound
		}

		var next int64
		err = q.QueryRowContext(ctx,
			`UPDATE ledger_counters SET value = value + 1 WHERE name = 'donation_id' RETURNING value`).Scan(&next)
		if err != nil {
			return fmt.Errorf("allocate donation id: %w", err)
		}

		stored := d.Clone()
		stored.ID = id.DonationID(next)
		_, err = q.ExecContext(ctx, `
			INSERT INTO donations (id, donor, organization, amount, message, proof_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			next, stored.Donor.Key(), stored.Organization.Key(), stored.Amount,
			stored.Message, stored.ProofRef, stored.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert donation: %w", err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO organization_donations (organization, position, donation_id)
			VALUES ($1, $2, $2)`,
			stored.Organization.Key(), next)
		if err != nil {
			return fmt.Errorf("index donation: %w", err)
		}
		out = stored
		return nil
	})
	return out, err
}

const donationColumns = `id, donor, organization, amount, message, proof_ref, created_at`

func (s *PostgresStore) FindDonation(ctx context.Context, donationID id.DonationID) (*models.Donation, error) {
	if donationID.IsNil() {
		return nil, sentinel.ErrNotFound
	}
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT `+donationColumns+` FROM donations WHERE id = $1`, int64(donationID))
	return scanDonation(row)
}

func (s *PostgresStore) ListDonations(ctx context.Context) ([]id.DonationID, error) {
	return s.listIDs(ctx, `SELECT id FROM donations ORDER BY id`)
}

func (s *PostgresStore) ListDonationsByOrganization(ctx context.Context, org id.Identity) ([]id.DonationID, error) {
	return s.listIDs(ctx,
		`SELECT donation_id FROM organization_donations WHERE organization = $1 ORDER BY position`, org.Key())
}

func (s *PostgresStore) ExecuteDonation(
	ctx context.Context,
	donationID id.DonationID,
	validate func(*models.Donation) error,
	mutate func(*models.Donation),
) (*models.Donation, error) {
	if donationID.IsNil() {
		return nil, sentinel.ErrNotFound
	}
	var out *models.Donation
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		current, err := scanDonation(q.QueryRowContext(ctx,
			`SELECT `+donationColumns+` FROM donations WHERE id = $1 FOR UPDATE`, int64(donationID)))
		if err != nil {
			return err
		}
		if validate != nil {
			if err := validate(current); err != nil {
				return err
			}
		}
		mutate(current)
		if _, err := q.ExecContext(ctx,
			`UPDATE donations SET proof_ref = $2 WHERE id = $1`, int64(donationID), current.ProofRef); err != nil {
			return fmt.Errorf("update donation: %w", err)
		}
		out = current
		return nil
	})
	return out, err
}

func (s *PostgresStore) CustodialBalance(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_received - total_withdrawn), 0) FROM organizations`).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum custodial balance: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) listIDs(ctx context.Context, query string, args ...any) ([]id.DonationID, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list donations: %w", err)
	}
	defer rows.Close()
	out := []id.DonationID{}
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan donation id: %w", err)
		}
		out = append(out, id.DonationID(n))
	}
	return out, rows.Err()
}

func scanOrganization(row *sql.Row) (*models.Organization, error) {
	var (
		o                       models.Organization
		rawID                   string
		registeredAt, updatedAt time.Time
	)
	err := row.Scan(&rawID, &o.Name, &o.MetadataRef, &o.Description, &o.Website, &o.Contact,
		&o.Approved, &o.TotalReceived, &o.TotalWithdrawn, &registeredAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	identity, err := parseStoredIdentity(rawID)
	if err != nil {
		return nil, err
	}
	o.Identity = identity
	o.RegisteredAt = registeredAt.UTC()
	o.UpdatedAt = updatedAt.UTC()
	return &o, nil
}

func scanDonation(row *sql.Row) (*models.Donation, error) {
	var (
		d                models.Donation
		n                int64
		rawDonor, rawOrg string
	)
	err := row.Scan(&n, &rawDonor, &rawOrg, &d.Amount, &d.Message, &d.ProofRef, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan donation: %w", err)
	}
	d.ID = id.DonationID(n)
	if d.Donor, err = parseStoredIdentity(rawDonor); err != nil {
		return nil, err
	}
	if d.Organization, err = parseStoredIdentity(rawOrg); err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

func parseStoredIdentity(raw string) (id.Identity, error) {
	identity, err := id.ParseIdentity(raw)
	if err != nil {
		return id.NullIdentity, fmt.Errorf("stored identity %q: %w", raw, err)
	}
	return identity, nil
}
