// Package pg implements donation.Service on Postgres. Per-id serialization
// of transitions relies on row locks (select ... for update), so two
// concurrent claims on the same donation resolve to one winner exactly as
// the in-memory store does.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"foodrescue.org/internal/donation"
	"foodrescue.org/internal/ids"
)

type Store struct {
	db *sql.DB
}

var _ donation.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests use sqlmock through this).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const donationColumns = `id, donor_name, donor_phone, category, quantity_kg, description,
	latitude, longitude, address, status, created_at, expires_at, assigned_handler_id, assigned_at`

func (s *Store) Create(ctx context.Context, draft donation.Draft) (donation.Donation, error) {
	now := time.Now().UTC()
	if err := draft.Validate(now); err != nil {
		return donation.Donation{}, err
	}

	d := donation.Donation{
		ID:          ids.New(),
		DonorName:   draft.DonorName,
		DonorPhone:  draft.DonorPhone,
		Category:    draft.Category,
		QuantityKg:  draft.QuantityKg,
		Description: draft.Description,
		Latitude:    draft.Latitude,
		Longitude:   draft.Longitude,
		Address:     draft.Address,
		Status:      donation.StatusAvailable,
		CreatedAt:   now,
		ExpiresAt:   draft.ExpiresAt.UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		insert into donations
			(id, donor_name, donor_phone, category, quantity_kg, description,
			 latitude, longitude, address, status, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, d.ID, d.DonorName, d.DonorPhone, string(d.Category), d.QuantityKg, d.Description,
		d.Latitude, d.Longitude, d.Address, string(d.Status), d.CreatedAt, d.ExpiresAt)
	if err != nil {
		return donation.Donation{}, wrapErr(err)
	}
	return d, nil
}

func (s *Store) Get(ctx context.Context, id string) (donation.Donation, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+donationColumns+` from donations where id=$1`, id)
	d, err := scanDonation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.Donation{}, donation.ErrNotFound
	}
	if err != nil {
		return donation.Donation{}, wrapErr(err)
	}
	return d, nil
}

func (s *Store) Transition(ctx context.Context, id string, target donation.Status, actor string) (donation.Donation, error) {
	if !target.Valid() {
		return donation.Donation{}, fmt.Errorf("%w: unknown status %q", donation.ErrInvalidTransition, target)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return donation.Donation{}, wrapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`select `+donationColumns+` from donations where id=$1 for update`, id)
	d, err := scanDonation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return donation.Donation{}, donation.ErrNotFound
	}
	if err != nil {
		return donation.Donation{}, wrapErr(err)
	}

	now := time.Now().UTC()
	if !donation.CanTransition(d.Status, target) {
		return donation.Donation{}, staleErr(d.Status, target)
	}
	if target == donation.StatusAssigned && d.Lapsed(now) {
		return donation.Donation{}, staleErr(d.Status, target)
	}
	handler := d.AssignedHandlerID
	if target == donation.StatusAssigned {
		handler = actor
	}
	if donation.RequiresHandler(target) && handler == "" {
		return donation.Donation{}, staleErr(d.Status, target)
	}

	d.Status = target
	switch target {
	case donation.StatusAssigned:
		d.AssignedHandlerID = actor
		at := now
		d.AssignedAt = &at
	case donation.StatusCancelled:
		d.AssignedHandlerID = ""
		d.AssignedAt = nil
	}

	var handlerArg, assignedAt any
	if d.AssignedHandlerID != "" {
		handlerArg = d.AssignedHandlerID
	}
	if d.AssignedAt != nil {
		assignedAt = *d.AssignedAt
	}
	if _, err := tx.ExecContext(ctx, `
		update donations
		set status=$2, assigned_handler_id=$3, assigned_at=$4
		where id=$1
	`, d.ID, string(d.Status), handlerArg, assignedAt); err != nil {
		return donation.Donation{}, wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return donation.Donation{}, wrapErr(err)
	}
	return d, nil
}

func (s *Store) ListActive(ctx context.Context, f donation.Filter) ([]donation.Donation, error) {
	query := `select ` + donationColumns + ` from donations
		where status=$1 and expires_at > now()`
	args := []any{string(donation.StatusAvailable)}
	if f.Category != "" {
		args = append(args, string(f.Category))
		query += ` and category=$2`
	}
	if f.UrgentOnly {
		query += ` and expires_at < now() + interval '120 minutes'`
	}
	query += ` order by expires_at asc, id asc`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collect(rows)
}

func (s *Store) ListLapsed(ctx context.Context) ([]donation.Donation, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+donationColumns+` from donations
		where status=$1 and expires_at <= now()
		order by id asc
	`, string(donation.StatusAvailable))
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	return collect(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDonation(row rowScanner) (donation.Donation, error) {
	var d donation.Donation
	var category, status string
	var handler sql.NullString
	var assignedAt sql.NullTime
	err := row.Scan(&d.ID, &d.DonorName, &d.DonorPhone, &category, &d.QuantityKg,
		&d.Description, &d.Latitude, &d.Longitude, &d.Address, &status,
		&d.CreatedAt, &d.ExpiresAt, &handler, &assignedAt)
	if err != nil {
		return donation.Donation{}, err
	}
	d.Category = donation.FoodCategory(category)
	d.Status = donation.Status(status)
	if handler.Valid {
		d.AssignedHandlerID = handler.String
	}
	if assignedAt.Valid {
		at := assignedAt.Time.UTC()
		d.AssignedAt = &at
	}
	return d, nil
}

func collect(rows *sql.Rows) ([]donation.Donation, error) {
	out := make([]donation.Donation, 0)
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

func staleErr(from, to donation.Status) error {
	return fmt.Errorf("%w: %s -> %s (stale state, re-fetch current status)", donation.ErrInvalidTransition, from, to)
}

// wrapErr maps driver deadline errors onto the service taxonomy so callers
// can retry reads with backoff.
func wrapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", donation.ErrTimeout, err)
	}
	return err
}
