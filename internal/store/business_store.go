package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/calldesk/internal/domain"
)

// SQLiteBusinessStore implements BusinessStore on SQLite. The full profile
// is kept as JSON; id, phone and active are columns for lookup.
type SQLiteBusinessStore struct {
	db *DB
}

// NewSQLiteBusinessStore creates a business store using the given database.
func NewSQLiteBusinessStore(db *DB) *SQLiteBusinessStore {
	return &SQLiteBusinessStore{db: db}
}

// Resolve finds the active business whose number matches destination.
func (s *SQLiteBusinessStore) Resolve(ctx context.Context, destination string) (*domain.BusinessContext, error) {
	phone := domain.NormalizePhone(destination)
	if phone == "" {
		return nil, fmt.Errorf("business for %q: %w", destination, domain.ErrNotFound)
	}
	return s.queryOne(ctx, `SELECT profile, active FROM businesses WHERE phone = ? AND active = 1`, phone)
}

// Get returns a business by id, active or not.
func (s *SQLiteBusinessStore) Get(ctx context.Context, businessID string) (*domain.BusinessContext, error) {
	return s.queryOne(ctx, `SELECT profile, active FROM businesses WHERE id = ?`, businessID)
}

func (s *SQLiteBusinessStore) queryOne(ctx context.Context, q string, arg string) (*domain.BusinessContext, error) {
	var profile string
	var active bool
	err := s.db.sql.QueryRowContext(ctx, q, arg).Scan(&profile, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("business %s: %w", arg, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading business %s: %w", arg, err)
	}
	return decodeBusiness(profile, active)
}

func decodeBusiness(profile string, active bool) (*domain.BusinessContext, error) {
	var b domain.BusinessContext
	if err := json.Unmarshal([]byte(profile), &b); err != nil {
		return nil, fmt.Errorf("decoding business profile: %w", err)
	}
	b.Active = active
	return &b, nil
}

// Upsert inserts or replaces a business profile.
func (s *SQLiteBusinessStore) Upsert(ctx context.Context, b domain.BusinessContext) error {
	b.ApplyDefaults()
	if err := b.Validate(); err != nil {
		return err
	}
	profile, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding business %s: %w", b.BusinessID, err)
	}

	_, err = s.db.sql.ExecContext(ctx,
		`INSERT INTO businesses (id, name, phone, category, active, profile, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   phone = excluded.phone,
		   category = excluded.category,
		   active = excluded.active,
		   profile = excluded.profile,
		   updated_at = excluded.updated_at`,
		b.BusinessID, b.Name, domain.NormalizePhone(b.PhoneNumber), string(b.Category), b.Active,
		string(profile), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upserting business %s: %w", b.BusinessID, err)
	}
	return nil
}

// List returns every business ordered by id.
func (s *SQLiteBusinessStore) List(ctx context.Context) ([]domain.BusinessContext, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT profile, active FROM businesses ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing businesses: %w", err)
	}
	defer rows.Close()

	var out []domain.BusinessContext
	for rows.Next() {
		var profile string
		var active bool
		if err := rows.Scan(&profile, &active); err != nil {
			return nil, fmt.Errorf("scanning business: %w", err)
		}
		b, err := decodeBusiness(profile, active)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
