package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// PostgresBackend stores profiles as JSON documents in PostgreSQL.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// Migrate creates the profile table if it does not exist.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS safety_profiles (
			user_id TEXT PRIMARY KEY,
			risk_level TEXT NOT NULL,
			consent TEXT NOT NULL,
			document JSONB NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL
		)`
	if _, err := b.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate safety_profiles: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Load(ctx context.Context, userID string) (contracts.UserSafetyProfile, error) {
	row := b.db.QueryRowContext(ctx, "SELECT document FROM safety_profiles WHERE user_id = $1", userID)

	var doc []byte
	err := row.Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.UserSafetyProfile{}, contracts.ErrProfileNotFound
	}
	if err != nil {
		return contracts.UserSafetyProfile{}, fmt.Errorf("failed to load profile: %w", err)
	}

	var p contracts.UserSafetyProfile
	if err := json.Unmarshal(doc, &p); err != nil {
		return contracts.UserSafetyProfile{}, fmt.Errorf("failed to decode profile %s: %w", userID, err)
	}
	return p, nil
}

func (b *PostgresBackend) Save(ctx context.Context, p contracts.UserSafetyProfile) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	query := `
		INSERT INTO safety_profiles (user_id, risk_level, consent, document, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			risk_level = EXCLUDED.risk_level,
			consent = EXCLUDED.consent,
			document = EXCLUDED.document,
			last_updated = EXCLUDED.last_updated
	`
	_, err = b.db.ExecContext(ctx, query, p.UserID, string(p.RiskLevel), string(p.Consent), doc, p.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to persist profile: %w", err)
	}
	return nil
}
