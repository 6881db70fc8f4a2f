package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fourclicks/deployd/pkg/credentials"
	"github.com/fourclicks/deployd/pkg/engine"
)

// CreateCredential creates a new credential record and assigns rec.ID.
func (s *SQLiteStore) CreateCredential(ctx context.Context, rec *credentials.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO credentials (name, kind, bits, fingerprint, encrypted_private_key, public_key,
			passphrase_hint, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		rec.Name,
		rec.Kind,
		rec.Bits,
		rec.Fingerprint,
		rec.EncryptedPrivateKey,
		rec.PublicKey,
		rec.PassphraseHint,
		rec.Active,
		rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return mapWriteError("credential", err)
	}
	return nil
}

const credentialColumns = `id, name, kind, bits, fingerprint, encrypted_private_key, public_key,
	passphrase_hint, active, last_used_at, created_at`

func scanCredential(row interface{ Scan(...any) error }) (*credentials.Record, error) {
	rec := &credentials.Record{}
	var lastUsed sql.NullTime
	err := row.Scan(&rec.ID, &rec.Name, &rec.Kind, &rec.Bits, &rec.Fingerprint, &rec.EncryptedPrivateKey,
		&rec.PublicKey, &rec.PassphraseHint, &rec.Active, &lastUsed, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		rec.LastUsedAt = &lastUsed.Time
	}
	return rec, nil
}

// GetCredential retrieves a credential by ID
func (s *SQLiteStore) GetCredential(ctx context.Context, id int64) (*credentials.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	rec, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("credential", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return rec, nil
}

// ListCredentials lists all credentials ordered by name
func (s *SQLiteStore) ListCredentials(ctx context.Context) ([]*credentials.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*credentials.Record
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FingerprintInUse reports whether a credential other than excludeID has the
// fingerprint.
func (s *SQLiteStore) FingerprintInUse(ctx context.Context, fingerprint string, excludeID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE fingerprint = ? AND id != ?`, fingerprint, excludeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return n > 0, nil
}

// UpdateCredentialKey replaces the key material of a credential.
func (s *SQLiteStore) UpdateCredentialKey(ctx context.Context, rec *credentials.Record) error {
	query := `
		UPDATE credentials
		SET kind = ?, bits = ?, fingerprint = ?, encrypted_private_key = ?, public_key = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.Kind, rec.Bits, rec.Fingerprint, rec.EncryptedPrivateKey, rec.PublicKey, rec.ID)
	if err != nil {
		return mapWriteError("credential", err)
	}
	return expectOne(res, "credential", rec.ID)
}

// TouchCredential sets the last-used timestamp of a credential.
func (s *SQLiteStore) TouchCredential(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET last_used_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return mapWriteError("credential", err)
	}
	return expectOne(res, "credential", id)
}

func expectOne(res sql.Result, entity string, id int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(entity, id)
	}
	return nil
}
