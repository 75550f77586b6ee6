package storage

import (
	"database/sql"
	"fmt"
)

// LoadCredential returns the persisted platform credential, or ErrNotFound.
func (s *Store) LoadCredential() (Credential, error) {
	var c Credential
	var expiresAt sql.NullString
	var updatedAt string
	err := s.db.QueryRow(`SELECT access_token, refresh_token, expires_at, updated_at FROM credentials WHERE id = 1`).
		Scan(&c.AccessToken, &c.RefreshToken, &expiresAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	exp, err := parseNullTime(expiresAt)
	if err != nil {
		return Credential{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if exp != nil {
		c.ExpiresAt = *exp
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Credential{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// SaveCredential replaces the persisted platform credential.
func (s *Store) SaveCredential(c Credential) error {
	var expiresAt any
	if !c.ExpiresAt.IsZero() {
		expiresAt = formatTime(c.ExpiresAt)
	}
	_, err := s.db.Exec(`
		INSERT INTO credentials (id, access_token, refresh_token, expires_at, updated_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET access_token = excluded.access_token,
			refresh_token = excluded.refresh_token, expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.AccessToken, c.RefreshToken, expiresAt, formatTime(s.now()),
	)
	return err
}
