package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefixLen is the number of leading characters of a generated secret
// used as the indexed lookup prefix (spec.md §4.7 step 2).
const APIKeyPrefixLen = 20

// bcryptCost is fixed at 12 per spec.md §3's "cost-12 adaptive hash".
const bcryptCost = 12

// apiKeySecretBytes is the amount of randomness in a generated secret,
// encoded as hex for a fixed, prefix-friendly length.
const apiKeySecretBytes = 24

// ErrAPIKeyNotFound is returned when no active key matches a lookup.
var ErrAPIKeyNotFound = errors.New("api key not found")

// ApiKey is the C8 domain entity backing C7's authentication.
type ApiKey struct {
	ID         string
	Name       string
	KeyPrefix  string
	RateLimit  *int
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive reports whether the key has not been revoked.
func (k *ApiKey) IsActive() bool {
	return k.RevokedAt == nil
}

const apiKeyColumns = `id, name, key_prefix, rate_limit, revoked_at, last_used_at, created_at, updated_at`

func scanAPIKey(row pgx.Row) (*ApiKey, error) {
	var k ApiKey
	if err := row.Scan(&k.ID, &k.Name, &k.KeyPrefix, &k.RateLimit, &k.RevokedAt, &k.LastUsedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey generates a new secret, stores its bcrypt hash and prefix,
// and returns both the plaintext (shown once, never retrievable again) and
// the stored record. rateLimit of nil falls back to the configured default
// at validation time.
func (s *Store) CreateAPIKey(ctx context.Context, name string, rateLimit *int) (plaintext string, key *ApiKey, err error) {
	raw := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generating api key secret: %w", err)
	}
	plaintext = "smsgw_" + hex.EncodeToString(raw)
	prefix := plaintext
	if len(prefix) > APIKeyPrefixLen {
		prefix = prefix[:APIKeyPrefixLen]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (name, key_prefix, key_hash, rate_limit)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+apiKeyColumns,
		name, prefix, string(hash), rateLimit,
	)
	key, err = scanAPIKey(row)
	if err != nil {
		return "", nil, fmt.Errorf("inserting api key: %w", err)
	}
	return plaintext, key, nil
}

// FindByPrefixAndVerify implements spec.md §4.7 steps 2-3: look up the
// unique active key by its first APIKeyPrefixLen characters, then verify
// the full secret against the stored bcrypt hash. Returns ErrAPIKeyNotFound
// for both "no such prefix" and "hash mismatch" so callers never learn which
// failed (spec.md §7: auth errors never reveal which check failed).
func (s *Store) FindByPrefixAndVerify(ctx context.Context, plaintext string) (*ApiKey, error) {
	if len(plaintext) < APIKeyPrefixLen {
		return nil, ErrAPIKeyNotFound
	}
	prefix := plaintext[:APIKeyPrefixLen]

	var hash string
	var key ApiKey
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, key_prefix, key_hash, rate_limit, revoked_at, last_used_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`,
		prefix,
	).Scan(&key.ID, &key.Name, &key.KeyPrefix, &hash, &key.RateLimit, &key.RevokedAt, &key.LastUsedAt, &key.CreatedAt, &key.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) != nil {
		return nil, ErrAPIKeyNotFound
	}
	return &key, nil
}

// TouchLastUsed updates an api key's last_used_at. Callers invoke this from
// a bounded background worker (see internal/apikey) rather than inline on
// the request path, per spec.md §9's replacement for fire-and-forget updates.
func (s *Store) TouchLastUsed(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("touching api key last_used_at: %w", err)
	}
	return nil
}

// RevokeAPIKey soft-deletes a key by setting revoked_at; the row stays, so
// historical messages keep their api_key_id and are never cascade-deleted.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now(), updated_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]ApiKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var out []ApiKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}
