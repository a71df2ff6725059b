// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package synclog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// APIKey grants an actor access to one partition.
type APIKey struct {
	KeyID       string
	Name        string
	SecretHash  string
	PartitionID string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// HashAPIKeySecret returns the stored form of an api key secret.
func HashAPIKeySecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

// CreateAPIKey mints a new api key for a partition and returns it together
// with its plaintext secret. The secret is not recoverable afterwards.
func (db *DB) CreateAPIKey(ctx context.Context, name, partition string) (_ APIKey, secret string, err error) {
	defer mon.Task()(&ctx)(&err)

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, "", Error.Wrap(err)
	}
	secret = hex.EncodeToString(raw)

	keyID := make([]byte, 8)
	if _, err := rand.Read(keyID); err != nil {
		return APIKey{}, "", Error.Wrap(err)
	}

	key := APIKey{
		KeyID:       hex.EncodeToString(keyID),
		Name:        name,
		SecretHash:  HashAPIKeySecret(secret),
		PartitionID: SanitizePartition(partition),
		CreatedAt:   db.nowFn(),
	}
	_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
		INSERT INTO sync_api_keys (key_id, name, secret_hash, partition_id, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		key.KeyID, key.Name, key.SecretHash, key.PartitionID, key.CreatedAt)
	if err != nil {
		return APIKey{}, "", Error.Wrap(err)
	}
	return key, secret, nil
}

// GetAPIKey returns an api key by id, or nil when it does not exist.
func (db *DB) GetAPIKey(ctx context.Context, keyID string) (_ *APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	key := APIKey{KeyID: keyID}
	var revoked sql.NullTime
	err = db.db.QueryRowContext(ctx, db.adapter.Rebind(`
		SELECT name, secret_hash, partition_id, created_at, revoked_at
		FROM sync_api_keys WHERE key_id = ?`),
		keyID).
		Scan(&key.Name, &key.SecretHash, &key.PartitionID, &key.CreatedAt, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, Error.Wrap(err)
	}
	if revoked.Valid {
		key.RevokedAt = &revoked.Time
	}
	return &key, nil
}

// RevokeAPIKey marks an api key as revoked. Revoking an unknown or already
// revoked key is a no-op.
func (db *DB) RevokeAPIKey(ctx context.Context, keyID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.adapter.Rebind(`
		UPDATE sync_api_keys SET revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`),
		db.nowFn(), keyID)
	return Error.Wrap(err)
}
