// Copyright (C) 2025 Driftsync Labs.
// See LICENSE for copying information.

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/shared/lrucache"
	"github.com/driftsync/driftsync/synclog"
)

// APIKeyAuthenticator authenticates requests with "Authorization: Bearer
// <keyId>.<secret>" against the api key table. Lookups are cached briefly;
// a revoked key stops working within the cache expiration.
type APIKeyAuthenticator struct {
	log   *zap.Logger
	db    *synclog.DB
	cache *lrucache.ExpiringLRUOf[*synclog.APIKey]
}

// NewAPIKeyAuthenticator creates an APIKeyAuthenticator.
func NewAPIKeyAuthenticator(log *zap.Logger, db *synclog.DB) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		log: log,
		db:  db,
		cache: lrucache.NewOf[*synclog.APIKey](lrucache.Options{
			Expiration: 30 * time.Second,
			Capacity:   1000,
			Name:       "api-keys",
		}),
	}
}

// Authenticate implements AuthenticateFunc.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, nil
	}
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok {
		return nil, nil
	}

	key, err := a.cache.Get(r.Context(), keyID, func() (*synclog.APIKey, error) {
		return a.db.GetAPIKey(r.Context(), keyID)
	})
	if err != nil {
		return nil, err
	}
	if key == nil || key.RevokedAt != nil {
		return nil, nil
	}
	if subtle.ConstantTimeCompare(
		[]byte(key.SecretHash), []byte(synclog.HashAPIKeySecret(secret))) != 1 {
		a.log.Debug("api key secret mismatch", zap.String("key_id", keyID))
		return nil, nil
	}

	return &Identity{ActorID: key.Name, Partition: key.PartitionID}, nil
}

// DevHeaderAuthenticate trusts the X-Actor-Id header. For local
// development and tests only.
func DevHeaderAuthenticate(r *http.Request) (*Identity, error) {
	actorID := r.Header.Get("X-Actor-Id")
	if actorID == "" {
		return nil, nil
	}
	return &Identity{ActorID: actorID}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}
