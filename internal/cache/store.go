package cache

import (
	"context"
	"time"

	"authserver/internal/db"
	"authserver/internal/logging"
)

// CachedStore decorates a db.Store with read-through caching for the two
// hottest lookups. Cache failures degrade to the database; they never fail a
// request.
type CachedStore struct {
	db.Store
	cache     Cache
	clientTTL time.Duration
	logger    *logging.Logger
}

func NewCachedStore(store db.Store, cache Cache, clientTTL time.Duration, logger *logging.Logger) *CachedStore {
	return &CachedStore{
		Store:     store,
		cache:     cache,
		clientTTL: clientTTL,
		logger:    logger,
	}
}

func (s *CachedStore) GetClientByID(ctx context.Context, clientID string) (*db.Client, error) {
	if client, err := s.cache.GetClient(ctx, clientID); err == nil {
		return client, nil
	} else if !IsCacheMiss(err) {
		s.logger.WithError(err).Warn("client cache read failed")
	}

	client, err := s.Store.GetClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetClient(ctx, client, s.clientTTL); err != nil {
		s.logger.WithError(err).Warn("client cache write failed")
	}
	return client, nil
}

func (s *CachedStore) UpdateClient(ctx context.Context, client *db.Client) error {
	if err := s.Store.UpdateClient(ctx, client); err != nil {
		return err
	}
	s.invalidateClient(ctx, client.ClientID)
	return nil
}

func (s *CachedStore) RevokeClient(ctx context.Context, clientID string) error {
	if err := s.Store.RevokeClient(ctx, clientID); err != nil {
		return err
	}
	s.invalidateClient(ctx, clientID)
	return nil
}

func (s *CachedStore) BlacklistToken(ctx context.Context, entry *db.BlacklistedToken) error {
	if err := s.Store.BlacklistToken(ctx, entry); err != nil {
		return err
	}
	if err := s.cache.MarkBlacklisted(ctx, entry.TokenHash, time.Until(entry.ExpiresAt)); err != nil {
		s.logger.WithError(err).Warn("blacklist cache write failed")
	}
	return nil
}

func (s *CachedStore) IsTokenBlacklisted(ctx context.Context, tokenHash string) (bool, error) {
	if banned, err := s.cache.IsBlacklisted(ctx, tokenHash); err == nil && banned {
		return true, nil
	}
	return s.Store.IsTokenBlacklisted(ctx, tokenHash)
}

func (s *CachedStore) invalidateClient(ctx context.Context, clientID string) {
	if err := s.cache.InvalidateClient(ctx, clientID); err != nil {
		s.logger.WithError(err).Warn("client cache invalidation failed")
	}
}
