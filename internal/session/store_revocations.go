package session

import (
	"context"
	"time"
)

type tokenTable interface {
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	Ping(ctx context.Context) error
}

// StoreRevocations keeps revoked tokens in the primary database. It is used
// when no Redis URL is configured.
type StoreRevocations struct {
	Table tokenTable
}

func (s StoreRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	return s.Table.RevokeAccessToken(ctx, jti, expiresAt)
}

func (s StoreRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return s.Table.IsAccessTokenRevoked(ctx, jti)
}

func (s StoreRevocations) Ping(ctx context.Context) error {
	return s.Table.Ping(ctx)
}
