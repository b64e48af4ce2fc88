package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	TenantID   string
	APIKeyHash string
	CanSubmit  bool
}

// prefixLen is how much of a key is stored in clear for lookup.
const prefixLen = 12

type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, api_key_hash, can_submit
		FROM tenant_api_keys
		WHERE api_key_prefix = $1 AND revoked_at IS NULL
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.TenantID, &r.APIKeyHash, &r.CanSubmit); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against tenant_api_keys. It fails
// closed: a database error rejects the request.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *KeyCache
	logger *zap.Logger
}

type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewKeyCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Tenant, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cached := a.cache.Get(token)
	if cached.Hit {
		if cached.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cached.Tenant, nil
	}

	tenant, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}
	a.cache.Set(token, tenant)
	return tenant, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Tenant, error) {
	if len(token) < prefixLen {
		return nil, ErrUnauthenticated
	}

	row, err := a.store.LookupByPrefix(ctx, token[:prefixLen])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}
	return &Tenant{TenantID: row.TenantID, CanSubmit: row.CanSubmit}, nil
}

// refreshInBackground re-checks an expired key. A key that no longer
// authenticates is evicted; a database error keeps the stale entry.
func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tenant, err := a.authenticateFromDB(ctx, token)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		a.cache.Delete(token)
		a.logger.Info("revoked API key evicted")
	case err != nil:
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Set(token, a.cache.Get(token).Tenant)
	default:
		a.cache.Set(token, tenant)
	}
}

// HashKey returns the bcrypt hash and lookup prefix to store for a new key.
func HashKey(token string) (hash, prefix string, err error) {
	if len(token) < prefixLen || len(token) <= len(KeyPrefix) {
		return "", "", ErrUnauthenticated
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("HashKey: %w", err)
	}
	return string(h), token[:prefixLen], nil
}
