package auth

import (
	"context"
	"crypto/subtle"
)

// StaticAuthenticator serves a fixed key table, for development and tests.
type StaticAuthenticator struct {
	keys map[string]Tenant
}

// NewStaticAuthenticator takes a map from API key to tenant.
func NewStaticAuthenticator(keys map[string]Tenant) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Tenant, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	for key, tenant := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			t := tenant
			return &t, nil
		}
	}
	return nil, ErrUnauthenticated
}
