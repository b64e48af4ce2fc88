// Package auth resolves the calling tenant from its API key. The tenant a
// request acts for always comes from here, never from the request body.
package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every tenant API key.
const KeyPrefix = "tsk_"

// Authenticator validates incoming requests and returns the caller's tenant.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Tenant, error)
}

// Tenant is an authenticated caller.
type Tenant struct {
	TenantID string
	// CanSubmit allows SubmitTool. Keys without it may only run and list.
	CanSubmit bool
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a tenant API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	return ParseBearer(values[0])
}

// ParseBearer strips the scheme from an Authorization value and checks the
// key prefix.
func ParseBearer(header string) (string, error) {
	token := strings.TrimPrefix(header, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= len(KeyPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}
