package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// testAPIKey is the raw key used in tests.
const testAPIKey = "tsk_acme_valid_key_1234567890"

// testHash hashes testAPIKey with MinCost so tests stay fast.
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

type mockStore struct {
	mu        sync.Mutex
	row       *keyRow
	err       error
	callCount atomic.Int32
}

func (m *mockStore) LookupByPrefix(_ context.Context, prefix string) (*keyRow, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if len(prefix) != prefixLen {
		return nil, sql.ErrNoRows
	}
	return m.row, nil
}

func (m *mockStore) set(row *keyRow, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.row, m.err = row, err
}

func authedCtx(key string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+key))
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		header string
		ok     bool
	}{
		{"Bearer tsk_abc", true},
		{"bearer tsk_abc", true},
		{"tsk_abc", true},
		{"Bearer tsk_", false},
		{"Bearer sk_abc", false},
		{"Basic dXNlcg==", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			_, err := ParseBearer(tt.header)
			if (err == nil) != tt.ok {
				t.Fatalf("ParseBearer(%q) err=%v, want ok=%v", tt.header, err, tt.ok)
			}
		})
	}
}

func TestExtractBearerToken_NoMetadata(t *testing.T) {
	if _, err := ExtractBearerToken(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuth_ValidKey(t *testing.T) {
	store := &mockStore{row: &keyRow{TenantID: "acme", APIKeyHash: testHash(t), CanSubmit: true}}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	tenant, err := a.Authenticate(authedCtx(testAPIKey))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if tenant.TenantID != "acme" || !tenant.CanSubmit {
		t.Fatalf("unexpected tenant %+v", tenant)
	}

	// Second call is served from cache.
	if _, err := a.Authenticate(authedCtx(testAPIKey)); err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}
	if n := store.callCount.Load(); n != 1 {
		t.Fatalf("expected 1 DB call, got %d", n)
	}
}

func TestPostgresAuth_WrongKey(t *testing.T) {
	store := &mockStore{row: &keyRow{TenantID: "acme", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	_, err := a.Authenticate(authedCtx("tsk_acme_valid_key_WRONG"))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuth_UnknownPrefix(t *testing.T) {
	store := &mockStore{err: sql.ErrNoRows}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	_, err := a.Authenticate(authedCtx(testAPIKey))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuth_DBErrorFailsClosed(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	a := newPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	tenant, err := a.Authenticate(authedCtx(testAPIKey))
	if err == nil || tenant != nil {
		t.Fatalf("expected an error and no tenant, got %+v %v", tenant, err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Fatal("a database failure should not look like bad credentials")
	}
}

func TestPostgresAuth_RevokedKeyEvictedOnRefresh(t *testing.T) {
	store := &mockStore{row: &keyRow{TenantID: "acme", APIKeyHash: testHash(t)}}
	a := newPostgresAuthenticatorWithStore(store, 10*time.Millisecond, zap.NewNop())

	if _, err := a.Authenticate(authedCtx(testAPIKey)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	store.set(nil, sql.ErrNoRows)
	time.Sleep(20 * time.Millisecond)

	// Stale entry is served while the refresh runs.
	if _, err := a.Authenticate(authedCtx(testAPIKey)); err != nil {
		t.Fatalf("expected stale hit, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.cache.Get(testAPIKey).Hit {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := a.Authenticate(authedCtx(testAPIKey)); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected revoked key to be rejected, got %v", err)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]Tenant{testAPIKey: {TenantID: "acme"}})
	tenant, err := a.Authenticate(authedCtx(testAPIKey))
	if err != nil || tenant.TenantID != "acme" || tenant.CanSubmit {
		t.Fatalf("unexpected result %+v %v", tenant, err)
	}
	if _, err := a.Authenticate(authedCtx("tsk_someone_else")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestHashKey(t *testing.T) {
	hash, prefix, err := HashKey(testAPIKey)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	if prefix != testAPIKey[:prefixLen] {
		t.Fatalf("unexpected prefix %q", prefix)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(testAPIKey)) != nil {
		t.Fatal("hash does not verify")
	}
}
