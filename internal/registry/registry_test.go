package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

// mockDefinitionStore is a test helper.
type mockDefinitionStore struct {
	row       *toolRow
	rows      []*toolRow
	err       error
	callCount int
	listedFor []string
}

func (m *mockDefinitionStore) LookupTool(_ context.Context, _, _ string) (*toolRow, error) {
	m.callCount++
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func (m *mockDefinitionStore) ListTools(_ context.Context, tenantID string) ([]*toolRow, error) {
	m.listedFor = append(m.listedFor, tenantID)
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func greetRow() *toolRow {
	return &toolRow{
		TenantID:    "acme",
		ToolID:      "greet",
		Name:        "Greeter",
		SourceCode:  "def execute(name=\"World\"):\n    return \"Hello, %s\" % name\n",
		InputSchema: sql.NullString{String: `{"type":"object","properties":{"name":{"type":"string","maxLength":64}}}`, Valid: true},
		Version:     "3",
		ContentHash: "abc",
		Signature:   "def",
		Isolation:   sql.NullString{String: "subprocess", Valid: true},
	}
}

func TestPostgresRegistry_CacheHit(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &mockDefinitionStore{row: greetRow()}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, logger)

	// First call: cache miss
	def, err := reg.LoadTool(context.Background(), "acme", "greet")
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "Greeter" || def.TenantID != "acme" || def.Isolation != "subprocess" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if store.callCount != 1 {
		t.Fatalf("expected 1 DB call, got %d", store.callCount)
	}

	// Second call: cache hit
	if _, err := reg.LoadTool(context.Background(), "acme", "greet"); err != nil {
		t.Fatal(err)
	}
	if store.callCount != 1 {
		t.Fatalf("expected still 1 DB call (cache hit), got %d", store.callCount)
	}

	reg.Forget("acme", "greet")
	if _, err := reg.LoadTool(context.Background(), "acme", "greet"); err != nil {
		t.Fatal(err)
	}
	if store.callCount != 2 {
		t.Fatalf("expected Forget to force a DB call, got %d", store.callCount)
	}
}

func TestPostgresRegistry_NegativeCache(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	store := &mockDefinitionStore{err: sql.ErrNoRows}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, logger)

	for i := 0; i < 2; i++ {
		def, err := reg.LoadTool(context.Background(), "acme", "nonexistent")
		if err != nil || def != nil {
			t.Fatalf("expected nil, nil; got %v, %v", def, err)
		}
	}
	if store.callCount != 1 {
		t.Fatalf("expected 1 DB call (negative cache hit), got %d", store.callCount)
	}
}

func TestPostgresRegistry_ParseSchema(t *testing.T) {
	store := &mockDefinitionStore{row: greetRow()}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	def, err := reg.LoadTool(context.Background(), "acme", "greet")
	if err != nil {
		t.Fatal(err)
	}
	props, ok := def.InputSchema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties object, got %#v", def.InputSchema)
	}
	if props["name"].(map[string]any)["maxLength"] != float64(64) {
		t.Fatalf("unexpected schema %#v", props)
	}
}

func TestPostgresRegistry_DBError(t *testing.T) {
	store := &mockDefinitionStore{err: context.DeadlineExceeded}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	if _, err := reg.LoadTool(context.Background(), "acme", "greet"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped DB error, got %v", err)
	}
	if _, err := reg.LoadAll(context.Background()); err == nil {
		t.Fatal("expected error on DB failure")
	}
}

func TestPostgresRegistry_ListSkipsMalformedRows(t *testing.T) {
	bad := greetRow()
	bad.ToolID = "broken"
	bad.InputSchema = sql.NullString{String: "{not json", Valid: true}
	good := greetRow()
	store := &mockDefinitionStore{rows: []*toolRow{bad, good}}
	reg := newPostgresToolRegistryWithStore(store, 30*time.Second, zap.NewNop())

	defs, err := reg.LoadTenantTools(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].ToolID != "greet" {
		t.Fatalf("expected only the well-formed row, got %+v", defs)
	}
	if _, err := reg.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.listedFor) != 2 || store.listedFor[0] != "acme" || store.listedFor[1] != "" {
		t.Fatalf("unexpected list calls %q", store.listedFor)
	}

	// listing warms the lookup cache
	if _, err := reg.LoadTool(context.Background(), "acme", "greet"); err != nil {
		t.Fatal(err)
	}
	if store.callCount != 0 {
		t.Fatalf("expected cached lookup, got %d DB calls", store.callCount)
	}
}

type fakeDocumentStore struct {
	docs    []toolDocument
	filters []bson.D
}

func matches(doc toolDocument, filter bson.D) bool {
	for _, e := range filter {
		switch e.Key {
		case "tool_id":
			if doc.ToolID != e.Value {
				return false
			}
		case "active":
			if doc.Active != e.Value {
				return false
			}
		case "tenants":
			found := false
			for _, t := range doc.Tenants {
				found = found || t == e.Value
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (f *fakeDocumentStore) FindOne(ctx context.Context, filter bson.D) (*toolDocument, error) {
	docs, _ := f.Find(ctx, filter)
	if len(docs) == 0 {
		return nil, mongo.ErrNoDocuments
	}
	return &docs[0], nil
}

func (f *fakeDocumentStore) Find(_ context.Context, filter bson.D) ([]toolDocument, error) {
	f.filters = append(f.filters, filter)
	var out []toolDocument
	for _, d := range f.docs {
		if matches(d, filter) {
			out = append(out, d)
		}
	}
	return out, nil
}

func TestMongoRegistry(t *testing.T) {
	store := &fakeDocumentStore{docs: []toolDocument{
		{ToolID: "greet", SourceCode: "x", Tenants: []string{"acme", "globex"}, Active: true},
		{ToolID: "retired", SourceCode: "x", Tenants: []string{"acme"}, Active: false},
		{ToolID: "report", Name: "Reporter", SourceCode: "x", Tenants: []string{"globex"}, Active: true},
	}}
	reg := newMongoToolRegistryWithStore(store, zap.NewNop())
	ctx := context.Background()

	def, err := reg.LoadTool(ctx, "acme", "greet")
	if err != nil || def == nil {
		t.Fatalf("LoadTool: %v %v", def, err)
	}
	if def.TenantID != "acme" || def.Name != "greet" {
		t.Fatalf("expected tenant binding and name fallback, got %+v", def)
	}
	if def, err := reg.LoadTool(ctx, "acme", "retired"); err != nil || def != nil {
		t.Fatalf("inactive tools must not load, got %v %v", def, err)
	}
	if def, err := reg.LoadTool(ctx, "acme", "report"); err != nil || def != nil {
		t.Fatalf("tools of other tenants must not load, got %v %v", def, err)
	}

	defs, err := reg.LoadTenantTools(ctx, "globex")
	if err != nil || len(defs) != 2 {
		t.Fatalf("expected two globex tools, got %v %v", defs, err)
	}

	all, err := reg.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected one definition per (tenant, active tool), got %d", len(all))
	}
}
