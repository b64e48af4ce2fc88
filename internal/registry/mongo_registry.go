package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// ToolsCollection is the collection holding shared tool documents.
const ToolsCollection = "tools"

// documentStore abstracts the tools collection for testability.
type documentStore interface {
	FindOne(ctx context.Context, filter bson.D) (*toolDocument, error)
	Find(ctx context.Context, filter bson.D) ([]toolDocument, error)
}

type mongoDocumentStore struct {
	coll *mongo.Collection
}

func (s *mongoDocumentStore) FindOne(ctx context.Context, filter bson.D) (*toolDocument, error) {
	var doc toolDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *mongoDocumentStore) Find(ctx context.Context, filter bson.D) ([]toolDocument, error) {
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []toolDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// MongoToolRegistry loads tool documents shared across tenants. A document
// is visible to a tenant when it is active and lists the tenant.
type MongoToolRegistry struct {
	client *mongo.Client
	store  documentStore
	logger *zap.Logger
}

var _ ToolRegistry = (*MongoToolRegistry)(nil)

// MongoToolRegistryConfig configures the MongoToolRegistry.
type MongoToolRegistryConfig struct {
	URI      string
	Database string
	Logger   *zap.Logger
}

// NewMongoToolRegistry connects to MongoDB and verifies the connection.
func NewMongoToolRegistry(ctx context.Context, cfg MongoToolRegistryConfig) (*MongoToolRegistry, error) {
	if cfg.Database == "" {
		cfg.Database = "tool_sandbox"
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("NewMongoToolRegistry: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("NewMongoToolRegistry: %w", err)
	}
	r := newMongoToolRegistryWithStore(&mongoDocumentStore{coll: client.Database(cfg.Database).Collection(ToolsCollection)}, cfg.Logger)
	r.client = client
	return r, nil
}

func newMongoToolRegistryWithStore(store documentStore, logger *zap.Logger) *MongoToolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoToolRegistry{store: store, logger: logger}
}

// Close disconnects the client.
func (r *MongoToolRegistry) Close(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

func (r *MongoToolRegistry) LoadTool(ctx context.Context, tenantID, toolID string) (*tool.Definition, error) {
	doc, err := r.store.FindOne(ctx, bson.D{
		{Key: "tool_id", Value: toolID},
		{Key: "active", Value: true},
		{Key: "tenants", Value: tenantID},
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("LoadTool: %w", err)
	}
	def := doc.definition(tenantID)
	return &def, nil
}

func (r *MongoToolRegistry) LoadTenantTools(ctx context.Context, tenantID string) ([]tool.Definition, error) {
	docs, err := r.store.Find(ctx, bson.D{
		{Key: "tenants", Value: tenantID},
		{Key: "active", Value: true},
	})
	if err != nil {
		return nil, fmt.Errorf("LoadTenantTools: %w", err)
	}
	out := make([]tool.Definition, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].definition(tenantID))
	}
	r.logger.Debug("loaded tenant tools", zap.String("tenant_id", tenantID), zap.Int("count", len(out)))
	return out, nil
}

func (r *MongoToolRegistry) LoadAll(ctx context.Context) ([]tool.Definition, error) {
	docs, err := r.store.Find(ctx, bson.D{{Key: "active", Value: true}})
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	var out []tool.Definition
	for i := range docs {
		out = append(out, docs[i].definitions()...)
	}
	r.logger.Debug("loaded all tools", zap.Int("documents", len(docs)), zap.Int("definitions", len(out)))
	return out, nil
}
