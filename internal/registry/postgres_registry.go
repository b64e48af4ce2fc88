package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.uber.org/zap"
)

// DefinitionStore abstracts DB queries for testability.
type DefinitionStore interface {
	LookupTool(ctx context.Context, tenantID, toolID string) (*toolRow, error)
	ListTools(ctx context.Context, tenantID string) ([]*toolRow, error)
}

type toolRow struct {
	TenantID    string
	ToolID      string
	Name        string
	Description sql.NullString
	SourceCode  string
	InputSchema sql.NullString // JSONB as string
	Version     string
	ContentHash string
	Signature   string
	Trusted     bool
	Isolation   sql.NullString
}

const selectColumns = `
	SELECT tenant_id, tool_id, name, description, source_code, input_schema,
	       version, content_hash, signature, trusted, isolation
	FROM tool_definitions`

// sqlDefinitionStore is the real implementation using *sql.DB.
type sqlDefinitionStore struct {
	db *sql.DB
}

func (s *sqlDefinitionStore) LookupTool(ctx context.Context, tenantID, toolID string) (*toolRow, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
		WHERE tenant_id = $1 AND tool_id = $2 AND active
	`, tenantID, toolID)
	return scanRow(row)
}

// ListTools returns the active rows of one tenant, or of every tenant when
// tenantID is empty.
func (s *sqlDefinitionStore) ListTools(ctx context.Context, tenantID string) ([]*toolRow, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE active AND ($1 = '' OR tenant_id = $1)
		ORDER BY tenant_id, tool_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*toolRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*toolRow, error) {
	var r toolRow
	if err := s.Scan(
		&r.TenantID, &r.ToolID, &r.Name, &r.Description, &r.SourceCode, &r.InputSchema,
		&r.Version, &r.ContentHash, &r.Signature, &r.Trusted, &r.Isolation,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresToolRegistry fetches tool definitions from the tool_definitions table.
type PostgresToolRegistry struct {
	store  DefinitionStore
	cache  *DefinitionCache
	logger *zap.Logger
}

var _ ToolRegistry = (*PostgresToolRegistry)(nil)

// PostgresToolRegistryConfig configures the PostgresToolRegistry.
type PostgresToolRegistryConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresToolRegistry creates a new PostgresToolRegistry.
func NewPostgresToolRegistry(cfg PostgresToolRegistryConfig) *PostgresToolRegistry {
	return newPostgresToolRegistryWithStore(&sqlDefinitionStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// newPostgresToolRegistryWithStore creates a registry with a custom store (for testing).
func newPostgresToolRegistryWithStore(store DefinitionStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresToolRegistry {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresToolRegistry{
		store:  store,
		cache:  NewDefinitionCache(cacheTTL),
		logger: logger,
	}
}

func (r *PostgresToolRegistry) LoadTool(ctx context.Context, tenantID, toolID string) (*tool.Definition, error) {
	cacheResult := r.cache.Get(tenantID, toolID)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshInBackground(tenantID, toolID)
		}
		return cacheResult.Definition, nil
	}

	def, err := r.fetchFromDB(ctx, tenantID, toolID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(tenantID, toolID, nil)
			return nil, nil
		}
		return nil, fmt.Errorf("LoadTool: %w", err)
	}

	r.cache.Set(tenantID, toolID, def)
	return def, nil
}

func (r *PostgresToolRegistry) LoadTenantTools(ctx context.Context, tenantID string) ([]tool.Definition, error) {
	defs, err := r.list(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("LoadTenantTools: %w", err)
	}
	return defs, nil
}

func (r *PostgresToolRegistry) LoadAll(ctx context.Context) ([]tool.Definition, error) {
	defs, err := r.list(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("LoadAll: %w", err)
	}
	return defs, nil
}

// Forget drops the cached definition so the next LoadTool reads the table.
func (r *PostgresToolRegistry) Forget(tenantID, toolID string) {
	r.cache.Delete(tenantID, toolID)
}

func (r *PostgresToolRegistry) list(ctx context.Context, tenantID string) ([]tool.Definition, error) {
	rows, err := r.store.ListTools(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]tool.Definition, 0, len(rows))
	for _, row := range rows {
		def, err := parseToolRow(row)
		if err != nil {
			// one malformed row must not hide the rest
			r.logger.Warn("skipping malformed tool definition",
				zap.String("tenant_id", row.TenantID),
				zap.String("tool_id", row.ToolID),
				zap.Error(err),
			)
			continue
		}
		r.cache.Set(def.TenantID, def.ToolID, def)
		out = append(out, *def)
	}
	return out, nil
}

func (r *PostgresToolRegistry) fetchFromDB(ctx context.Context, tenantID, toolID string) (*tool.Definition, error) {
	row, err := r.store.LookupTool(ctx, tenantID, toolID)
	if err != nil {
		return nil, err
	}
	return parseToolRow(row)
}

func (r *PostgresToolRegistry) refreshInBackground(tenantID, toolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	def, err := r.fetchFromDB(ctx, tenantID, toolID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.cache.Set(tenantID, toolID, nil)
			return
		}
		r.logger.Warn("background tool registry refresh failed",
			zap.String("tenant_id", tenantID),
			zap.String("tool_id", toolID),
			zap.Error(err),
		)
		return
	}
	r.cache.Set(tenantID, toolID, def)
}

func parseToolRow(row *toolRow) (*tool.Definition, error) {
	doc := toolDocument{
		ToolID:      row.ToolID,
		Name:        row.Name,
		SourceCode:  row.SourceCode,
		Version:     row.Version,
		ContentHash: row.ContentHash,
		Signature:   row.Signature,
		Trusted:     row.Trusted,
	}
	if row.Description.Valid {
		doc.Description = row.Description.String
	}
	if row.Isolation.Valid {
		doc.Isolation = row.Isolation.String
	}
	if row.InputSchema.Valid && row.InputSchema.String != "" && row.InputSchema.String != "null" {
		if err := json.Unmarshal([]byte(row.InputSchema.String), &doc.InputSchema); err != nil {
			return nil, fmt.Errorf("parseToolRow: input_schema: %w", err)
		}
	}
	def := doc.definition(row.TenantID)
	return &def, nil
}
