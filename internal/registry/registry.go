// Package registry loads signed tool definitions from the tool store.
package registry

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// ToolRegistry provides signed tool definitions. It is read-only; submitting
// and signing happen elsewhere.
type ToolRegistry interface {
	// LoadTool returns the active definition of toolID for tenantID, or nil
	// if there is none.
	LoadTool(ctx context.Context, tenantID, toolID string) (*tool.Definition, error)

	// LoadTenantTools returns every active definition available to tenantID.
	LoadTenantTools(ctx context.Context, tenantID string) ([]tool.Definition, error)

	// LoadAll returns every active definition, once per tenant it is
	// available to.
	LoadAll(ctx context.Context) ([]tool.Definition, error)
}
