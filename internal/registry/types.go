package registry

import (
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// toolDocument is a stored tool definition. One document may be shared by
// several tenants; the signature covers only tenant-independent fields.
type toolDocument struct {
	ToolID      string         `bson:"tool_id"`
	Name        string         `bson:"name"`
	Description string         `bson:"description"`
	SourceCode  string         `bson:"source_code"`
	InputSchema map[string]any `bson:"input_schema"`
	Version     string         `bson:"version"`
	ContentHash string         `bson:"content_hash"`
	Signature   string         `bson:"signature"`
	Trusted     bool           `bson:"trusted"`
	Isolation   string         `bson:"isolation"`
	Tenants     []string       `bson:"tenants"`
	Active      bool           `bson:"active"`
}

// definition binds the document to one tenant.
func (d *toolDocument) definition(tenantID string) tool.Definition {
	name := d.Name
	if name == "" {
		name = d.ToolID
	}
	return tool.Definition{
		ToolID:      d.ToolID,
		TenantID:    tenantID,
		Name:        name,
		Description: d.Description,
		SourceCode:  d.SourceCode,
		InputSchema: d.InputSchema,
		Version:     d.Version,
		Trusted:     d.Trusted,
		Isolation:   d.Isolation,
		ContentHash: d.ContentHash,
		Signature:   d.Signature,
	}
}

// definitions expands the document into one definition per tenant.
func (d *toolDocument) definitions() []tool.Definition {
	out := make([]tool.Definition, 0, len(d.Tenants))
	for _, t := range d.Tenants {
		out = append(out, d.definition(t))
	}
	return out
}
