package isolation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/governor"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// ChildMarker is the first argument of a worker process. Binaries that embed
// the subprocess executor must check for it before anything else and hand
// over to RunChild.
const ChildMarker = "__tool_sandbox_child__"

// Files written into a worker's scratch directory.
const (
	manifestFile = "manifest.json"
	policyFile   = "policy.yaml"
	programFile  = "program.bin"
)

// manifest describes the execution to a worker.
type manifest struct {
	ToolID      string               `json:"tool_id"`
	TenantID    string               `json:"tenant_id"`
	ContentHash string               `json:"content_hash"`
	RequestID   string               `json:"request_id"`
	Limits      tool.Limits          `json:"limits"`
	Child       governor.ChildLimits `json:"child"`
}

type importAttempt struct {
	Module  string `json:"module"`
	Allowed bool   `json:"allowed"`
}

// record is the single JSON document a worker writes to stdout.
type record struct {
	Kind       tool.OutcomeKind `json:"kind"`
	Value      any              `json:"value,omitempty"`
	Message    string           `json:"message,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	Limit      string           `json:"limit,omitempty"`
	Output     string           `json:"output,omitempty"`
	Violations []tool.Violation `json:"violations,omitempty"`
	Imports    []importAttempt  `json:"imports,omitempty"`
}

func newRecord(o *tool.Outcome, imports []importAttempt) record {
	r := record{
		Kind:      o.Kind,
		Value:     o.Value,
		Message:   o.Message,
		ErrorKind: o.ErrorKind,
		Limit:     o.Limit,
		Output:    o.Output,
		Imports:   imports,
	}
	if o.Report != nil {
		r.Violations = o.Report.Violations
	}
	return r
}

func (r record) outcome() *tool.Outcome {
	o := &tool.Outcome{
		Kind:      r.Kind,
		Value:     normalize(r.Value),
		Message:   r.Message,
		ErrorKind: r.ErrorKind,
		Limit:     r.Limit,
		Output:    r.Output,
	}
	if r.Kind == tool.OutcomeSecurityViolation {
		o.Report = &tool.Report{Violations: r.Violations}
	}
	return o
}

var errExtraRecord = errors.New("worker wrote more than one record")

// readRecord decodes exactly one record from r.
func readRecord(r io.Reader) (record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return rec, fmt.Errorf("readRecord: %w", err)
	}
	if rec.Kind == "" {
		return rec, fmt.Errorf("readRecord: record has no kind")
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return rec, errExtraRecord
	}
	return rec, nil
}

// normalize turns decoded JSON numbers back into the int64 or float64 the
// in-process executor would have produced.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalize(x[k])
		}
		return x
	default:
		return v
	}
}
