package validator

import (
	"sort"
	"strings"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"go.starlark.net/syntax"
)

// EntryPoint is the function every tool must define at top level.
const EntryPoint = "execute"

// FileOptions is the dialect every tool is parsed with. Top-level control
// flow is off; tools define functions and constants only.
var FileOptions = &syntax.FileOptions{
	Set:       true,
	While:     true,
	Recursion: true,
}

// Unit is source that parsed. File is handed to the compiler, which resolves
// it in place.
type Unit struct {
	Filename string
	Source   string // lowered source that File was parsed from
	File     *syntax.File
}

// Validator is the syntax-level gate. It is pure: the same source and policy
// always produce the same report, and the source is never executed.
type Validator struct {
	policy *policy.Policy
}

// New returns a validator over p's allow/deny data.
func New(p *policy.Policy) *Validator {
	return &Validator{policy: p}
}

// Validate lowers, parses and walks src. Unit is nil when parsing failed; the
// report then carries a syntax_error violation.
func (v *Validator) Validate(filename, src string) (*Unit, *tool.Report) {
	lowered := Lower(src)
	report := &tool.Report{}
	report.Merge(lowered.Report)

	f, err := FileOptions.Parse(filename, lowered.Source, 0)
	if err != nil {
		report.Violations = append(report.Violations, syntaxViolation(err))
		return nil, report
	}

	w := &walker{policy: v.policy, report: report}
	w.topLevel(f)
	Walk(f, w.visit)
	w.checkImports()

	return &Unit{Filename: filename, Source: lowered.Source, File: f}, report
}

func syntaxViolation(err error) tool.Violation {
	if se, ok := err.(syntax.Error); ok {
		return tool.Violation{
			Kind:   tool.KindSyntaxError,
			Detail: se.Msg,
			Pos:    tool.Position{Line: se.Pos.Line, Col: se.Pos.Col},
		}
	}
	return tool.Violation{Kind: tool.KindSyntaxError, Detail: err.Error()}
}

func pos(p syntax.Position) tool.Position {
	return tool.Position{Line: p.Line, Col: p.Col}
}

type walker struct {
	policy *policy.Policy
	report *tool.Report
}

// lambdaBinding reports a lambda bound to a public top-level name, which is
// a public function by another spelling.
func (w *walker) lambdaBinding(s *syntax.AssignStmt) {
	if s.Op != syntax.EQ {
		return
	}
	id, ok := s.LHS.(*syntax.Ident)
	if !ok || strings.HasPrefix(id.Name, "_") {
		return
	}
	rhs := s.RHS
	for {
		p, ok := rhs.(*syntax.ParenExpr)
		if !ok {
			break
		}
		rhs = p.X
	}
	if _, ok := rhs.(*syntax.LambdaExpr); ok {
		w.report.Add(tool.KindForbiddenDeclaration, pos(id.NamePos), id.Name,
			"public top-level lambda %q is not allowed; prefix helpers with '_'", id.Name)
	}
}

// topLevel enforces the declaration rules: one public execute, private
// helpers, constants and docstrings.
func (w *walker) topLevel(f *syntax.File) {
	entries := 0
	for _, stmt := range f.Stmts {
		switch s := stmt.(type) {
		case *syntax.DefStmt:
			name := s.Name.Name
			switch {
			case name == EntryPoint:
				entries++
				if entries > 1 {
					w.report.Add(tool.KindForbiddenDeclaration, pos(s.Name.NamePos), name, "duplicate %s function", EntryPoint)
				}
			case strings.HasPrefix(name, "_class_"):
				// lowered class header, already reported
			case strings.HasPrefix(name, "_"):
			default:
				w.report.Add(tool.KindForbiddenDeclaration, pos(s.Name.NamePos), name,
					"public top-level function %q is not allowed; prefix helpers with '_'", name)
			}
		case *syntax.AssignStmt:
			w.lambdaBinding(s)
		case *syntax.LoadStmt:
		case *syntax.BranchStmt:
			// pass
		case *syntax.ExprStmt:
			if lit, ok := s.X.(*syntax.Literal); ok && lit.Token == syntax.STRING {
				continue
			}
			start, _ := s.Span()
			w.report.Add(tool.KindTopLevelStatement, pos(start), "", "top-level expression statements are not allowed")
		default:
			start, _ := stmt.Span()
			w.report.Add(tool.KindTopLevelStatement, pos(start), "", "top-level statement is not allowed")
		}
	}
	if entries == 0 {
		w.report.Add(tool.KindMissingEntryPoint, tool.Position{}, EntryPoint, "no top-level %s function", EntryPoint)
	}
}

func (w *walker) visit(n syntax.Node) bool {
	switch n := n.(type) {
	case *syntax.LoadStmt:
		m := n.ModuleName()
		if policy.IsRelative(m) {
			w.report.Add(tool.KindRelativeImport, pos(n.Load), m, "relative load of %q is not allowed", m)
		} else {
			w.report.AddImport(m)
		}
		// Only the local binding names matter below; the From names are
		// attributes of the loaded module.
		for _, id := range n.To {
			w.ident(id)
		}
		for _, id := range n.From {
			w.attribute(id)
		}
		return false

	case *syntax.CallExpr:
		w.call(n)
		return true

	case *syntax.DotExpr:
		w.attribute(n.Name)
		Walk(n.X, w.visit)
		return false

	case *syntax.Ident:
		w.ident(n)
	}
	return true
}

func (w *walker) call(c *syntax.CallExpr) {
	switch fn := c.Fn.(type) {
	case *syntax.Ident:
		if w.policy.CallDenied(fn.Name) {
			w.report.Add(tool.KindForbiddenCall, pos(fn.NamePos), fn.Name, "call to %s() is not allowed", fn.Name)
		}
		if fn.Name == policy.ImportFunc && len(c.Args) > 0 {
			if lit, ok := c.Args[0].(*syntax.Literal); ok && lit.Token == syntax.STRING {
				m, _ := lit.Value.(string)
				if policy.IsRelative(m) {
					w.report.Add(tool.KindRelativeImport, pos(lit.TokenPos), m, "relative import of %q is not allowed", m)
				} else {
					w.report.AddImport(m)
				}
			}
		}
	case *syntax.DotExpr:
		root := rootIdent(fn)
		if root != nil && w.policy.ModuleDenied(root.Name) {
			w.report.Add(tool.KindForbiddenCall, pos(root.NamePos), root.Name,
				"call to %s.%s() on denied module %q", root.Name, fn.Name.Name, root.Name)
		}
	}
}

func (w *walker) attribute(id *syntax.Ident) {
	if w.policy.AttributeDenied(id.Name) {
		w.report.Add(tool.KindForbiddenAttribute, pos(id.NamePos), id.Name, "access to attribute %q is not allowed", id.Name)
	}
}

func (w *walker) ident(id *syntax.Ident) {
	if w.policy.AttributeDenied(id.Name) {
		w.report.Add(tool.KindForbiddenAttribute, pos(id.NamePos), id.Name, "reference to %q is not allowed", id.Name)
	}
}

// rootIdent returns the identifier at the base of a dotted chain such as
// os.path.join, or nil when the chain starts with another expression.
func rootIdent(d *syntax.DotExpr) *syntax.Ident {
	var x syntax.Expr = d
	for {
		switch e := x.(type) {
		case *syntax.DotExpr:
			x = e.X
		case *syntax.Ident:
			return e
		default:
			return nil
		}
	}
}

// checkImports reports every non-allow-listed import as one aggregate
// violation.
func (w *walker) checkImports() {
	var bad []string
	seen := map[string]bool{}
	for _, m := range w.report.Imports {
		top := policy.TopLevel(m)
		if !w.policy.ModuleAllowed(top) && !seen[top] {
			seen[top] = true
			bad = append(bad, top)
		}
	}
	if len(bad) == 0 {
		return
	}
	sort.Strings(bad)
	w.report.Add(tool.KindForbiddenImport, tool.Position{}, strings.Join(bad, ","),
		"unauthorized imports: %s", strings.Join(bad, ", "))
}
