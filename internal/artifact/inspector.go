// Package artifact inspects compiled tools. It works on the resolved syntax
// tree, where every identifier carries its binding scope, and on the
// program's load table. It shares allow and deny data with the validator
// through policy.Policy but none of its checking logic.
package artifact

import (
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validator"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Inspector is the compiled-artifact gate.
type Inspector struct {
	policy *policy.Policy
}

// New returns an inspector over p.
func New(p *policy.Policy) *Inspector {
	return &Inspector{policy: p}
}

// Inspect checks a compiled unit. unit.File must be the tree prog was
// compiled from, so that its identifiers are resolved.
func (in *Inspector) Inspect(unit *validator.Unit, prog *starlark.Program) *tool.Report {
	r := &tool.Report{}
	in.loads(prog, r)

	s := &inspection{policy: in.policy, report: r}
	s.topLevel(unit.File)
	for _, stmt := range unit.File.Stmts {
		s.walk(stmt, 0)
	}
	return r
}

// loads checks the program's load table, which is what Thread.Load will be
// asked for at run time.
func (in *Inspector) loads(prog *starlark.Program, r *tool.Report) {
	for i := 0; i < prog.NumLoads(); i++ {
		m, p := prog.Load(i)
		if detail, bad := in.moduleRefused(m); bad {
			r.Add(tool.KindPrimitiveImport, pos(p), m, "load table entry %q: %s", m, detail)
		}
	}
}

func (in *Inspector) moduleRefused(m string) (string, bool) {
	switch {
	case policy.IsRelative(m):
		return "relative module name", true
	case !in.policy.ModuleAllowed(m):
		return "module not in allow-list", true
	}
	return "", false
}

type inspection struct {
	policy *policy.Policy
	report *tool.Report
}

// sandboxName reports whether name is bound by the sandbox: a universe
// builtin, a pre-imported module, a sandbox function or a denial shadow.
func (s *inspection) sandboxName(name string) bool {
	return starlark.Universe.Has(name) ||
		s.policy.SafeGlobal(name) ||
		s.policy.CallDenied(name) ||
		s.policy.Constructor(name)
}

func (s *inspection) topLevel(f *syntax.File) {
	for _, stmt := range f.Stmts {
		switch st := stmt.(type) {
		case *syntax.AssignStmt:
			if importBinding(st.RHS) {
				continue
			}
			for _, id := range boundIdents(st.LHS, nil) {
				s.rebind(id)
			}
		case *syntax.DefStmt:
			s.rebind(st.Name)
		}
	}
}

func (s *inspection) rebind(id *syntax.Ident) {
	if s.sandboxName(id.Name) {
		s.report.Add(tool.KindPrimitiveGlobal, pos(id.NamePos), id.Name, "top-level rebinding of sandbox global %q", id.Name)
	}
}

// importBinding matches the shapes import lowering produces:
// _load_module("m") and _load_module("m").name.
func importBinding(x syntax.Expr) bool {
	if dot, ok := x.(*syntax.DotExpr); ok {
		x = dot.X
	}
	call, ok := x.(*syntax.CallExpr)
	if !ok {
		return false
	}
	id, ok := call.Fn.(*syntax.Ident)
	return ok && id.Name == policy.ImportFunc
}

func boundIdents(x syntax.Expr, out []*syntax.Ident) []*syntax.Ident {
	switch e := x.(type) {
	case *syntax.Ident:
		out = append(out, e)
	case *syntax.ParenExpr:
		out = boundIdents(e.X, out)
	case *syntax.TupleExpr:
		for _, el := range e.List {
			out = boundIdents(el, out)
		}
	case *syntax.ListExpr:
		for _, el := range e.List {
			out = boundIdents(el, out)
		}
	}
	return out
}

// walk visits n at function nesting depth depth. Top-level statements are at
// depth 0, the body of execute at depth 1.
func (s *inspection) walk(n syntax.Node, depth int) {
	validator.Walk(n, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.DefStmt:
			s.function(n.Def, n.Params, depth, func(d int) {
				for _, stmt := range n.Body {
					s.walk(stmt, d)
				}
			})
			return false

		case *syntax.LambdaExpr:
			s.function(n.Lambda, n.Params, depth, func(d int) {
				s.walk(n.Body, d)
			})
			return false

		case *syntax.CallExpr:
			return s.call(n, depth)

		case *syntax.DotExpr:
			// the attribute name is not a binding
			s.walk(n.X, depth)
			return false

		case *syntax.Ident:
			s.ident(n)
		}
		return true
	})
}

func (s *inspection) function(at syntax.Position, params []syntax.Expr, depth int, body func(int)) {
	if limit := s.policy.MaxNestingDepth; limit > 0 && depth+1 > limit {
		s.report.Add(tool.KindNestingDepth, pos(at), "", "functions nested deeper than %d", limit)
		return
	}
	for _, p := range params {
		s.walk(p, depth)
	}
	body(depth + 1)
}

// call handles calls whose callee is a sandbox primitive. It returns whether
// the walk should descend into the call normally.
func (s *inspection) call(c *syntax.CallExpr, depth int) bool {
	id, ok := c.Fn.(*syntax.Ident)
	if !ok || !sandboxScope(id) {
		return true
	}
	switch {
	case id.Name == policy.ImportFunc:
		s.importCall(c, id)
	case s.policy.Constructor(id.Name):
		s.report.Add(tool.KindPrimitiveClass, pos(id.NamePos), id.Name, "call to constructor primitive %s()", id.Name)
	default:
		return true
	}
	for _, a := range c.Args {
		s.walk(a, depth)
	}
	return false
}

func (s *inspection) importCall(c *syntax.CallExpr, id *syntax.Ident) {
	if len(c.Args) != 1 {
		s.report.Add(tool.KindPrimitiveImport, pos(id.NamePos), policy.ImportFunc, "%s takes exactly one module name", policy.ImportFunc)
		return
	}
	lit, ok := c.Args[0].(*syntax.Literal)
	if !ok || lit.Token != syntax.STRING {
		s.report.Add(tool.KindPrimitiveImport, pos(id.NamePos), policy.ImportFunc, "%s called with a computed module name", policy.ImportFunc)
		return
	}
	m, _ := lit.Value.(string)
	switch {
	case policy.IsRelative(m):
		s.report.Add(tool.KindPrimitiveImport, pos(lit.TokenPos), m, "relative module name %q", m)
	case !s.policy.ModuleAllowed(m):
		s.report.Add(tool.KindPrimitiveImport, pos(lit.TokenPos), policy.TopLevel(m), "module %q not in allow-list", m)
	}
}

func (s *inspection) ident(id *syntax.Ident) {
	if !sandboxScope(id) {
		return
	}
	switch {
	case id.Name == policy.ImportFunc:
		s.report.Add(tool.KindPrimitiveImport, pos(id.NamePos), id.Name, "%s used as a value", id.Name)
	case !s.policy.SafeGlobal(id.Name):
		s.report.Add(tool.KindPrimitiveGlobal, pos(id.NamePos), id.Name, "read of uncontrolled global %q", id.Name)
	}
}

// sandboxScope reports whether id resolved to a predeclared or universe name
// rather than something the tool bound itself.
func sandboxScope(id *syntax.Ident) bool {
	b, ok := id.Binding.(*resolve.Binding)
	if !ok || b == nil {
		return false
	}
	return b.Scope == resolve.Predeclared || b.Scope == resolve.Universal
}

func pos(p syntax.Position) tool.Position {
	return tool.Position{Line: p.Line, Col: p.Col}
}
