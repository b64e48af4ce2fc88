package validator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
)

// Lowered is tool source rewritten into plain Starlark. Line numbers are
// preserved so positions in later reports point at the original source.
type Lowered struct {
	Source string
	Report *tool.Report
}

var (
	importStart = regexp.MustCompile(`(?m)(?:^|[;:])[ \t]*(import|from)\b`)
	classHeader = regexp.MustCompile(`(?m)^([ \t]*)class[ \t]+([A-Za-z_]\w*)[^:\n]*:`)
	asyncDef    = regexp.MustCompile(`(?m)(?:^|[;:])[ \t]*(async[ \t]+)def\b`)
	awaitKw     = regexp.MustCompile(`\b(await[ \t]+)`)
	dottedName  = regexp.MustCompile(`^[A-Za-z_]\w*(?:\.[A-Za-z_]\w*)*$`)
	identName   = regexp.MustCompile(`^[A-Za-z_]\w*$`)
	fstringHead = regexp.MustCompile(`(?:^|[^\w.])([fF])["']`)
)

type edit struct {
	start, end int
	text       string
}

// Lower recognizes Python-style import, class, async and f-string syntax that
// the Starlark grammar does not accept. Imports become calls to the controlled
// import function, class headers become private defs (and a violation),
// async/await are dropped, and single-line f-strings become str.format calls
// so their expressions are validated like any other code.
func Lower(src string) *Lowered {
	r := &tool.Report{}
	masked := mask(src)
	var edits []edit

	for _, m := range importStart.FindAllSubmatchIndex(masked, -1) {
		kwStart := m[2]
		end := stmtEnd(masked, kwStart)
		stmt := string(masked[kwStart:end])
		pos := offsetPos(src, kwStart)
		text, ok := lowerImport(stmt, pos, r)
		if !ok {
			continue
		}
		text += strings.Repeat("\n", strings.Count(src[kwStart:end], "\n"))
		edits = append(edits, edit{kwStart, end, text})
	}

	for _, m := range classHeader.FindAllSubmatchIndex(masked, -1) {
		name := string(masked[m[4]:m[5]])
		r.Add(tool.KindForbiddenDeclaration, offsetPos(src, m[4]), name, "class declaration %q is not allowed", name)
		edits = append(edits, edit{m[3], m[1], "def _class_" + name + "():"})
	}

	for _, m := range asyncDef.FindAllSubmatchIndex(masked, -1) {
		edits = append(edits, edit{m[2], m[3], ""})
	}
	for _, m := range awaitKw.FindAllSubmatchIndex(masked, -1) {
		edits = append(edits, edit{m[2], m[3], ""})
	}
	for _, m := range fstringHead.FindAllSubmatchIndex(masked, -1) {
		if e, ok := lowerFString(src, m[2], r); ok {
			edits = append(edits, e)
		}
	}

	return &Lowered{Source: apply(src, edits), Report: r}
}

// lowerImport rewrites one import statement. It returns false when stmt is
// not an import after all (for example an identifier named "from_").
func lowerImport(stmt string, pos tool.Position, r *tool.Report) (string, bool) {
	fields := strings.Fields(strings.NewReplacer("(", " ", ")", " ", "\\", " ").Replace(stmt))
	if len(fields) < 2 {
		return "", false
	}

	switch fields[0] {
	case "import":
		clause := strings.TrimSpace(strings.TrimPrefix(stmt, "import"))
		var out []string
		for _, part := range splitClause(clause) {
			name, alias := splitAlias(part)
			if !dottedName.MatchString(name) || (alias != "" && !identName.MatchString(alias)) {
				r.Add(tool.KindSyntaxError, pos, name, "malformed import %q", part)
				continue
			}
			r.AddImport(name)
			bind := policy.TopLevel(name)
			target := bind
			if alias != "" {
				bind, target = alias, name
			}
			out = append(out, fmt.Sprintf("%s = %s(%q)", bind, policy.ImportFunc, target))
		}
		return joinStmts(out), true

	case "from":
		rest := strings.TrimSpace(strings.TrimPrefix(stmt, "from"))
		idx := strings.Index(rest, " import")
		if idx < 0 {
			return "", false
		}
		module := strings.TrimSpace(rest[:idx])
		names := strings.TrimSpace(rest[idx+len(" import"):])
		names = strings.Trim(strings.TrimSpace(names), "()")

		if policy.IsRelative(module) {
			r.Add(tool.KindRelativeImport, pos, module, "relative import from %q is not allowed", module)
			return "pass", true
		}
		if !dottedName.MatchString(module) {
			r.Add(tool.KindSyntaxError, pos, module, "malformed import source %q", module)
			return "pass", true
		}
		r.AddImport(module)
		if strings.TrimSpace(names) == "*" {
			r.Add(tool.KindForbiddenImport, pos, module, "wildcard import from %q is not allowed", module)
			return "pass", true
		}

		var out []string
		for _, part := range splitClause(names) {
			name, alias := splitAlias(part)
			if !identName.MatchString(name) || (alias != "" && !identName.MatchString(alias)) {
				r.Add(tool.KindSyntaxError, pos, name, "malformed import %q", part)
				continue
			}
			bind := name
			if alias != "" {
				bind = alias
			}
			out = append(out, fmt.Sprintf("%s = %s(%q).%s", bind, policy.ImportFunc, module, name))
		}
		return joinStmts(out), true
	}
	return "", false
}

// lowerFString rewrites the f-string whose prefix is at start. Triple-quoted
// and unterminated literals are left for the parser to reject.
func lowerFString(src string, start int, r *tool.Report) (edit, bool) {
	q := src[start+1]
	if start+3 < len(src) && src[start+2] == q && src[start+3] == q {
		return edit{}, false
	}
	end := -1
	for i := start + 2; i < len(src) && end < 0; i++ {
		switch src[i] {
		case '\\':
			i++
		case q:
			end = i
		case '\n':
			return edit{}, false
		}
	}
	if end < 0 {
		return edit{}, false
	}

	tmpl, args, err := splitFString(src[start+2 : end])
	if err != nil {
		r.Add(tool.KindSyntaxError, offsetPos(src, start), "f-string", "%v", err)
		return edit{start, end + 1, `""`}, true
	}
	text := string(q) + tmpl + string(q)
	if len(args) > 0 {
		text += ".format(" + strings.Join(args, ", ") + ")"
	}
	return edit{start, end + 1, text}, true
}

// splitFString separates an f-string body into a str.format template and the
// replacement expressions, in order.
func splitFString(body string) (string, []string, error) {
	var tmpl strings.Builder
	var args []string
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			tmpl.WriteString(body[i : i+2])
			i++
		case c == '{' && i+1 < len(body) && body[i+1] == '{':
			tmpl.WriteString("{{")
			i++
		case c == '}' && i+1 < len(body) && body[i+1] == '}':
			tmpl.WriteString("}}")
			i++
		case c == '}':
			return "", nil, fmt.Errorf("single '}' is not allowed in f-string")
		case c == '{':
			expr, conv, next, err := fieldAt(body, i+1)
			if err != nil {
				return "", nil, err
			}
			args = append(args, expr)
			tmpl.WriteString("{" + conv + "}")
			i = next
		default:
			tmpl.WriteByte(c)
		}
	}
	return tmpl.String(), args, nil
}

// fieldAt reads one replacement field starting just after its '{'. It
// returns the expression, the conversion ("" or "!r"/"!s") and the offset of
// the closing '}'.
func fieldAt(body string, i int) (expr, conv string, end int, err error) {
	depth := 0
	var quote byte
	exprEnd := -1
	for j := i; j < len(body); j++ {
		c := body[j]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case (c == ')' || c == ']' || c == '}') && depth > 0:
			depth--
		case depth > 0:
		case c == ':':
			return "", "", 0, fmt.Errorf("format specs are not supported in f-strings")
		case c == '!' && (j+1 >= len(body) || body[j+1] != '='):
			if exprEnd < 0 {
				exprEnd = j
			}
		case c == '}':
			if exprEnd < 0 {
				exprEnd = j
			}
			expr = strings.TrimSpace(body[i:exprEnd])
			conv = body[exprEnd:j]
			if expr == "" {
				return "", "", 0, fmt.Errorf("empty expression in f-string")
			}
			if conv != "" && conv != "!r" && conv != "!s" {
				return "", "", 0, fmt.Errorf("unsupported conversion %q in f-string", conv)
			}
			return expr, conv, j, nil
		}
	}
	return "", "", 0, fmt.Errorf("unterminated '{' in f-string")
}

func joinStmts(stmts []string) string {
	if len(stmts) == 0 {
		return "pass"
	}
	return strings.Join(stmts, "; ")
}

func splitClause(clause string) []string {
	var out []string
	for _, p := range strings.Split(clause, ",") {
		p = strings.Join(strings.Fields(strings.NewReplacer("\\", " ", "(", " ", ")", " ").Replace(p)), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitAlias(part string) (name, alias string) {
	fields := strings.Fields(part)
	if len(fields) == 3 && fields[1] == "as" {
		return fields[0], fields[2]
	}
	return part, ""
}

// stmtEnd returns the offset where the simple statement starting at i ends:
// the first ';' or unescaped newline outside brackets.
func stmtEnd(masked []byte, i int) int {
	depth := 0
	for ; i < len(masked); i++ {
		switch c := masked[i]; c {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ';':
			if depth == 0 {
				return i
			}
		case '\n':
			if depth == 0 && (i == 0 || masked[i-1] != '\\') {
				return i
			}
		}
	}
	return i
}

// Mask returns src with comments and the contents of string literals
// blanked. Offsets and newlines are unchanged.
func Mask(src string) string { return string(mask(src)) }

// MaskComments returns src with only its comments blanked.
func MaskComments(src string) string { return string(blank(src, false)) }

func mask(src string) []byte { return blank(src, true) }

// blank clears comments, and string bodies too when strs is set, keeping
// offsets and newlines intact.
func blank(src string, strs bool) []byte {
	b := []byte(src)
	n := len(b)
	for i := 0; i < n; {
		c := b[i]
		switch {
		case c == '#':
			for i < n && b[i] != '\n' {
				b[i] = ' '
				i++
			}
		case c == '\'' || c == '"':
			i = skipString(b, i, strs)
		default:
			i++
		}
	}
	return b
}

// skipString steps over the string literal opening at i, blanking its body
// when wipe is set, and returns the offset just past its closing quote.
func skipString(b []byte, i int, wipe bool) int {
	n := len(b)
	q := b[i]
	triple := i+2 < n && b[i+1] == q && b[i+2] == q
	if triple {
		i += 3
	} else {
		i++
	}
	for i < n {
		c := b[i]
		switch {
		case c == '\\' && i+1 < n:
			if wipe {
				b[i] = ' '
				if b[i+1] != '\n' {
					b[i+1] = ' '
				}
			}
			i += 2
			continue
		case c == q && !triple:
			return i + 1
		case c == q && triple && i+2 < n && b[i+1] == q && b[i+2] == q:
			return i + 3
		case c == '\n' && !triple:
			return i
		}
		if wipe && c != '\n' {
			b[i] = ' '
		}
		i++
	}
	return i
}

func apply(src string, edits []edit) string {
	if len(edits) == 0 {
		return src
	}
	// Edits never overlap; apply from the end so offsets stay valid.
	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	out := src
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		out = out[:e.start] + e.text + out[e.end:]
	}
	return out
}

func offsetPos(src string, offset int) tool.Position {
	line := strings.Count(src[:offset], "\n") + 1
	col := offset - strings.LastIndexByte(src[:offset], '\n')
	return tool.Position{Line: int32(line), Col: int32(col)}
}
