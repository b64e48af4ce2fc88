package prefilter

import (
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/policy"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validator"
)

// signature is one compiled pattern. The first capture group, when present,
// names the offending subject. Code signatures see the source with strings
// and comments blanked; literal ones see string contents too.
type signature struct {
	re      *regexp.Regexp
	detail  string
	literal bool
}

// Filter is a fast lexical reject. A hit is final; a miss proves nothing and
// the source must still go through the validators.
type Filter struct {
	sigs []signature
}

// New compiles the signatures for p. The module and call names come from the
// policy deny data so the pre-filter cannot drift from the validators.
func New(p *policy.Policy) *Filter {
	f := &Filter{}

	if mods := quoteAll(p.DeniedModules); mods != "" {
		f.sigs = append(f.sigs,
			signature{regexp.MustCompile(`(?m)(?:^|[;:])\s*import\s+(` + mods + `)\b`), "import of denied module", false},
			signature{regexp.MustCompile(`(?m)(?:^|[;:])\s*from\s+(` + mods + `)(?:\.\w+)*\s+import\b`), "from-import of denied module", false},
			signature{regexp.MustCompile(`\b(` + mods + `)\s*\.\s*\w+\s*\(`), "call into denied module", false},
		)
	}
	if calls := quoteAll(p.DeniedCalls); calls != "" {
		f.sigs = append(f.sigs,
			signature{regexp.MustCompile(`(?:^|[^.\w])(` + calls + `)\s*\(`), "call to denied primitive", false},
		)
	}

	var dunders, reflective []string
	for _, a := range p.DeniedAttributes {
		if strings.HasPrefix(a, "__") {
			dunders = append(dunders, a)
		} else {
			reflective = append(reflective, a)
		}
	}
	if s := quoteAll(dunders); s != "" {
		f.sigs = append(f.sigs, signature{regexp.MustCompile(`(` + s + `)`), "dunder attribute", false})
	}
	if s := quoteAll(reflective); s != "" {
		f.sigs = append(f.sigs, signature{regexp.MustCompile(`\.\s*(` + s + `)\b`), "reflective attribute", false})
	}

	for _, pat := range p.ShellPatterns {
		re, err := regexp.Compile(`(` + pat + `)`)
		if err != nil {
			continue
		}
		f.sigs = append(f.sigs, signature{re, "shell invocation", true})
	}
	f.sigs = append(f.sigs, signature{regexp.MustCompile("(`[^`\n]+`)"), "backtick command", false})
	return f
}

// quoteAll builds a regexp alternation, longest names first so that
// "subprocess" wins over "sub" style prefixes.
func quoteAll(names []string) string {
	if len(names) == 0 {
		return ""
	}
	sorted := append([]string(nil), names...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, n := range sorted {
		quoted[i] = regexp.QuoteMeta(n)
	}
	return strings.Join(quoted, "|")
}

// Scan returns a report with one forbidden_pattern violation per matching
// signature. The first match of each signature is reported. Comments never
// match, and string contents only match the shell signatures.
func (f *Filter) Scan(src string) *tool.Report {
	r := &tool.Report{}
	code, literal := validator.Mask(src), validator.MaskComments(src)
	for _, s := range f.sigs {
		text := code
		if s.literal {
			text = literal
		}
		loc := s.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		start, end := loc[0], loc[1]
		if len(loc) >= 4 && loc[2] >= 0 {
			start, end = loc[2], loc[3]
		}
		subject := src[start:end]
		r.Add(tool.KindForbiddenPattern, position(src, start), subject, "%s: %q", s.detail, subject)
	}
	return r
}

func position(src string, offset int) tool.Position {
	line := strings.Count(src[:offset], "\n") + 1
	col := offset - strings.LastIndexByte(src[:offset], '\n')
	return tool.Position{Line: int32(line), Col: int32(col)}
}

// Cache memoizes the filter for the most recent policy value.
type Cache struct {
	last atomic.Pointer[cached]
}

type cached struct {
	policy *policy.Policy
	filter *Filter
}

// For returns the filter for p, compiling it on first use.
func (c *Cache) For(p *policy.Policy) *Filter {
	if cur := c.last.Load(); cur != nil && cur.policy == p {
		return cur.filter
	}
	f := New(p)
	c.last.Store(&cached{policy: p, filter: f})
	return f
}
