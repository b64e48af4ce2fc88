package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// registry holds every module a tool could ever import. Policy decides which
// of them a given compilation may reach. Members are plain functions and
// constants; no member exposes another module or a host object.
var registry = map[string]*starlarkstruct.Module{
	"json":    json.Module,
	"math":    math.Module,
	"time":    startime.Module,
	"datetime": {
		Name: "datetime",
		Members: starlark.StringDict{
			"now":       starlark.NewBuiltin("datetime.now", datetimeNow),
			"utcnow":    starlark.NewBuiltin("datetime.utcnow", datetimeUTCNow),
			"isoformat": starlark.NewBuiltin("datetime.isoformat", datetimeISOFormat),
		},
	},
	"re": {
		Name: "re",
		Members: starlark.StringDict{
			"match":   starlark.NewBuiltin("re.match", reMatch),
			"search":  starlark.NewBuiltin("re.search", reSearch),
			"findall": starlark.NewBuiltin("re.findall", reFindAll),
			"sub":     starlark.NewBuiltin("re.sub", reSub),
			"split":   starlark.NewBuiltin("re.split", reSplit),
		},
	},
	"uuid": {
		Name: "uuid",
		Members: starlark.StringDict{
			"uuid4": starlark.NewBuiltin("uuid.uuid4", uuid4),
		},
	},
	"hashlib": {
		Name: "hashlib",
		Members: starlark.StringDict{
			"sha256": starlark.NewBuiltin("hashlib.sha256", hashSHA256),
			"blake3": starlark.NewBuiltin("hashlib.blake3", hashBLAKE3),
		},
	},
}

func init() {
	for _, m := range registry {
		m.Freeze()
	}
}

// lookupModule returns a registered module by exact name.
func lookupModule(name string) (*starlarkstruct.Module, bool) {
	m, ok := registry[name]
	return m, ok
}

// maxPatternLen bounds tool-supplied regular expressions. RE2 runs in linear
// time, so length is the only knob needed.
const maxPatternLen = 1024

func datetimeNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(time.Now().Format(time.RFC3339Nano)), nil
}

func datetimeUTCNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(time.Now().UTC().Format(time.RFC3339Nano)), nil
}

// datetimeISOFormat formats a unix timestamp (seconds) as RFC 3339 UTC.
func datetimeISOFormat(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var ts starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &ts); err != nil {
		return nil, err
	}
	f, ok := starlark.AsFloat(ts)
	if !ok {
		return nil, fmt.Errorf("%s: want number, got %s", b.Name(), ts.Type())
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return starlark.String(time.Unix(sec, nsec).UTC().Format(time.RFC3339Nano)), nil
}

func compilePattern(fn, pattern string) (*regexp.Regexp, error) {
	if len(pattern) > maxPatternLen {
		return nil, fmt.Errorf("%s: pattern longer than %d bytes", fn, maxPatternLen)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", fn, err)
	}
	return re, nil
}

func reMatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), `\A(?:`+pattern+`)`)
	if err != nil {
		return nil, err
	}
	return groups(re.FindStringSubmatch(s)), nil
}

func reSearch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	return groups(re.FindStringSubmatch(s)), nil
}

// groups returns None for no match, otherwise a list of the whole match
// followed by its submatches.
func groups(m []string) starlark.Value {
	if m == nil {
		return starlark.None
	}
	elems := make([]starlark.Value, len(m))
	for i, g := range m {
		elems[i] = starlark.String(g)
	}
	return starlark.NewList(elems)
}

func reFindAll(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	matches := re.FindAllString(s, -1)
	elems := make([]starlark.Value, len(matches))
	for i, m := range matches {
		elems[i] = starlark.String(m)
	}
	return starlark.NewList(elems), nil
}

func reSub(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "repl", &repl, "string", &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	return starlark.String(re.ReplaceAllString(s, repl)), nil
}

func reSplit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "string", &s); err != nil {
		return nil, err
	}
	re, err := compilePattern(b.Name(), pattern)
	if err != nil {
		return nil, err
	}
	parts := re.Split(s, -1)
	elems := make([]starlark.Value, len(parts))
	for i, p := range parts {
		elems[i] = starlark.String(p)
	}
	return starlark.NewList(elems), nil
}

func uuid4(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(uuid.NewString()), nil
}

func hashSHA256(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(data))
	return starlark.String(hex.EncodeToString(sum[:])), nil
}

func hashBLAKE3(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &data); err != nil {
		return nil, err
	}
	sum := blake3.Sum256([]byte(data))
	return starlark.String(hex.EncodeToString(sum[:])), nil
}
