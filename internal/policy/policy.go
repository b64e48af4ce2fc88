package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"gopkg.in/yaml.v3"
)

// Names bound by the sandbox itself. Both validators and the environment
// builder refer to these.
const (
	ImportFunc   = "_load_module"
	CallToolFunc = "call_tool"
)

// Execution modes.
const (
	ModeInProcess  = "in_process"
	ModeSubprocess = "subprocess"
	ModeByTier     = "by_tier" // trusted tools in-process, everything else subprocess
)

// Policy is the allow/deny data and limits shared by every layer. A Policy is
// immutable once returned by Load or Default; Store swaps whole values.
type Policy struct {
	Version string `yaml:"version"`

	AllowedModules        []string `yaml:"allowed_modules"`
	PreImportedModules    []string `yaml:"pre_imported_modules"`
	DeniedModules         []string `yaml:"denied_modules"`
	DeniedCalls           []string `yaml:"denied_calls"`
	DeniedAttributes      []string `yaml:"denied_attributes"`
	SafeBuiltins          []string `yaml:"safe_builtins"`
	ConstructorPrimitives []string `yaml:"constructor_primitives"`
	ShellPatterns         []string `yaml:"shell_patterns"`

	MaxNestingDepth int    `yaml:"max_nesting_depth"`
	MaxCallDepth    int    `yaml:"max_call_depth"`
	MaxSteps        uint64 `yaml:"max_steps"`

	Limits tool.Limits `yaml:"limits"`
	Mode   string      `yaml:"mode"`

	SigningSecret string `yaml:"signing_secret"`

	allowed     map[string]bool
	preImported map[string]bool
	deniedMods  map[string]bool
	deniedCalls map[string]bool
	deniedAttrs map[string]bool
	safe        map[string]bool
	ctors       map[string]bool
}

// Default returns the built-in policy.
func Default() *Policy {
	p := &Policy{
		Version:            "builtin",
		AllowedModules:     []string{"json", "datetime", "re", "math", "uuid", "hashlib", "time"},
		PreImportedModules: []string{"json", "datetime", "math", "re"},
		DeniedModules: []string{
			"os", "sys", "subprocess", "shutil", "socket", "ctypes", "importlib", "builtins",
			"pickle", "marshal", "multiprocessing", "threading", "signal", "pty", "inspect",
			"gc", "code", "codeop", "runpy", "pathlib", "io", "tempfile", "urllib", "http",
			"requests", "asyncio", "posix", "resource",
		},
		DeniedCalls: []string{
			"eval", "exec", "compile", "__import__", "open", "file", "input", "globals", "locals",
			"vars", "getattr", "setattr", "delattr", "hasattr", "dir", "breakpoint", "help",
			"exit", "quit", "memoryview",
		},
		DeniedAttributes: []string{
			"__code__", "__globals__", "__class__", "__bases__", "__base__", "__mro__",
			"__subclasses__", "__builtins__", "__import__", "__dict__", "__getattribute__",
			"__closure__", "__func__", "__self__", "__loader__", "__spec__", "__module__",
			"__reduce__", "__reduce_ex__", "__init_subclass__", "func_globals", "gi_frame",
			"f_globals", "f_locals", "f_back", "tb_frame",
		},
		SafeBuiltins: []string{
			"None", "True", "False", "abs", "all", "any", "bool", "dict", "enumerate", "fail",
			"float", "int", "len", "list", "max", "min", "print", "range", "repr", "reversed",
			"sorted", "str", "tuple", "zip", "chr", "ord",
		},
		ConstructorPrimitives: []string{"type", "struct", "module", "enum"},
		ShellPatterns: []string{
			`os\.system`, `os\.popen`, `popen\s*\(`, `/bin/(ba)?sh`, `rm\s+-rf`,
		},
		MaxNestingDepth: 10,
		MaxCallDepth:    8,
		MaxSteps:        50_000_000,
		Limits:          tool.DefaultLimits(),
		Mode:            ModeInProcess,
	}
	p.index()
	return p
}

// Load reads a YAML policy file. Fields absent from the file keep their
// Default values.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document over the defaults.
func Parse(data []byte) (*Policy, error) {
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}
	p.index()
	return p, nil
}

func (p *Policy) validate() error {
	switch p.Mode {
	case ModeInProcess, ModeSubprocess, ModeByTier:
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	if p.MaxNestingDepth <= 0 {
		return fmt.Errorf("max_nesting_depth must be positive")
	}
	allowed := toSet(p.AllowedModules)
	for _, m := range p.PreImportedModules {
		if !allowed[m] {
			return fmt.Errorf("pre-imported module %q is not allow-listed", m)
		}
	}
	for _, m := range p.DeniedModules {
		if allowed[m] {
			return fmt.Errorf("module %q is both allowed and denied", m)
		}
	}
	ceiling := tool.DefaultLimits()
	if p.Limits != p.Limits.Clamp(ceiling) {
		return fmt.Errorf("limits may only be lowered below the default ceiling")
	}
	return nil
}

// WithOverrides returns a copy of p with mode and secret replaced where they
// are non-empty.
func (p *Policy) WithOverrides(mode, secret string) (*Policy, error) {
	cp := *p
	if mode != "" {
		cp.Mode = mode
	}
	if secret != "" {
		cp.SigningSecret = secret
	}
	if err := cp.validate(); err != nil {
		return nil, fmt.Errorf("WithOverrides: %w", err)
	}
	cp.index()
	return &cp, nil
}

func (p *Policy) index() {
	p.allowed = toSet(p.AllowedModules)
	p.preImported = toSet(p.PreImportedModules)
	p.deniedMods = toSet(p.DeniedModules)
	p.deniedCalls = toSet(p.DeniedCalls)
	p.deniedAttrs = toSet(p.DeniedAttributes)
	p.ctors = toSet(p.ConstructorPrimitives)

	p.safe = toSet(p.SafeBuiltins)
	for _, m := range p.PreImportedModules {
		p.safe[m] = true
	}
	p.safe[ImportFunc] = true
	p.safe[CallToolFunc] = true
}

func toSet(names []string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

// TopLevel returns the first dotted component of a module name.
func TopLevel(module string) string {
	if i := strings.IndexByte(module, '.'); i > 0 {
		return module[:i]
	}
	return module
}

// IsRelative reports whether a module name is a relative or path-like import.
func IsRelative(module string) bool {
	return strings.HasPrefix(module, ".") || strings.ContainsAny(module, "/:\\")
}

// ModuleAllowed reports whether the top-level name of module is allow-listed.
func (p *Policy) ModuleAllowed(module string) bool { return p.allowed[TopLevel(module)] }

// ModuleDenied reports whether name is an explicitly denied module.
func (p *Policy) ModuleDenied(name string) bool { return p.deniedMods[TopLevel(name)] }

// PreImported reports whether the module is bound directly in the namespace.
func (p *Policy) PreImported(name string) bool { return p.preImported[name] }

// CallDenied reports whether name is a denied introspection/execution primitive.
func (p *Policy) CallDenied(name string) bool { return p.deniedCalls[name] }

// AttributeDenied reports whether attribute access to name is forbidden.
func (p *Policy) AttributeDenied(name string) bool { return p.deniedAttrs[name] }

// SafeGlobal reports whether a global read of name is permitted.
func (p *Policy) SafeGlobal(name string) bool { return p.safe[name] }

// Constructor reports whether name is a class/type construction primitive.
func (p *Policy) Constructor(name string) bool { return p.ctors[name] }
