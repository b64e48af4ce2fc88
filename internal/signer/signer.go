// Package signer computes content hashes and keyed signatures over the
// canonical form of a tool definition.
package signer

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/tool"
	"github.com/zeebo/blake3"
)

// ErrSignatureInvalid is returned when a definition fails verification.
var ErrSignatureInvalid = tool.ErrSignatureInvalid

// ErrNoSecret is returned by New for an empty secret.
var ErrNoSecret = errors.New("signing secret not configured")

// keyContext separates signing keys from every other use of the secret.
const keyContext = "palisade tool_sandbox 2026-01 definition signature"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signer: CBOR encoder initialization failed: " + err.Error())
	}
}

// canonicalDefinition is the signed subset of a definition. Field names are
// part of the hash; renaming one invalidates every stored signature.
type canonicalDefinition struct {
	ToolID  string         `cbor:"tool_id"`
	Source  string         `cbor:"source"`
	Schema  map[string]any `cbor:"schema"`
	Version string         `cbor:"version"`
}

// Canonical returns the deterministic CBOR encoding of def's canonical
// fields. Equal definitions always encode to equal bytes.
func Canonical(def tool.Definition) ([]byte, error) {
	schema, err := normalizeSchema(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("Canonical: %w", err)
	}
	data, err := encMode.Marshal(canonicalDefinition{
		ToolID:  def.ToolID,
		Source:  def.SourceCode,
		Schema:  schema,
		Version: def.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("Canonical: %w", err)
	}
	return data, nil
}

// normalizeSchema round-trips schema through JSON so that every number is a
// float64 however the definition was loaded. An empty schema becomes nil.
func normalizeSchema(schema map[string]any) (map[string]any, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hash returns the hex BLAKE3-256 digest of def's canonical encoding.
func Hash(def tool.Definition) (string, error) {
	data, err := Canonical(def)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Signer signs definitions under one secret.
type Signer struct {
	key [32]byte
}

// New derives a signing key from secret.
func New(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	s := &Signer{}
	blake3.DeriveKey(keyContext, []byte(secret), s.key[:])
	return s, nil
}

// Sign returns a copy of def carrying its content hash and signature.
func (s *Signer) Sign(def tool.Definition) (tool.Definition, error) {
	data, err := Canonical(def)
	if err != nil {
		return def, fmt.Errorf("Sign: %w", err)
	}
	sum := blake3.Sum256(data)
	def.ContentHash = hex.EncodeToString(sum[:])
	def.Signature = hex.EncodeToString(s.mac(data))
	return def, nil
}

// Verify reports whether def's hash matches its canonical fields and its
// signature was produced under this signer's secret.
func (s *Signer) Verify(def tool.Definition) bool {
	data, err := Canonical(def)
	if err != nil {
		return false
	}
	sum := blake3.Sum256(data)
	hash, err := hex.DecodeString(def.ContentHash)
	if err != nil || subtle.ConstantTimeCompare(hash, sum[:]) != 1 {
		return false
	}
	sig, err := hex.DecodeString(def.Signature)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(sig, s.mac(data)) == 1
}

func (s *Signer) mac(data []byte) []byte {
	// NewKeyed only fails for keys that are not 32 bytes.
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("signer: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(data)
	return h.Sum(nil)
}

// Set signs with the current secret and verifies against the current and
// the previous one, so definitions signed before a rotation stay valid
// until the next.
type Set struct {
	mu       sync.RWMutex
	secret   string
	current  *Signer
	previous *Signer
}

// NewSet creates a Set for secret.
func NewSet(secret string) (*Set, error) {
	cur, err := New(secret)
	if err != nil {
		return nil, fmt.Errorf("NewSet: %w", err)
	}
	return &Set{secret: secret, current: cur}, nil
}

// Rotate makes secret current and keeps the old current as previous.
// Rotating to the current secret is a no-op.
func (s *Set) Rotate(secret string) error {
	next, err := New(secret)
	if err != nil {
		return fmt.Errorf("Rotate: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret == s.secret {
		return nil
	}
	s.previous, s.current, s.secret = s.current, next, secret
	return nil
}

// Sign signs with the current secret.
func (s *Set) Sign(def tool.Definition) (tool.Definition, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()
	return cur.Sign(def)
}

// Verify accepts definitions signed under the current or previous secret.
func (s *Set) Verify(def tool.Definition) bool {
	s.mu.RLock()
	cur, prev := s.current, s.previous
	s.mu.RUnlock()
	if cur.Verify(def) {
		return true
	}
	return prev != nil && prev.Verify(def)
}
