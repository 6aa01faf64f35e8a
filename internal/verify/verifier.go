// Package verify decides whether a plugin bundle is trustworthy enough to load.
package verify

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"OpenPlugin-Guard/internal/contentsec"
	"OpenPlugin-Guard/pkg/logger"
	"OpenPlugin-Guard/pkg/manifest"
)

// KeyType names a supported signature scheme.
type KeyType string

const (
	KeyEd25519   KeyType = "ed25519"
	KeySecp256k1 KeyType = "secp256k1"
)

// TrustedKey is an author key the host accepts signatures from.
// Ed25519 keys are hex or base64 public keys; secp256k1 keys are 0x addresses.
type TrustedKey struct {
	Author string  `json:"author" yaml:"author"`
	Type   KeyType `json:"type" yaml:"type"`
	Key    string  `json:"key" yaml:"key"`
}

// Result carries every issue found; Valid is true only when Issues is empty.
type Result struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
}

// Config toggles the optional parts of verification.
type Config struct {
	TrustedKeys       []TrustedKey `yaml:"trusted_keys" json:"trusted_keys"`
	DenyList          []string     `yaml:"deny_list" json:"deny_list"`
	AllowUnsigned     bool         `yaml:"allow_unsigned" json:"allow_unsigned"`
	RequireSourceHash bool         `yaml:"require_source_hash" json:"require_source_hash"`
}

// Verifier runs the signature, deny-list, dependency and integrity checks.
type Verifier struct {
	mu         sync.RWMutex
	keys       map[string][]TrustedKey
	deny       map[string]struct{}
	registry   DependencyRegistry
	advisories AdvisorySource
	cfg        Config
	log        *slog.Logger
}

// New builds a verifier. registry and advisories may be nil, in which case every declared
// dependency is reported as unresolvable.
func New(cfg Config, registry DependencyRegistry, advisories AdvisorySource) *Verifier {
	v := &Verifier{
		keys:       make(map[string][]TrustedKey),
		deny:       make(map[string]struct{}),
		registry:   registry,
		advisories: advisories,
		cfg:        cfg,
		log:        logger.Named("verifier"),
	}
	for _, k := range cfg.TrustedKeys {
		v.Trust(k)
	}
	for _, key := range cfg.DenyList {
		v.Deny(key)
	}
	return v
}

// Trust registers an author key.
func (v *Verifier) Trust(k TrustedKey) {
	v.mu.Lock()
	v.keys[k.Author] = append(v.keys[k.Author], k)
	v.mu.Unlock()
}

// Deny adds an "{id}@{version}" entry to the known-vulnerable list.
func (v *Verifier) Deny(key string) {
	v.mu.Lock()
	v.deny[strings.TrimSpace(key)] = struct{}{}
	v.mu.Unlock()
}

// VerifyPlugin runs all checks without short-circuiting.
func (v *Verifier) VerifyPlugin(ctx context.Context, bundle manifest.Bundle, signature string) Result {
	m := bundle.Manifest
	var issues []string

	if issue := v.checkSignature(m, signature); issue != "" {
		issues = append(issues, issue)
	}
	if v.isDenied(m.Key()) {
		issues = append(issues, fmt.Sprintf("%s is on the known-vulnerability deny-list", m.Key()))
	}
	issues = append(issues, v.checkDependencies(ctx, m)...)
	if issue := v.checkIntegrity(m, bundle.Code); issue != "" {
		issues = append(issues, issue)
	}

	if len(issues) > 0 {
		v.log.Warn("plugin verification failed", slog.String("plugin_id", m.ID), slog.Any("issues", issues))
	}
	return Result{Valid: len(issues) == 0, Issues: issues}
}

func (v *Verifier) isDenied(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.deny[key]
	return ok
}

func (v *Verifier) checkSignature(m manifest.Manifest, signature string) string {
	if signature == "" {
		signature = m.Signature
	}
	if signature == "" {
		if v.cfg.AllowUnsigned {
			return ""
		}
		return "plugin is not signed"
	}
	v.mu.RLock()
	keys := append([]TrustedKey(nil), v.keys[m.Author]...)
	v.mu.RUnlock()
	if len(keys) == 0 {
		return fmt.Sprintf("no trusted key for author %q", m.Author)
	}
	payload, err := m.Canonical()
	if err != nil {
		return fmt.Sprintf("cannot encode manifest for signature check: %v", err)
	}
	sig, err := decodeBytes(signature)
	if err != nil {
		return "signature is not valid hex or base64"
	}
	for _, k := range keys {
		if verifyWith(k, payload, sig) {
			return ""
		}
	}
	return "signature does not match any trusted key of the author"
}

func verifyWith(k TrustedKey, payload, sig []byte) bool {
	switch k.Type {
	case KeyEd25519, "":
		pub, err := decodeBytes(k.Key)
		if err != nil || len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
	case KeySecp256k1:
		if len(sig) != crypto.SignatureLength || !common.IsHexAddress(k.Key) {
			return false
		}
		normalized := append([]byte(nil), sig...)
		if normalized[crypto.RecoveryIDOffset] >= 27 {
			normalized[crypto.RecoveryIDOffset] -= 27
		}
		pub, err := crypto.SigToPub(crypto.Keccak256(payload), normalized)
		if err != nil {
			return false
		}
		return crypto.PubkeyToAddress(*pub) == common.HexToAddress(k.Key)
	default:
		return false
	}
}

func (v *Verifier) checkDependencies(ctx context.Context, m manifest.Manifest) []string {
	var issues []string
	for _, id := range sortedKeys(m.Dependencies) {
		constraint := m.Dependencies[id]
		if v.registry == nil {
			issues = append(issues, fmt.Sprintf("dependency %s %s cannot be resolved: no registry configured", id, constraint))
			continue
		}
		version, err := v.registry.Resolve(ctx, id, constraint)
		if err != nil {
			issues = append(issues, fmt.Sprintf("dependency %s %s is unresolvable: %v", id, constraint, err))
			continue
		}
		if v.advisories == nil {
			continue
		}
		advisories, err := v.advisories.Advisories(ctx, id, version)
		if err != nil {
			issues = append(issues, fmt.Sprintf("dependency %s@%s advisories unavailable: %v", id, version, err))
			continue
		}
		for _, a := range advisories {
			issues = append(issues, fmt.Sprintf("dependency %s@%s is vulnerable: %s (%s) %s", id, version, a.ID, a.Severity, a.Summary))
		}
	}
	return issues
}

func (v *Verifier) checkIntegrity(m manifest.Manifest, code string) string {
	if m.SourceHash == "" {
		if v.cfg.RequireSourceHash {
			return "manifest does not declare a sourceHash"
		}
		return ""
	}
	if !contentsec.VerifyIntegrity([]byte(code), m.SourceHash) {
		return "source hash mismatch: code does not match manifest sourceHash"
	}
	return ""
}

func decodeBytes(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if b, err := hex.DecodeString(trimmed); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
