package verify

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"OpenPlugin-Guard/internal/contentsec"
	"OpenPlugin-Guard/pkg/manifest"
)

const code = "module.exports = { activate: function (ctx) {} };"

func bundleFor(author string) manifest.Bundle {
	return manifest.Bundle{
		Manifest: manifest.Manifest{
			ID:                 "word-count",
			Name:               "Word Count",
			Version:            "1.0.0",
			Author:             author,
			MinimumHostVersion: "1.0.0",
			SourceHash:         contentsec.ComputeHash([]byte(code)),
		},
		Code: code,
	}
}

func signEd25519(t *testing.T, m manifest.Manifest) (TrustedKey, string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, err := m.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	sig := ed25519.Sign(priv, payload)
	return TrustedKey{Author: m.Author, Type: KeyEd25519, Key: hex.EncodeToString(pub)}, hex.EncodeToString(sig)
}

func TestVerifyPluginAcceptsEd25519Signature(t *testing.T) {
	b := bundleFor("acme")
	key, sig := signEd25519(t, b.Manifest)
	v := New(Config{TrustedKeys: []TrustedKey{key}, RequireSourceHash: true}, nil, nil)

	res := v.VerifyPlugin(context.Background(), b, sig)
	if !res.Valid || len(res.Issues) != 0 {
		t.Fatalf("expected valid bundle, got %+v", res)
	}
}

func TestVerifyPluginAcceptsSecp256k1Signature(t *testing.T) {
	b := bundleFor("chain-author")
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload, _ := b.Manifest.Canonical()
	sig, err := crypto.Sign(crypto.Keccak256(payload), priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey).Hex()
	v := New(Config{TrustedKeys: []TrustedKey{{Author: "chain-author", Type: KeySecp256k1, Key: addr}}}, nil, nil)

	res := v.VerifyPlugin(context.Background(), b, "0x"+hex.EncodeToString(sig))
	if !res.Valid {
		t.Fatalf("expected valid secp256k1 signature, got %v", res.Issues)
	}

	b.Manifest.Version = "1.0.1"
	if res := v.VerifyPlugin(context.Background(), b, "0x"+hex.EncodeToString(sig)); res.Valid {
		t.Fatalf("signature over another version must fail")
	}
}

func TestVerifyPluginCollectsEveryIssue(t *testing.T) {
	b := bundleFor("acme")
	b.Manifest.Dependencies = map[string]string{"missing-dep": "^1.0.0", "old-dep": "^2.0.0"}
	b.Code += "// tampered"
	_, sig := signEd25519(t, b.Manifest)

	registry := NewStaticRegistry(map[string][]string{"old-dep": {"2.0.0", "2.1.0"}})
	advisories := NewStaticAdvisories(Advisory{ID: "ADV-1", PluginID: "old-dep", Affected: "<2.2.0", Severity: "high", Summary: "rce"})
	v := New(Config{DenyList: []string{"word-count@1.0.0"}}, registry, advisories)

	res := v.VerifyPlugin(context.Background(), b, sig)
	if res.Valid {
		t.Fatalf("bundle should be rejected")
	}
	joined := strings.Join(res.Issues, "\n")
	for _, want := range []string{"no trusted key", "deny-list", "missing-dep", "old-dep@2.1.0 is vulnerable: ADV-1", "source hash mismatch"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected issue %q in:\n%s", want, joined)
		}
	}
	if len(res.Issues) != 5 {
		t.Fatalf("expected 5 independent issues, got %d:\n%s", len(res.Issues), joined)
	}
}

func TestUnsignedAndMissingHashPolicies(t *testing.T) {
	b := bundleFor("acme")
	b.Manifest.SourceHash = ""

	strict := New(Config{RequireSourceHash: true}, nil, nil)
	res := strict.VerifyPlugin(context.Background(), b, "")
	if res.Valid || len(res.Issues) != 2 {
		t.Fatalf("expected unsigned + missing hash issues, got %v", res.Issues)
	}

	lenient := New(Config{AllowUnsigned: true}, nil, nil)
	if res := lenient.VerifyPlugin(context.Background(), b, ""); !res.Valid {
		t.Fatalf("lenient verifier should accept, got %v", res.Issues)
	}
}

func TestHTTPRegistryResolvesAndReportsAdvisories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/plugins/text-utils/versions":
			_ = json.NewEncoder(w).Encode(map[string][]string{"versions": {"1.0.0", "1.4.2", "2.0.0"}})
		case r.URL.Path == "/advisories" && r.URL.Query().Get("version") == "1.4.2":
			_ = json.NewEncoder(w).Encode([]Advisory{{ID: "ADV-9", Severity: "low"}})
		case r.URL.Path == "/advisories":
			_, _ = w.Write([]byte("[]"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL, 0)
	v, err := reg.Resolve(context.Background(), "text-utils", "^1.0.0")
	if err != nil || v != "1.4.2" {
		t.Fatalf("resolve = %q, %v", v, err)
	}
	adv, err := reg.Advisories(context.Background(), "text-utils", v)
	if err != nil || len(adv) != 1 || adv[0].ID != "ADV-9" {
		t.Fatalf("advisories = %+v, %v", adv, err)
	}
	if _, err := reg.Resolve(context.Background(), "unknown", "^1.0.0"); err == nil {
		t.Fatalf("unknown plugin should be unresolvable")
	}

	chain := ChainRegistry{NewStaticRegistry(nil), reg}
	if v, err := chain.Resolve(context.Background(), "text-utils", "~1.0.0"); err != nil || v != "1.0.0" {
		t.Fatalf("chain resolve = %q, %v", v, err)
	}
}
