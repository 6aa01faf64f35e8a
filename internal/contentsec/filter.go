// Package contentsec guards content crossing the plugin boundary: HTML, URLs, free text,
// file paths and source integrity.
package contentsec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io/fs"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data\s*:\s*[a-z]+/[a-z0-9.+-]+`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
}

// Filter is shared by every plugin security context.
type Filter struct {
	policy *bluemonday.Policy

	hostsMu sync.RWMutex
	hosts   map[string]struct{}

	filesMu sync.RWMutex
	files   map[string][]string
}

// NewFilter builds a filter that trusts the given hosts for outbound URLs.
func NewFilter(trustedHosts []string) *Filter {
	f := &Filter{
		policy: newPolicy(),
		hosts:  make(map[string]struct{}),
		files:  make(map[string][]string),
	}
	for _, h := range trustedHosts {
		f.TrustHost(h)
	}
	return f
}

func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "hr", "div", "span",
		"strong", "b", "em", "i", "u", "s", "mark", "small", "sub", "sup",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "blockquote", "code", "pre",
		"table", "thead", "tbody", "tr", "th", "td",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("target").Matching(regexp.MustCompile(`^_(blank|self)$`)).OnElements("a")
	p.AllowAttrs("class").Globally()
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(false)
	return p
}

// SanitizeHTML strips every element, attribute and URL scheme outside the allow-list.
func (f *Filter) SanitizeHTML(html string) string {
	return f.policy.Sanitize(html)
}

// TrustHost adds host to the outbound allow-list.
func (f *Filter) TrustHost(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	f.hostsMu.Lock()
	f.hosts[host] = struct{}{}
	f.hostsMu.Unlock()
}

// ValidateURL accepts http(s) URLs whose host is trusted, directly or as a subdomain.
func (f *Filter) ValidateURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.User != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	f.hostsMu.RLock()
	defer f.hostsMu.RUnlock()
	for trusted := range f.hosts {
		if host == trusted || strings.HasSuffix(host, "."+trusted) {
			return true
		}
	}
	return false
}

// ValidateInput rejects text carrying script injection signatures.
func (f *Filter) ValidateInput(text string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return false
		}
	}
	return true
}

// GrantFileAccess allows id to read below path.
func (f *Filter) GrantFileAccess(id, path string) {
	clean, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return
	}
	f.filesMu.Lock()
	defer f.filesMu.Unlock()
	for _, p := range f.files[id] {
		if p == clean {
			return
		}
	}
	f.files[id] = append(f.files[id], clean)
}

// RevokeFileAccess removes one grant, or all grants for id when path is empty.
func (f *Filter) RevokeFileAccess(id, path string) {
	f.filesMu.Lock()
	defer f.filesMu.Unlock()
	if path == "" {
		delete(f.files, id)
		return
	}
	clean, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return
	}
	kept := f.files[id][:0]
	for _, p := range f.files[id] {
		if p != clean {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		delete(f.files, id)
		return
	}
	f.files[id] = kept
}

// ValidateFileAccess reports whether path resolves at or below one of id's grants.
func (f *Filter) ValidateFileAccess(id, path string) bool {
	_, ok := f.ResolveFileAccess(id, path)
	return ok
}

// ResolveFileAccess follows symlinks in path and in the grants, and returns the resolved
// path when it lies at or below one of id's grants. Callers should open the returned
// path, not the one they passed in.
func (f *Filter) ResolveFileAccess(id, path string) (string, bool) {
	resolved, err := resolvePath(path)
	if err != nil {
		return "", false
	}
	f.filesMu.RLock()
	grants := append([]string(nil), f.files[id]...)
	f.filesMu.RUnlock()
	for _, grant := range grants {
		prefix, err := resolvePath(grant)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(prefix, resolved)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return resolved, true
		}
	}
	return "", false
}

// resolvePath makes path absolute and evaluates symlinks in its longest existing
// prefix. Missing trailing elements are kept as written.
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	var missing []string
	for cur := abs; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
}

// ComputeHash returns the lowercase hex SHA-256 digest of content.
func ComputeHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity compares content against an expected hex digest in constant time.
func VerifyIntegrity(content []byte, expected string) bool {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if expected == "" {
		return false
	}
	actual := ComputeHash(content)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

// ComputeHash is the method form of the package function.
func (f *Filter) ComputeHash(content []byte) string { return ComputeHash(content) }

// VerifyIntegrity is the method form of the package function.
func (f *Filter) VerifyIntegrity(content []byte, expected string) bool {
	return VerifyIntegrity(content, expected)
}
