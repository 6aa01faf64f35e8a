// Package compat decides whether a plugin can run on this host.
package compat

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

// Severity classifies a compatibility issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of a compatibility check.
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Report is the outcome of Check. Compatible is false iff some issue has error severity.
type Report struct {
	Compatible bool    `json:"compatible"`
	Issues     []Issue `json:"issues,omitempty"`
}

// Errors returns only the error-severity issues.
func (r Report) Errors() []Issue { return r.filter(SeverityError) }

// Warnings returns only the warning-severity issues.
func (r Report) Warnings() []Issue { return r.filter(SeverityWarning) }

func (r Report) filter(s Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i)
		}
	}
	return out
}

// Host exposes the host facts the checker needs.
type Host interface {
	HostVersion(ctx context.Context) (string, error)
	// AvailablePermissions returns the capabilities the host offers. When restricted is
	// false every known capability is available.
	AvailablePermissions(ctx context.Context) (caps []permission.Capability, restricted bool, err error)
}

// Installed looks up the installed version of a plugin.
type Installed interface {
	InstalledVersion(pluginID string) (string, bool)
}

// InstalledFunc adapts a function to Installed.
type InstalledFunc func(pluginID string) (string, bool)

// InstalledVersion implements Installed.
func (f InstalledFunc) InstalledVersion(pluginID string) (string, bool) { return f(pluginID) }

// SystemInfo describes the runtime the plugin will execute on.
type SystemInfo struct {
	Node     string `json:"node"`
	NPM      string `json:"npm"`
	Platform string `json:"platform"`
}

// Checker runs compatibility checks against one host.
type Checker struct {
	host      Host
	installed Installed
	system    SystemInfo
}

// NewChecker constructs a checker.
func NewChecker(host Host, installed Installed, system SystemInfo) *Checker {
	return &Checker{host: host, installed: installed, system: system}
}

// Check evaluates host range, engines, dependencies and permission availability.
func (c *Checker) Check(ctx context.Context, m manifest.Manifest) Report {
	var issues []Issue
	issues = append(issues, c.checkHostVersion(ctx, m)...)
	issues = append(issues, c.checkEngines(m)...)
	issues = append(issues, c.checkDependencies(m)...)
	issues = append(issues, c.checkPermissions(ctx, m)...)

	report := Report{Compatible: true, Issues: issues}
	for _, i := range issues {
		if i.Severity == SeverityError {
			report.Compatible = false
			break
		}
	}
	return report
}

func (c *Checker) checkHostVersion(ctx context.Context, m manifest.Manifest) []Issue {
	raw, err := c.host.HostVersion(ctx)
	if err != nil {
		return []Issue{{SeverityError, "hostVersion", fmt.Sprintf("host version unavailable: %v", err)}}
	}
	host, err := semver.NewVersion(raw)
	if err != nil {
		return []Issue{{SeverityError, "hostVersion", fmt.Sprintf("host version %q is not semantic", raw)}}
	}
	var issues []Issue
	if minV, err := semver.NewVersion(m.MinimumHostVersion); err != nil {
		issues = append(issues, Issue{SeverityError, "minimumHostVersion", fmt.Sprintf("%q is not a semantic version", m.MinimumHostVersion)})
	} else if host.LessThan(minV) {
		issues = append(issues, Issue{SeverityError, "minimumHostVersion",
			fmt.Sprintf("requires host %s or newer, running %s", m.MinimumHostVersion, raw)})
	}
	if m.MaximumHostVersion != "" {
		if maxV, err := semver.NewVersion(m.MaximumHostVersion); err != nil {
			issues = append(issues, Issue{SeverityError, "maximumHostVersion", fmt.Sprintf("%q is not a semantic version", m.MaximumHostVersion)})
		} else if host.GreaterThan(maxV) {
			issues = append(issues, Issue{SeverityError, "maximumHostVersion",
				fmt.Sprintf("supports host up to %s, running %s", m.MaximumHostVersion, raw)})
		}
	}
	return issues
}

func (c *Checker) checkEngines(m manifest.Manifest) []Issue {
	keys := make([]string, 0, len(m.Engines))
	for k := range m.Engines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var issues []Issue
	for _, key := range keys {
		want := m.Engines[key]
		field := "engines." + key
		switch key {
		case manifest.EngineNode:
			if !satisfies(c.system.Node, want) {
				issues = append(issues, Issue{SeverityError, field, fmt.Sprintf("requires %s, runtime provides %s", want, orUnknown(c.system.Node))})
			}
		case manifest.EngineNPM:
			if !satisfies(c.system.NPM, want) {
				issues = append(issues, Issue{SeverityWarning, field, fmt.Sprintf("expects %s, runtime provides %s", want, orUnknown(c.system.NPM))})
			}
		case manifest.EnginePlatform:
			if !platformMatches(c.system.Platform, want) {
				issues = append(issues, Issue{SeverityError, field, fmt.Sprintf("supports %s, host platform is %s", want, orUnknown(c.system.Platform))})
			}
		default:
			issues = append(issues, Issue{SeverityWarning, field, "unknown engine constraint ignored"})
		}
	}
	return issues
}

func (c *Checker) checkDependencies(m manifest.Manifest) []Issue {
	keys := make([]string, 0, len(m.Dependencies))
	for k := range m.Dependencies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var issues []Issue
	for _, id := range keys {
		want := m.Dependencies[id]
		field := "dependencies." + id
		var installed string
		ok := false
		if c.installed != nil {
			installed, ok = c.installed.InstalledVersion(id)
		}
		if !ok {
			issues = append(issues, Issue{SeverityError, field, fmt.Sprintf("required plugin %s (%s) is not installed", id, want)})
			continue
		}
		if !satisfies(installed, want) {
			issues = append(issues, Issue{SeverityError, field, fmt.Sprintf("installed %s does not satisfy %s", installed, want)})
		}
	}
	return issues
}

func (c *Checker) checkPermissions(ctx context.Context, m manifest.Manifest) []Issue {
	available, restricted, err := c.host.AvailablePermissions(ctx)
	if err != nil {
		return []Issue{{SeverityError, "requiredPermissions", fmt.Sprintf("host permissions unavailable: %v", err)}}
	}
	offered := permission.NewSet(available...)
	var issues []Issue
	for _, p := range m.RequiredPermissions {
		if !permission.IsKnown(p) {
			issues = append(issues, Issue{SeverityError, "requiredPermissions", fmt.Sprintf("%s is not a known permission", p)})
			continue
		}
		if restricted && !offered.Has(p) {
			issues = append(issues, Issue{SeverityError, "requiredPermissions", fmt.Sprintf("%s is not available on this host", p)})
		}
	}
	return issues
}

func satisfies(version, constraint string) bool {
	if version == "" {
		return false
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return false
	}
	return cons.Check(v)
}

func platformMatches(platform, want string) bool {
	if platform == "" {
		return false
	}
	for _, p := range strings.Split(want, ",") {
		p = strings.TrimSpace(p)
		if p == "*" || strings.EqualFold(p, platform) {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
