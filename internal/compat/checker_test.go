package compat

import (
	"context"
	"strings"
	"testing"

	"OpenPlugin-Guard/pkg/manifest"
	"OpenPlugin-Guard/pkg/permission"
)

type fakeHost struct {
	version    string
	available  []permission.Capability
	restricted bool
}

func (h fakeHost) HostVersion(context.Context) (string, error) { return h.version, nil }

func (h fakeHost) AvailablePermissions(context.Context) ([]permission.Capability, bool, error) {
	return h.available, h.restricted, nil
}

var system = SystemInfo{Node: "18.17.0", NPM: "9.6.7", Platform: "linux"}

func baseManifest() manifest.Manifest {
	return manifest.Manifest{ID: "p", Name: "P", Version: "1.0.0", Author: "a", MinimumHostVersion: "1.0.0"}
}

func TestHostAboveMinimumIsCompatible(t *testing.T) {
	c := NewChecker(fakeHost{version: "1.2.0"}, nil, system)
	report := c.Check(context.Background(), baseManifest())
	if !report.Compatible || len(report.Issues) != 0 {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestHostBelowMinimumIsIncompatible(t *testing.T) {
	c := NewChecker(fakeHost{version: "0.9.0"}, nil, system)
	report := c.Check(context.Background(), baseManifest())
	if report.Compatible {
		t.Fatalf("0.9.0 must not satisfy minimum 1.0.0")
	}
	errs := report.Errors()
	if len(errs) != 1 || errs[0].Field != "minimumHostVersion" {
		t.Fatalf("expected one minimumHostVersion error, got %+v", report.Issues)
	}
}

func TestMaximumHostVersion(t *testing.T) {
	m := baseManifest()
	m.MaximumHostVersion = "1.5.0"
	c := NewChecker(fakeHost{version: "2.0.0"}, nil, system)
	report := c.Check(context.Background(), m)
	if report.Compatible || report.Errors()[0].Field != "maximumHostVersion" {
		t.Fatalf("expected maximumHostVersion error, got %+v", report)
	}
}

func TestEngineSeverities(t *testing.T) {
	m := baseManifest()
	m.Engines = map[string]string{"node": ">=20", "npm": ">=10", "platform": "darwin, win32"}
	c := NewChecker(fakeHost{version: "1.0.0"}, nil, system)
	report := c.Check(context.Background(), m)

	if len(report.Errors()) != 2 {
		t.Fatalf("node and platform mismatches are errors, got %+v", report.Issues)
	}
	warnings := report.Warnings()
	if len(warnings) != 1 || warnings[0].Field != "engines.npm" {
		t.Fatalf("npm mismatch should be a warning, got %+v", warnings)
	}

	m.Engines = map[string]string{"npm": ">=10"}
	report = c.Check(context.Background(), m)
	if !report.Compatible || len(report.Warnings()) != 1 {
		t.Fatalf("warnings alone keep the plugin compatible: %+v", report)
	}
}

func TestDependenciesAgainstInstalled(t *testing.T) {
	installed := InstalledFunc(func(id string) (string, bool) {
		if id == "text-utils" {
			return "1.4.0", true
		}
		return "", false
	})
	m := baseManifest()
	m.Dependencies = map[string]string{"text-utils": "^1.2.0", "spell": "^1.0.0"}
	c := NewChecker(fakeHost{version: "1.0.0"}, installed, system)
	report := c.Check(context.Background(), m)
	if report.Compatible || len(report.Errors()) != 1 || !strings.Contains(report.Errors()[0].Message, "spell") {
		t.Fatalf("expected missing spell dependency, got %+v", report.Issues)
	}

	m.Dependencies = map[string]string{"text-utils": "^2.0.0"}
	report = c.Check(context.Background(), m)
	if report.Compatible {
		t.Fatalf("installed 1.4.0 must not satisfy ^2.0.0")
	}
}

func TestRestrictedPermissions(t *testing.T) {
	m := baseManifest()
	m.RequiredPermissions = []permission.Capability{permission.DocumentRead, permission.NetworkFetch}
	host := fakeHost{version: "1.0.0", restricted: true, available: []permission.Capability{permission.DocumentRead}}
	report := NewChecker(host, nil, system).Check(context.Background(), m)
	if report.Compatible || !strings.Contains(report.Errors()[0].Message, "network:fetch") {
		t.Fatalf("unavailable permission must be an error: %+v", report)
	}

	host.restricted = false
	if report := NewChecker(host, nil, system).Check(context.Background(), m); !report.Compatible {
		t.Fatalf("unrestricted host offers every permission: %+v", report)
	}
}

func TestDependencyGraphCycles(t *testing.T) {
	if ValidateDependencyGraph(map[string][]string{"a": {"b"}, "b": {"a"}}) {
		t.Fatalf("a<->b is cyclic")
	}
	if ValidateDependencyGraph(map[string][]string{"a": {"a"}}) {
		t.Fatalf("self loop is cyclic")
	}
	acyclic := map[string][]string{"a": {"b", "c"}, "b": {"c"}, "c": nil, "d": {"external"}}
	if !ValidateDependencyGraph(acyclic) {
		t.Fatalf("diamond graph is acyclic")
	}

	cycle := FindCycle(map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"b"}})
	if strings.Join(cycle, ">") != "b>c>b" {
		t.Fatalf("unexpected cycle path %v", cycle)
	}

	a := baseManifest()
	a.ID, a.Dependencies = "a", map[string]string{"b": "*"}
	b := baseManifest()
	b.ID, b.Dependencies = "b", map[string]string{"a": "*"}
	if ValidateDependencyGraph(Graph(a, b)) {
		t.Fatalf("manifests depending on each other form a cycle")
	}
}
