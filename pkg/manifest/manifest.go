// Package manifest describes the metadata a plugin publishes alongside its code.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"OpenPlugin-Guard/pkg/permission"
)

// Engine keys understood by the compatibility checker.
const (
	EngineNode     = "node"
	EngineNPM      = "npm"
	EnginePlatform = "platform"
)

// DefaultMain is the entry file used when a manifest does not name one.
const DefaultMain = "main.js"

// Limits are the resource ceilings a plugin asks for. Zero means the host default.
type Limits struct {
	MaxMemoryMB          float64 `json:"maxMemoryMB,omitempty" yaml:"maxMemoryMB,omitempty" validate:"gte=0"`
	MaxCPUPercent        float64 `json:"maxCPUPercent,omitempty" yaml:"maxCPUPercent,omitempty" validate:"gte=0,lte=100"`
	MaxStorageBytes      int64   `json:"maxStorageBytes,omitempty" yaml:"maxStorageBytes,omitempty" validate:"gte=0"`
	MaxAPICallsPerMinute int     `json:"maxAPICallsPerMinute,omitempty" yaml:"maxAPICallsPerMinute,omitempty" validate:"gte=0"`
}

// Manifest is the immutable description of one published plugin version.
type Manifest struct {
	ID                  string                  `json:"id" yaml:"id" validate:"required,max=128,pluginid"`
	Name                string                  `json:"name" yaml:"name" validate:"required,max=256"`
	Version             string                  `json:"version" yaml:"version" validate:"required,semver"`
	Author              string                  `json:"author" yaml:"author" validate:"required"`
	License             string                  `json:"license,omitempty" yaml:"license,omitempty"`
	Description         string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Main                string                  `json:"main,omitempty" yaml:"main,omitempty"`
	RequiredPermissions []permission.Capability `json:"requiredPermissions,omitempty" yaml:"requiredPermissions,omitempty" validate:"dive,capability"`
	ResourceLimits      *Limits                 `json:"resourceLimits,omitempty" yaml:"resourceLimits,omitempty"`
	Dependencies        map[string]string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"omitempty,dive,keys,pluginid,endkeys,semverrange"`
	Engines             map[string]string       `json:"engines,omitempty" yaml:"engines,omitempty"`
	MinimumHostVersion  string                  `json:"minimumHostVersion" yaml:"minimumHostVersion" validate:"required,semver"`
	MaximumHostVersion  string                  `json:"maximumHostVersion,omitempty" yaml:"maximumHostVersion,omitempty" validate:"omitempty,semver"`
	SourceHash          string                  `json:"sourceHash,omitempty" yaml:"sourceHash,omitempty" validate:"omitempty,hexadecimal,len=64"`
	Signature           string                  `json:"signature,omitempty" yaml:"signature,omitempty"`
}

// Bundle is everything submitted for installation.
type Bundle struct {
	Manifest  Manifest `json:"manifest"`
	Code      string   `json:"code"`
	Signature string   `json:"signature,omitempty"`
}

var pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidID reports whether id is a well-formed plugin identifier.
func ValidID(id string) bool { return pluginIDPattern.MatchString(id) }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			_, err := semver.NewVersion(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("semverrange", func(fl validator.FieldLevel) bool {
			_, err := semver.NewConstraint(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("pluginid", func(fl validator.FieldLevel) bool {
			return pluginIDPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
			return permission.IsKnown(permission.Capability(fl.Field().String()))
		})
		validate = v
	})
	return validate
}

// Validate checks the manifest against its structural rules and returns every violation.
func (m Manifest) Validate() []string {
	var issues []string
	if err := validatorInstance().Struct(m); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []string{err.Error()}
		}
		for _, fe := range verrs {
			issues = append(issues, describe(fe))
		}
	}
	if m.MaximumHostVersion != "" && m.MinimumHostVersion != "" {
		lo, errLo := semver.NewVersion(m.MinimumHostVersion)
		hi, errHi := semver.NewVersion(m.MaximumHostVersion)
		if errLo == nil && errHi == nil && hi.LessThan(lo) {
			issues = append(issues, "maximumHostVersion is lower than minimumHostVersion")
		}
	}
	return issues
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Manifest.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "semver":
		return fmt.Sprintf("%s %q is not a semantic version", field, fe.Value())
	case "semverrange":
		return fmt.Sprintf("%s %q is not a version range", field, fe.Value())
	case "capability":
		return fmt.Sprintf("%s %q is not a known permission", field, fe.Value())
	case "pluginid":
		return fmt.Sprintf("%s %q is not a valid plugin id", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// Entry returns the file name holding the plugin source.
func (m Manifest) Entry() string {
	if m.Main == "" {
		return DefaultMain
	}
	return m.Main
}

// Key returns the deny-list key "{id}@{version}".
func (m Manifest) Key() string {
	return m.ID + "@" + m.Version
}

// Canonical returns the bytes covered by the author signature: the JSON encoding of the
// manifest with the signature field cleared.
func (m Manifest) Canonical() ([]byte, error) {
	m.Signature = ""
	return json.Marshal(m)
}

// Parse decodes a manifest from YAML or JSON. JSON is itself valid YAML so one decoder serves both.
func Parse(raw []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// LoadBundle reads manifest.yaml (or manifest.json), the entry file and an optional
// detached signature file from dir.
func LoadBundle(dir string) (Bundle, error) {
	var (
		raw []byte
		err error
	)
	for _, name := range []string{"manifest.yaml", "manifest.yml", "manifest.json"} {
		raw, err = os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			break
		}
	}
	if err != nil {
		return Bundle{}, fmt.Errorf("read manifest in %s: %w", dir, err)
	}
	m, err := Parse(raw)
	if err != nil {
		return Bundle{}, err
	}
	code, err := os.ReadFile(filepath.Join(dir, m.Entry()))
	if err != nil {
		return Bundle{}, fmt.Errorf("read plugin entry %s: %w", m.Entry(), err)
	}
	b := Bundle{Manifest: m, Code: string(code), Signature: m.Signature}
	if sig, err := os.ReadFile(filepath.Join(dir, "signature")); err == nil {
		b.Signature = strings.TrimSpace(string(sig))
	}
	return b, nil
}
