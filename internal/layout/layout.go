// Package layout encodes the on-disk conventions for resource files: where
// agents, commands, hooks, settings and project descriptors live under a
// user root or a project root.
package layout

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gurisko/scopectl/internal/resource"
)

const (
	// DefaultConfigDirName is the per-project config directory
	DefaultConfigDirName = ".claude"

	AgentsDir   = "agents"
	CommandsDir = "commands"
	HooksDir    = "hooks"

	SettingsFile      = "settings.json"
	LocalSettingsFile = "settings.local.json"
	DescriptorFile    = "CLAUDE.md"
	LocalDescriptor   = "CLAUDE.local.md"

	MarkdownExt = ".md"
	// DisabledExt marks a file-backed resource as present but inactive
	DisabledExt = ".disabled"
)

var (
	// ErrUnsupported indicates there is no file convention for a type/scope pair
	ErrUnsupported = errors.New("no file layout for resource")
	// ErrInvalidName indicates a name that does not map to a file inside
	// its type directory
	ErrInvalidName = errors.New("resource name does not map to a file")
)

// Root is one scope root as resolved for a scan. Path is canonical.
type Root struct {
	Path  string         `json:"path"`
	Scope resource.Scope `json:"scope"`
	// Exclude holds extra scan exclusions relative to Path
	Exclude []string `json:"exclude,omitempty"`
}

// Contains reports whether p (canonical) lies at or below the root
func (r Root) Contains(p string) bool {
	if p == r.Path {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(r.Path, string(filepath.Separator))+string(filepath.Separator))
}

// Layout resolves resource file locations for one installation
type Layout struct {
	UserRoot      string
	BuiltinRoot   string
	ConfigDirName string
}

// New returns a Layout, defaulting the config dir name
func New(userRoot, builtinRoot, configDirName string) *Layout {
	if configDirName == "" {
		configDirName = DefaultConfigDirName
	}
	return &Layout{UserRoot: userRoot, BuiltinRoot: builtinRoot, ConfigDirName: configDirName}
}

// ConfigBase returns the directory that holds agents/, commands/, hooks/ and
// settings for a scope. For user scope this is the user root itself; for a
// project it is <project>/<config dir>.
func (l *Layout) ConfigBase(scope resource.Scope, projectPath string) (string, error) {
	switch scope {
	case resource.ScopeUser:
		if l.UserRoot == "" {
			return "", fmt.Errorf("%w: user root not configured", ErrUnsupported)
		}
		return l.UserRoot, nil
	case resource.ScopeProject:
		if projectPath == "" || !filepath.IsAbs(projectPath) {
			return "", fmt.Errorf("%w: project path must be absolute, got %q", ErrUnsupported, projectPath)
		}
		return filepath.Join(projectPath, l.ConfigDirName), nil
	case resource.ScopeBuiltin:
		if l.BuiltinRoot == "" {
			return "", fmt.Errorf("%w: builtin root not configured", ErrUnsupported)
		}
		return l.BuiltinRoot, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrUnsupported, scope)
	}
}

// ScopeBase is the directory a scope "owns": the user root, or the project
// directory itself. Project descriptors live here rather than in ConfigBase.
func (l *Layout) ScopeBase(scope resource.Scope, projectPath string) (string, error) {
	if scope == resource.ScopeProject {
		if projectPath == "" || !filepath.IsAbs(projectPath) {
			return "", fmt.Errorf("%w: project path must be absolute, got %q", ErrUnsupported, projectPath)
		}
		return filepath.Clean(projectPath), nil
	}
	return l.ConfigBase(scope, projectPath)
}

// SettingsPath returns the settings document for a scope
func (l *Layout) SettingsPath(scope resource.Scope, projectPath string, local bool) (string, error) {
	base, err := l.ConfigBase(scope, projectPath)
	if err != nil {
		return "", err
	}
	if local {
		return filepath.Join(base, LocalSettingsFile), nil
	}
	return filepath.Join(base, SettingsFile), nil
}

// TargetPath derives where r would live in the given
// scope. Hooks embedded in settings map to the settings document; hook
// scripts keep their file name under hooks/.
func (l *Layout) TargetPath(r *resource.Resource, scope resource.Scope, projectPath string) (string, error) {
	switch r.Type {
	case resource.TypeAgent:
		base, err := l.ConfigBase(scope, projectPath)
		if err != nil {
			return "", err
		}
		if !PlainName(r.Name) {
			return "", fmt.Errorf("%w: agent %q", ErrInvalidName, r.Name)
		}
		return filepath.Join(base, AgentsDir, r.Name+MarkdownExt), nil
	case resource.TypeCommand:
		base, err := l.ConfigBase(scope, projectPath)
		if err != nil {
			return "", err
		}
		segments := strings.Split(r.Name, ":")
		if !allPlain(segments) {
			return "", fmt.Errorf("%w: command %q", ErrInvalidName, r.Name)
		}
		return filepath.Join(base, CommandsDir, filepath.Join(segments...)+MarkdownExt), nil
	case resource.TypeHook:
		if h := r.Hook(); h != nil && h.Kind == resource.HookKindScript {
			base, err := l.ConfigBase(scope, projectPath)
			if err != nil {
				return "", err
			}
			segments := strings.Split(r.Name, "/")
			if !allPlain(segments) {
				return "", fmt.Errorf("%w: hook script %q", ErrInvalidName, r.Name)
			}
			return filepath.Join(base, HooksDir, filepath.Join(segments...)), nil
		}
		return l.SettingsPath(scope, projectPath, false)
	case resource.TypeSettings:
		return l.SettingsPath(scope, projectPath, r.Name == LocalSettingsFile)
	case resource.TypeDescriptor:
		base, err := l.ScopeBase(scope, projectPath)
		if err != nil {
			return "", err
		}
		name := r.Name
		if name != LocalDescriptor {
			name = DescriptorFile
		}
		return filepath.Join(base, name), nil
	default:
		return "", fmt.Errorf("%w: type %q", ErrUnsupported, r.Type)
	}
}

// TypeDir returns the directory file-backed resources of type t live under
// in a scope. Agents sit directly in it; commands and hook scripts may nest.
func (l *Layout) TypeDir(t resource.Type, scope resource.Scope, projectPath string) (string, error) {
	var dir string
	switch t {
	case resource.TypeAgent:
		dir = AgentsDir
	case resource.TypeCommand:
		dir = CommandsDir
	case resource.TypeHook:
		dir = HooksDir
	default:
		return "", fmt.Errorf("%w: %s has no type directory", ErrUnsupported, t)
	}
	base, err := l.ConfigBase(scope, projectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, dir), nil
}

// PlainName reports whether name can stand as a single path element
func PlainName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func allPlain(segments []string) bool {
	for _, s := range segments {
		if !PlainName(s) {
			return false
		}
	}
	return true
}

// DisabledPath returns the inactive twin of a file-backed resource path
func DisabledPath(path string) string {
	if IsDisabled(path) {
		return path
	}
	return path + DisabledExt
}

// EnabledPath strips the disabled marker from path
func EnabledPath(path string) string {
	return strings.TrimSuffix(path, DisabledExt)
}

// IsDisabled reports whether path carries the disabled marker
func IsDisabled(path string) bool {
	return strings.HasSuffix(path, MarkdownExt+DisabledExt)
}
