package parser

import (
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/scanner"
)

// Location is where a candidate file sits in the scope model
type Location struct {
	Scope       resource.Scope
	ProjectPath string
	// ConfigBase is the directory holding agents/, commands/ and settings
	ConfigBase string
	// Rel is slash-separated and relative to ConfigBase. Project descriptors
	// outside the config dir are relative to the project directory instead.
	Rel string
	// RootIndex is the root that owns the file after symlink resolution
	RootIndex int
}

// Classify maps a candidate to its scope. The symlink-resolved path decides:
// the deepest root containing it wins, ties going to the earlier root. A
// candidate whose target lies outside every root is classified by the root
// that discovered it.
func (p *Parser) Classify(roots []layout.Root, c scanner.Candidate) (Location, bool) {
	if c.Root < 0 || c.Root >= len(roots) {
		return Location{}, false
	}

	owner, rel := c.Root, c.RelPath
	canonical, err := filepath.EvalSymlinks(c.Path)
	if err == nil {
		if i := deepestRoot(roots, canonical); i >= 0 {
			if r, err := filepath.Rel(roots[i].Path, canonical); err == nil {
				owner, rel = i, filepath.ToSlash(r)
			}
		}
	}

	loc, ok := p.locate(roots[owner], rel)
	loc.RootIndex = owner
	return loc, ok
}

func deepestRoot(roots []layout.Root, canonical string) int {
	best := -1
	for i, r := range roots {
		if !r.Contains(canonical) {
			continue
		}
		if best < 0 || len(r.Path) > len(roots[best].Path) {
			best = i
		}
	}
	return best
}

func (p *Parser) locate(root layout.Root, rel string) (Location, bool) {
	if rel == "" || rel == "." {
		return Location{}, false
	}
	segs := strings.Split(rel, "/")

	if root.Scope != resource.ScopeProject {
		// The user and builtin roots are config dirs themselves
		loc := Location{Scope: root.Scope, ConfigBase: root.Path, Rel: rel}
		if isDescriptorName(rel) || !isDescriptorName(path.Base(rel)) {
			return loc, true
		}
		return Location{}, false
	}

	if i := slices.Index(segs, p.layout.ConfigDirName); i >= 0 && i < len(segs)-1 {
		project := filepath.Join(append([]string{root.Path}, segs[:i]...)...)
		return Location{
			Scope:       resource.ScopeProject,
			ProjectPath: project,
			ConfigBase:  filepath.Join(project, p.layout.ConfigDirName),
			Rel:         path.Join(segs[i+1:]...),
		}, true
	}

	if isDescriptorName(segs[len(segs)-1]) {
		project := filepath.Join(append([]string{root.Path}, segs[:len(segs)-1]...)...)
		return Location{
			Scope:       resource.ScopeProject,
			ProjectPath: project,
			ConfigBase:  filepath.Join(project, p.layout.ConfigDirName),
			Rel:         segs[len(segs)-1],
		}, true
	}
	return Location{}, false
}

func isDescriptorName(name string) bool {
	return name == layout.DescriptorFile || name == layout.LocalDescriptor
}

// Wants is a scanner filter admitting only paths that could hold a resource
func Wants(configDirName string) func(rel string) bool {
	return func(rel string) bool {
		segs := strings.Split(rel, "/")
		if isDescriptorName(segs[len(segs)-1]) {
			return true
		}
		if slices.Contains(segs[:len(segs)-1], configDirName) {
			return true
		}
		switch segs[0] {
		case layout.AgentsDir, layout.CommandsDir, layout.HooksDir:
			return len(segs) > 1
		case layout.SettingsFile, layout.LocalSettingsFile:
			return len(segs) == 1
		}
		return false
	}
}
