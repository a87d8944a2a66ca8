// Package parser turns candidate files into typed resources.
//
// Each on-disk convention has its own parser; files that match no convention
// or fail structural parsing are skipped by discovery and only surfaced by
// Validate.
package parser

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/limits"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/settings"
)

var (
	// ErrNotResource marks a file that matches no resource convention
	ErrNotResource = errors.New("not a resource file")
	// ErrTooLarge marks a file above the resource size limit
	ErrTooLarge = errors.New("resource file too large")
)

var (
	agentPatterns   = []string{"agents/**/*.md", "agents/**/*.md.disabled"}
	commandPatterns = []string{"commands/**/*.md", "commands/**/*.md.disabled"}
	hookPatterns    = []string{"hooks/**/*"}
)

// Parser parses resource files for one layout
type Parser struct {
	layout *layout.Layout
	logger *log.Logger
}

// New creates a Parser
func New(l *layout.Layout, logger *log.Logger) *Parser {
	if logger == nil {
		logger = log.Default().WithPrefix("parser")
	}
	return &Parser{layout: l, logger: logger}
}

// TypeOf reports which resource type a location holds
func TypeOf(loc Location) (resource.Type, bool) {
	switch {
	case isDescriptorName(loc.Rel):
		return resource.TypeDescriptor, true
	case loc.Rel == layout.SettingsFile || loc.Rel == layout.LocalSettingsFile:
		return resource.TypeSettings, true
	case matchAny(agentPatterns, loc.Rel):
		return resource.TypeAgent, true
	case matchAny(commandPatterns, loc.Rel):
		return resource.TypeCommand, true
	case matchAny(hookPatterns, loc.Rel):
		return resource.TypeHook, true
	}
	return "", false
}

// Parse reads the file at filePath, located at loc, and returns the resources
// it defines. Settings documents yield the settings resource followed by one
// hook resource per rule.
func (p *Parser) Parse(loc Location, filePath string) ([]resource.Resource, error) {
	typ, ok := TypeOf(loc)
	if !ok {
		return nil, ErrNotResource
	}

	st, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, ErrNotResource
	}
	if st.Size() > limits.ResourceFile {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, filePath, st.Size())
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	base := resource.Resource{
		Type:         typ,
		Scope:        loc.Scope,
		ProjectPath:  loc.ProjectPath,
		FilePath:     filePath,
		LastModified: st.ModTime(),
		IsActive:     true,
	}

	switch typ {
	case resource.TypeAgent:
		r, err := parseAgent(base, loc, data)
		return single(r, err)
	case resource.TypeCommand:
		r, err := parseCommand(base, loc, data)
		return single(r, err)
	case resource.TypeDescriptor:
		r, err := parseDescriptor(base, loc, data)
		return single(r, err)
	case resource.TypeHook:
		r, err := p.parseHookScript(base, loc, st.Mode())
		return single(r, err)
	case resource.TypeSettings:
		return parseSettings(base, loc, data)
	}
	return nil, ErrNotResource
}

func single(r resource.Resource, err error) ([]resource.Resource, error) {
	if err != nil {
		return nil, err
	}
	return []resource.Resource{r}, nil
}

func finish(r *resource.Resource) {
	r.ID = resource.NewID(r.Type, r.Scope, r.ProjectPath, r.Name)
}

func parseSettings(base resource.Resource, loc Location, data []byte) ([]resource.Resource, error) {
	doc, err := settings.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", base.FilePath, err)
	}
	rules := doc.Rules()

	s := base
	s.Name = loc.Rel
	s.Metadata = &resource.SettingsMeta{
		Local:     loc.Rel == layout.LocalSettingsFile,
		Keys:      doc.Keys(),
		HookCount: len(rules),
	}
	finish(&s)
	out := []resource.Resource{s}

	for _, rule := range rules {
		h := base
		h.Type = resource.TypeHook
		h.Name = settings.ResourceName(base.FilePath, rule)
		h.IsActive = rule.Active
		if len(rule.Commands) > 0 {
			h.Description = rule.Commands[0].Command
		}
		h.Metadata = &resource.HookMeta{
			Kind:               resource.HookKindSettings,
			Event:              rule.Event,
			Matcher:            rule.Matcher,
			MatcherSynthesized: rule.MatcherSynthesized,
			Rule:               rule.Name(),
			Index:              rule.Index,
			Commands:           rule.Commands,
			SettingsPath:       base.FilePath,
		}
		finish(&h)
		out = append(out, h)
	}
	return out, nil
}

// parseHookScript describes a script under hooks/. It is active once a
// settings document in the same config dir references it.
func (p *Parser) parseHookScript(base resource.Resource, loc Location, mode os.FileMode) (resource.Resource, error) {
	name := strings.TrimPrefix(loc.Rel, layout.HooksDir+"/")
	base.Name = name
	base.Description = "hook script"
	base.IsActive = referencedBySettings(loc.ConfigBase, path.Join(layout.HooksDir, name))
	base.Metadata = &resource.HookMeta{Kind: resource.HookKindScript}
	if mode&0o111 == 0 {
		p.logger.Debug("hook script is not executable", "path", base.FilePath)
	}
	finish(&base)
	return base, nil
}

func referencedBySettings(configBase, scriptRel string) bool {
	for _, name := range []string{layout.SettingsFile, layout.LocalSettingsFile} {
		doc, err := settings.Load(filepath.Join(configBase, name))
		if err != nil {
			continue
		}
		for _, rule := range doc.Rules() {
			if !rule.Active {
				continue
			}
			for _, c := range rule.Commands {
				if strings.Contains(filepath.ToSlash(c.Command), scriptRel) {
					return true
				}
			}
		}
	}
	return false
}

func matchAny(patterns []string, rel string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}
