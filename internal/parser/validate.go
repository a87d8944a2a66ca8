package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/limits"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/scanner"
	"github.com/gurisko/scopectl/internal/settings"
)

// Severity grades a validation issue
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found by Validate
type Issue struct {
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// Report is the outcome of validating one file
type Report struct {
	Path   string         `json:"path"`
	Valid  bool           `json:"valid"`
	Type   resource.Type  `json:"type,omitempty"`
	Scope  resource.Scope `json:"scope,omitempty"`
	ID     string         `json:"id,omitempty"`
	Issues []Issue        `json:"issues"`
}

func (r *Report) add(sev Severity, field, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Severity: sev, Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a single file against the convention its location implies.
// Unlike Parse it reports every structural problem instead of skipping.
func (p *Parser) Validate(roots []layout.Root, filePath string) (rep Report) {
	rep = Report{Path: filePath, Issues: []Issue{}}
	defer func() {
		rep.Valid = true
		for _, is := range rep.Issues {
			if is.Severity == SeverityError {
				rep.Valid = false
			}
		}
	}()

	abs, err := filepath.Abs(filePath)
	if err != nil {
		rep.add(SeverityError, "", "%v", err)
		return rep
	}
	rep.Path = abs

	cand, ok := candidateFor(roots, abs)
	if !ok {
		rep.add(SeverityError, "", "file is not under any scope root")
		return rep
	}
	loc, ok := p.Classify(roots, cand)
	if !ok {
		rep.add(SeverityError, "", "file does not belong to any scope")
		return rep
	}
	typ, ok := TypeOf(loc)
	if !ok {
		rep.add(SeverityError, "", "path %q matches no resource convention", loc.Rel)
		return rep
	}
	rep.Type, rep.Scope = typ, loc.Scope

	st, err := os.Stat(abs)
	if err != nil {
		rep.add(SeverityError, "", "%v", err)
		return rep
	}
	if st.Size() > limits.ResourceFile {
		rep.add(SeverityError, "", "file is %d bytes, limit is %d", st.Size(), limits.ResourceFile)
		return rep
	}

	switch typ {
	case resource.TypeSettings:
		p.validateSettings(&rep, abs)
	case resource.TypeAgent:
		p.validateAgent(&rep, abs)
	case resource.TypeDescriptor:
		p.validateDescriptor(&rep, loc, abs)
	case resource.TypeHook:
		if st.Mode()&0o111 == 0 {
			rep.add(SeverityWarning, "mode", "hook script is not executable")
		}
	}

	resources, err := p.Parse(loc, abs)
	switch {
	case err != nil && len(rep.Issues) == 0:
		rep.add(SeverityError, "", "%v", err)
	case err == nil && len(resources) > 0:
		rep.ID = resources[0].ID
	}
	return rep
}

func candidateFor(roots []layout.Root, abs string) (scanner.Candidate, bool) {
	best := deepestRoot(roots, abs)
	if best < 0 {
		if canonical, err := filepath.EvalSymlinks(abs); err == nil {
			best = deepestRoot(roots, canonical)
			abs = canonical
		}
	}
	if best < 0 {
		return scanner.Candidate{}, false
	}
	rel, err := filepath.Rel(roots[best].Path, abs)
	if err != nil {
		return scanner.Candidate{}, false
	}
	return scanner.Candidate{Path: abs, Root: best, RelPath: filepath.ToSlash(rel)}, true
}

func (p *Parser) validateAgent(rep *Report, abs string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		rep.add(SeverityError, "", "%v", err)
		return
	}
	fm, _, err := frontMatter(data, true)
	if err != nil {
		rep.add(SeverityError, "frontmatter", "%v", err)
		return
	}
	name := stringField(fm, "name")
	if name == "" {
		rep.add(SeverityError, "name", "agent requires a name")
	} else if err := checkAgentName(name); err != nil {
		rep.add(SeverityError, "name", "%v", err)
	}
	if stringField(fm, "description") == "" {
		rep.add(SeverityError, "description", "agent requires a description")
	}
	file := strings.TrimSuffix(layout.EnabledPath(filepath.Base(abs)), layout.MarkdownExt)
	if name != "" && name != file {
		rep.add(SeverityWarning, "name", "name %q differs from file name %q", name, file)
	}
	if v, ok := fm["tools"]; ok {
		switch v.(type) {
		case string, []any:
		default:
			rep.add(SeverityError, "tools", "tools must be a list or a comma separated string")
		}
	}
}

func (p *Parser) validateSettings(rep *Report, abs string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		rep.add(SeverityError, "", "%v", err)
		return
	}
	if !json.Valid(data) {
		rep.add(SeverityError, "", "invalid JSON")
		return
	}
	doc, err := settings.Parse(data)
	if err != nil {
		rep.add(SeverityError, "hooks", "%v", err)
		return
	}

	var raw struct {
		Hooks map[string][]json.RawMessage `json:"hooks"`
	}
	_ = json.Unmarshal(data, &raw)
	recognized := map[string]bool{}
	for _, r := range doc.Rules() {
		if r.Active {
			recognized[fmt.Sprintf("%s/%d", r.Event, r.Index)] = true
		}
		if len(r.Commands) == 0 {
			rep.add(SeverityWarning, "hooks."+r.Event, "rule %s runs no commands", r.Name())
		}
	}
	for event, rules := range raw.Hooks {
		for i := range rules {
			if !recognized[fmt.Sprintf("%s/%d", event, i)] {
				rep.add(SeverityError, fmt.Sprintf("hooks.%s[%d]", event, i), "unrecognized hook rule shape")
			}
		}
	}
}

func (p *Parser) validateDescriptor(rep *Report, loc Location, abs string) {
	data, err := os.ReadFile(abs)
	if err != nil {
		rep.add(SeverityError, "", "%v", err)
		return
	}
	r, err := parseDescriptor(resource.Resource{}, loc, data)
	if err != nil {
		rep.add(SeverityError, "", "%v", err)
		return
	}
	dir := filepath.Dir(abs)
	home, _ := os.UserHomeDir()
	for _, imp := range r.Descriptor().Imports {
		target := imp
		switch {
		case strings.HasPrefix(imp, "~/") && home != "":
			target = filepath.Join(home, imp[2:])
		case !filepath.IsAbs(imp):
			target = filepath.Join(dir, imp)
		}
		if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
			rep.add(SeverityWarning, "imports", "import %s does not exist", imp)
		}
	}
}
