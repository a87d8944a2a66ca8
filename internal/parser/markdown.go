package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/adrg/frontmatter"

	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/resource"
)

var (
	// ErrMissingField marks front matter lacking a required key
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidName marks a name that cannot serve as a file name and ID
	ErrInvalidName = errors.New("invalid resource name")

	importRE = regexp.MustCompile(`(?:^|\s)@((?:~|\.{1,2})?/?[\w.\-/]+)`)
)

// frontMatter decodes optional front matter into a generic map. Values may
// be scalars or lists depending on how the author wrote them.
func frontMatter(data []byte, required bool) (map[string]any, []byte, error) {
	fm := map[string]any{}
	var (
		rest []byte
		err  error
	)
	if required {
		rest, err = frontmatter.MustParse(bytes.NewReader(data), &fm)
	} else {
		rest, err = frontmatter.Parse(bytes.NewReader(data), &fm)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("front matter: %w", err)
	}
	return fm, rest, nil
}

func stringField(fm map[string]any, key string) string {
	switch v := fm[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// listField accepts a YAML list or a comma separated string
func listField(fm map[string]any, key string) []string {
	var out []string
	switch v := fm[key].(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func parseAgent(base resource.Resource, loc Location, data []byte) (resource.Resource, error) {
	fm, _, err := frontMatter(data, true)
	if err != nil {
		return resource.Resource{}, err
	}
	base.Name = stringField(fm, "name")
	base.Description = stringField(fm, "description")
	if base.Name == "" {
		return resource.Resource{}, fmt.Errorf("%w: name", ErrMissingField)
	}
	if err := checkAgentName(base.Name); err != nil {
		return resource.Resource{}, err
	}
	if base.Description == "" {
		return resource.Resource{}, fmt.Errorf("%w: description", ErrMissingField)
	}
	base.IsActive = !layout.IsDisabled(loc.Rel)
	base.Metadata = &resource.AgentMeta{
		Tools: listField(fm, "tools"),
		Model: stringField(fm, "model"),
		Color: stringField(fm, "color"),
	}
	finish(&base)
	return base, nil
}

// checkAgentName rejects names that would leave the agents directory or
// break the ID format
func checkAgentName(name string) error {
	if !layout.PlainName(name) || strings.Contains(name, "..") || strings.ContainsAny(name, "@:") {
		return fmt.Errorf("%w: %q may not contain path separators, \"..\", \"@\" or \":\"", ErrInvalidName, name)
	}
	return nil
}

func parseCommand(base resource.Resource, loc Location, data []byte) (resource.Resource, error) {
	fm, body, err := frontMatter(data, false)
	if err != nil {
		return resource.Resource{}, err
	}
	rel := strings.TrimPrefix(loc.Rel, layout.CommandsDir+"/")
	rel = strings.TrimSuffix(layout.EnabledPath(rel), layout.MarkdownExt)

	base.Name = strings.ReplaceAll(rel, "/", ":")
	base.Description = stringField(fm, "description")
	if base.Description == "" {
		base.Description = firstLine(body)
	}
	base.IsActive = !layout.IsDisabled(loc.Rel)

	var namespace string
	if dir := path.Dir(rel); dir != "." {
		namespace = strings.ReplaceAll(dir, "/", ":")
	}
	base.Metadata = &resource.CommandMeta{
		Namespace:    namespace,
		AllowedTools: listField(fm, "allowed-tools"),
		ArgumentHint: stringField(fm, "argument-hint"),
		Model:        stringField(fm, "model"),
	}
	finish(&base)
	return base, nil
}

func parseDescriptor(base resource.Resource, loc Location, data []byte) (resource.Resource, error) {
	meta := &resource.DescriptorMeta{}
	seen := map[string]bool{}
	inFence := false

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		line := sc.Text()
		meta.Lines++
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			if h := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); h != "" {
				meta.Headings = append(meta.Headings, h)
			}
			continue
		}
		for _, m := range importRE.FindAllStringSubmatch(line, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				meta.Imports = append(meta.Imports, m[1])
			}
		}
	}
	if err := sc.Err(); err != nil {
		return resource.Resource{}, err
	}

	base.Name = path.Base(loc.Rel)
	if len(meta.Headings) > 0 {
		base.Description = meta.Headings[0]
	}
	base.Metadata = meta
	finish(&base)
	return base, nil
}

// firstLine returns the first non-empty body line without heading markers
func firstLine(body []byte) string {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			return line
		}
	}
	return ""
}
