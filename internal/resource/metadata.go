package resource

import "fmt"

// Metadata is the type-specific payload of a Resource. Exactly one variant
// exists per resource type.
type Metadata interface {
	ResourceType() Type
}

// AgentMeta is parsed from an agent's front matter
type AgentMeta struct {
	Tools []string `json:"tools,omitempty"`
	Model string   `json:"model,omitempty"`
	Color string   `json:"color,omitempty"`
}

func (*AgentMeta) ResourceType() Type { return TypeAgent }

// CommandMeta describes a slash command file
type CommandMeta struct {
	// Namespace is the sub-directory path below commands/, joined with ":"
	Namespace    string   `json:"namespace,omitempty"`
	AllowedTools []string `json:"allowedTools,omitempty"`
	ArgumentHint string   `json:"argumentHint,omitempty"`
	Model        string   `json:"model,omitempty"`
}

func (*CommandMeta) ResourceType() Type { return TypeCommand }

// HookKind distinguishes hooks embedded in a settings document from hook
// script files living in a hooks/ directory.
type HookKind string

const (
	HookKindSettings HookKind = "settings"
	HookKindScript   HookKind = "script"
)

// HookCommand is one action attached to a hook rule
type HookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// HookMeta describes one hook rule (event + matcher) or a hook script
type HookMeta struct {
	Kind    HookKind `json:"kind"`
	Event   string   `json:"event,omitempty"`
	Matcher string   `json:"matcher,omitempty"`
	// MatcherSynthesized is set when the rule had no matcher and Matcher holds
	// the positional fallback name.
	MatcherSynthesized bool `json:"matcherSynthesized,omitempty"`
	// Rule is the rule's name inside its settings document
	Rule         string        `json:"rule,omitempty"`
	Index        int           `json:"index"`
	Commands     []HookCommand `json:"commands,omitempty"`
	SettingsPath string        `json:"settingsPath,omitempty"`
}

func (*HookMeta) ResourceType() Type { return TypeHook }

// SettingsMeta summarizes a settings document
type SettingsMeta struct {
	Local     bool     `json:"local"`
	Keys      []string `json:"keys,omitempty"`
	HookCount int      `json:"hookCount"`
}

func (*SettingsMeta) ResourceType() Type { return TypeSettings }

// DescriptorMeta summarizes a project descriptor markdown file
type DescriptorMeta struct {
	Headings []string `json:"headings,omitempty"`
	Imports  []string `json:"imports,omitempty"`
	Lines    int      `json:"lines"`
}

func (*DescriptorMeta) ResourceType() Type { return TypeDescriptor }

func newMetadata(t Type) (Metadata, error) {
	switch t {
	case TypeAgent:
		return &AgentMeta{}, nil
	case TypeCommand:
		return &CommandMeta{}, nil
	case TypeHook:
		return &HookMeta{}, nil
	case TypeSettings:
		return &SettingsMeta{}, nil
	case TypeDescriptor:
		return &DescriptorMeta{}, nil
	default:
		return nil, fmt.Errorf("unknown resource type %q", t)
	}
}
