package resource

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of configuration resource
type Type string

const (
	TypeAgent      Type = "agent"
	TypeCommand    Type = "command"
	TypeHook       Type = "hook"
	TypeSettings   Type = "settings"
	TypeDescriptor Type = "project-descriptor"
)

// Types lists every resource type in a stable order
var Types = []Type{TypeAgent, TypeCommand, TypeHook, TypeSettings, TypeDescriptor}

// Valid reports whether t is a known resource type
func (t Type) Valid() bool {
	switch t {
	case TypeAgent, TypeCommand, TypeHook, TypeSettings, TypeDescriptor:
		return true
	}
	return false
}

// Scope is the visibility tier of a resource
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
	ScopeBuiltin Scope = "builtin"
)

// Valid reports whether s is a known scope
func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeProject, ScopeBuiltin:
		return true
	}
	return false
}

// Resource is one discovered configuration unit. Resources are views over the
// filesystem and are recomputed on every scan.
type Resource struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	Scope        Scope     `json:"scope"`
	ProjectPath  string    `json:"projectPath,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	FilePath     string    `json:"filePath"`
	LastModified time.Time `json:"lastModified"`
	IsActive     bool      `json:"isActive"`
	Metadata     Metadata  `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes metadata into the variant selected by the type field.
func (r *Resource) UnmarshalJSON(data []byte) error {
	type plain Resource
	var raw struct {
		plain
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Resource(raw.plain)
	r.Metadata = nil
	if len(raw.Metadata) == 0 || string(raw.Metadata) == "null" {
		return nil
	}
	meta, err := newMetadata(r.Type)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw.Metadata, meta); err != nil {
		return fmt.Errorf("decode %s metadata: %w", r.Type, err)
	}
	r.Metadata = meta
	return nil
}

// Agent returns the agent metadata, or nil when r is not an agent
func (r *Resource) Agent() *AgentMeta {
	m, _ := r.Metadata.(*AgentMeta)
	return m
}

// Command returns the command metadata, or nil when r is not a command
func (r *Resource) Command() *CommandMeta {
	m, _ := r.Metadata.(*CommandMeta)
	return m
}

// Hook returns the hook metadata, or nil when r is not a hook
func (r *Resource) Hook() *HookMeta {
	m, _ := r.Metadata.(*HookMeta)
	return m
}

// Settings returns the settings metadata, or nil when r is not a settings document
func (r *Resource) Settings() *SettingsMeta {
	m, _ := r.Metadata.(*SettingsMeta)
	return m
}

// Descriptor returns the project descriptor metadata, or nil for other types
func (r *Resource) Descriptor() *DescriptorMeta {
	m, _ := r.Metadata.(*DescriptorMeta)
	return m
}
