package registry

import "time"

// Project is a registered project root. Its position in the registry is its
// scan priority among project roots.
type Project struct {
	ID           string    `yaml:"id" json:"id"`                               // UUID v4
	Name         string    `yaml:"name" json:"name"`                           // Human-readable project name
	Path         string    `yaml:"path" json:"path"`                           // Canonical path to the project directory
	Position     int       `yaml:"position" json:"position"`                   // Registration order, lower scans first
	Exclude      []string  `yaml:"exclude,omitempty" json:"exclude,omitempty"` // Extra scan exclusions relative to Path
	RegisteredAt time.Time `yaml:"registered_at" json:"registered_at"`         // When project was registered
}

// RegistryData holds all registered projects
type RegistryData struct {
	Projects map[string]*Project `yaml:"projects" json:"projects"` // Map of project ID to Project
	NextPos  int                 `yaml:"next_position" json:"-"`
}
