// Package registry keeps the set of project roots scanned alongside the user
// root, persisted as YAML.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/gurisko/scopectl/internal/fsutil"
)

var (
	// ErrProjectNotFound indicates the project ID doesn't exist
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectAlreadyExists indicates the path is already registered
	ErrProjectAlreadyExists = errors.New("project already exists")
	// ErrInvalidPath indicates the path doesn't exist or is not a directory
	ErrInvalidPath = errors.New("invalid path")
)

// Registry manages the collection of registered projects
type Registry struct {
	filePath string
	data     *RegistryData
	mu       sync.RWMutex
}

// New creates a Registry backed by filePath, loading it if present
func New(filePath string) (*Registry, error) {
	r := &Registry{
		filePath: filePath,
		data:     &RegistryData{Projects: make(map[string]*Project)},
	}
	if err := r.Load(); err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return r, nil
}

// Load reads the registry from disk. A missing file is an empty registry.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok, err := fsutil.ReadOptional(r.filePath)
	if err != nil {
		return err
	}
	if !ok {
		r.data = &RegistryData{Projects: make(map[string]*Project)}
		return nil
	}

	var registryData RegistryData
	if err := yaml.Unmarshal(data, &registryData); err != nil {
		return fmt.Errorf("failed to unmarshal registry: %w", err)
	}
	if registryData.Projects == nil {
		registryData.Projects = make(map[string]*Project)
	}
	for _, p := range registryData.Projects {
		if p.Position >= registryData.NextPos {
			registryData.NextPos = p.Position + 1
		}
	}
	r.data = &registryData
	return nil
}

// saveNoLock persists the registry (caller must hold lock)
func (r *Registry) saveNoLock() error {
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(r.data)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	return fsutil.WriteFileAtomic(r.filePath, data, 0o600)
}

// Canonicalize resolves path to the absolute, symlink-free form the registry
// stores, requiring an existing directory.
func Canonicalize(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: path=%s: %v", ErrInvalidPath, path, err)
	}
	if realPath, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = realPath
	}
	st, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("%w: path=%s: %v", ErrInvalidPath, absPath, err)
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%w: path=%s: not a directory", ErrInvalidPath, absPath)
	}
	return absPath, nil
}

// RegisterAndSave registers project and persists the registry.
// On save failure, the in-memory change is rolled back.
func (r *Registry) RegisterAndSave(project *Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	absPath, err := Canonicalize(project.Path)
	if err != nil {
		return err
	}
	for _, p := range r.data.Projects {
		if p.Path == absPath {
			return ErrProjectAlreadyExists
		}
	}

	project.Path = absPath
	if project.Name == "" {
		project.Name = filepath.Base(absPath)
	}
	if project.RegisteredAt.IsZero() {
		project.RegisteredAt = time.Now().UTC()
	}
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	project.Position = r.data.NextPos

	r.data.Projects[project.ID] = project
	r.data.NextPos++

	if err := r.saveNoLock(); err != nil {
		delete(r.data.Projects, project.ID)
		r.data.NextPos--
		return fmt.Errorf("persist failed: %w", err)
	}
	return nil
}

// UnregisterAndSave removes a project and persists the registry.
// On save failure, the removal is rolled back.
func (r *Registry) UnregisterAndSave(projectID string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	proj, ok := r.data.Projects[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	delete(r.data.Projects, projectID)

	if err := r.saveNoLock(); err != nil {
		r.data.Projects[projectID] = proj
		return nil, fmt.Errorf("persist failed: %w", err)
	}
	return proj, nil
}

// Get returns the project with the given ID
func (r *Registry) Get(projectID string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.data.Projects[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

// List returns all registered projects in priority (registration) order
func (r *Registry) List() []*Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	projects := make([]*Project, 0, len(r.data.Projects))
	for _, p := range r.data.Projects {
		cp := *p
		projects = append(projects, &cp)
	}

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Position == projects[j].Position {
			return projects[i].ID < projects[j].ID
		}
		return projects[i].Position < projects[j].Position
	})

	return projects
}
