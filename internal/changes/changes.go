// Package changes keeps an append-only history of every file write made on
// behalf of a resource and can roll a resource back to an earlier state.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/gurisko/scopectl/internal/fsutil"
	"github.com/gurisko/scopectl/internal/kvstore"
)

const keyPrefix = "resource-change:"

// ErrChangeNotFound is returned by Revert for an unknown change
var ErrChangeNotFound = errors.New("change not found")

// Type classifies a change
type Type string

const (
	TypeCreate  Type = "create"
	TypeModify  Type = "modify"
	TypeDelete  Type = "delete"
	TypeRestore Type = "restore"
)

// FileState is the prior content of a file an operation touched. A nil
// Before means the file did not exist.
type FileState struct {
	Path   string  `json:"path"`
	Before *string `json:"before,omitempty"`
}

// Change is one history entry
type Change struct {
	ID            string    `json:"id"`
	ResourceID    string    `json:"resourceId"`
	Timestamp     time.Time `json:"timestamp"`
	Author        string    `json:"author"`
	Reason        string    `json:"reason,omitempty"`
	ChangeType    Type      `json:"changeType"`
	BeforeContent *string   `json:"beforeContent,omitempty"`
	AfterContent  string    `json:"afterContent"`
	ScopePath     string    `json:"scopePath"`
	FilePath      string    `json:"filePath"`
	// Related lists other files the same operation changed, such as the
	// source of a move
	Related []FileState `json:"related,omitempty"`
}

// Key returns the storage key for a resource's history
func Key(resourceID string) string { return keyPrefix + resourceID }

// Content returns a pointer to s, for BeforeContent
func Content(s string) *string { return &s }

// Tracker records and reverts changes
type Tracker struct {
	store  kvstore.Store
	author string
	now    func() time.Time
	logger *log.Logger
	mu     sync.Mutex
}

// NewTracker creates a Tracker. author defaults to the current user.
func NewTracker(store kvstore.Store, author string, logger *log.Logger) *Tracker {
	if author == "" {
		author = os.Getenv("USER")
	}
	if author == "" {
		author = "unknown"
	}
	if logger == nil {
		logger = log.Default().WithPrefix("changes")
	}
	return &Tracker{store: store, author: author, now: time.Now, logger: logger}
}

// Record appends c to its resource's history, assigning ID, timestamp and
// (when empty) author.
func (t *Tracker) Record(ctx context.Context, c Change) (Change, error) {
	if c.ResourceID == "" {
		return Change{}, errors.New("change has no resource id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(ctx, c)
}

func (t *Tracker) appendLocked(ctx context.Context, c Change) (Change, error) {
	history, err := t.historyLocked(ctx, c.ResourceID)
	if err != nil {
		return Change{}, err
	}
	c.ID = uuid.New().String()
	c.Timestamp = t.now().UTC()
	if n := len(history); n > 0 && !c.Timestamp.After(history[n-1].Timestamp) {
		// Keep history strictly ordered even if the clock stalls
		c.Timestamp = history[n-1].Timestamp.Add(time.Nanosecond)
	}
	if c.Author == "" {
		c.Author = t.author
	}

	data, err := json.Marshal(append(history, c))
	if err != nil {
		return Change{}, fmt.Errorf("encode history: %w", err)
	}
	if err := t.store.Set(ctx, Key(c.ResourceID), data); err != nil {
		return Change{}, fmt.Errorf("store history for %s: %w", c.ResourceID, err)
	}
	t.logger.Debug("change recorded", "resource", c.ResourceID, "type", c.ChangeType, "file", c.FilePath)
	return c, nil
}

// History returns a resource's changes, oldest first
func (t *Tracker) History(ctx context.Context, resourceID string) ([]Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.historyLocked(ctx, resourceID)
}

func (t *Tracker) historyLocked(ctx context.Context, resourceID string) ([]Change, error) {
	raw, err := t.store.Get(ctx, Key(resourceID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", resourceID, err)
	}
	var history []Change
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history for %s: %w", resourceID, err)
	}
	return history, nil
}

// Revert restores the files touched by changeID to their state before that
// change and records a restore entry. The resource's current file is taken
// from its latest history entry.
func (t *Tracker) Revert(ctx context.Context, resourceID, changeID string) (Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history, err := t.historyLocked(ctx, resourceID)
	if err != nil {
		return Change{}, err
	}
	var target *Change
	for i := range history {
		if history[i].ID == changeID {
			target = &history[i]
			break
		}
	}
	if target == nil {
		return Change{}, fmt.Errorf("%w: %s for %s", ErrChangeNotFound, changeID, resourceID)
	}
	current := history[len(history)-1].FilePath
	if current == "" {
		current = target.FilePath
	}

	before, existed, err := fsutil.ReadOptional(current)
	if err != nil {
		return Change{}, fmt.Errorf("read %s: %w", current, err)
	}

	if err := restoreFile(current, target.BeforeContent); err != nil {
		return Change{}, err
	}
	for _, rel := range target.Related {
		if err := restoreFile(rel.Path, rel.Before); err != nil {
			return Change{}, err
		}
	}

	entry := Change{
		ResourceID: resourceID,
		Reason:     "revert " + changeID,
		ChangeType: TypeRestore,
		ScopePath:  target.ScopePath,
		FilePath:   current,
	}
	if existed {
		entry.BeforeContent = Content(string(before))
	}
	if target.BeforeContent != nil {
		entry.AfterContent = *target.BeforeContent
	}
	return t.appendLocked(ctx, entry)
}

// restoreFile makes path hold content, or removes it when content is nil
func restoreFile(path string, content *string) error {
	if content == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	return fsutil.WriteFileAtomic(path, []byte(*content), 0o644)
}
