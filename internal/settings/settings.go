// Package settings reads and edits settings documents and the hook rules
// they carry. Unknown keys survive an edit with their values intact, though
// the document is re-rendered with sorted top-level keys and two-space
// indentation.
//
// Active rules live under "hooks"; deactivated rules are parked under
// "disabledHooks" with the same event layout so they can be restored.
package settings

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/gurisko/scopectl/internal/fsutil"
	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/resource"
)

const (
	hooksKey    = "hooks"
	disabledKey = "disabledHooks"
)

var (
	// ErrConcurrentModification is returned by Save when the file changed
	// on disk after it was loaded
	ErrConcurrentModification = errors.New("settings document modified concurrently")
	// ErrRuleExists is returned when adding a rule whose name is taken
	ErrRuleExists = errors.New("hook rule already exists")
	// ErrRuleNotFound is returned when a named rule is absent
	ErrRuleNotFound = errors.New("hook rule not found")
)

// Rule is one hook rule: an event, a matcher and the commands it runs
type Rule struct {
	Event   string
	Matcher string
	// MatcherSynthesized is set when the rule carried no matcher
	MatcherSynthesized bool
	// Index is the position within the event's array of its section
	Index int
	// Ordinal counts rules sharing event and matcher in Rules order, from 1
	Ordinal  int
	Commands []resource.HookCommand
	Active   bool
	// Raw is the rule exactly as stored
	Raw json.RawMessage
}

// Name is the rule identity within a document: "<event>:<matcher>", with
// "#<n>" appended for the n-th rule sharing both.
func (r Rule) Name() string { return RuleName(r.Event, r.Matcher, r.Ordinal) }

// RuleName formats a rule identity
func RuleName(event, matcher string, ordinal int) string {
	name := event + ":" + matcher
	if ordinal > 1 {
		name += "#" + strconv.Itoa(ordinal)
	}
	return name
}

// ResourceName is the hook resource name of r in the document at docPath.
// Rules of a local settings document are prefixed with its file name so
// they never share an identity with the shared document's rules.
func ResourceName(docPath string, r Rule) string {
	if filepath.Base(docPath) == layout.LocalSettingsFile {
		return layout.LocalSettingsFile + "#" + r.Name()
	}
	return r.Name()
}

// SynthesizedMatcher is the positional name for a rule without a matcher
func SynthesizedMatcher(index int) string { return "matcher-" + strconv.Itoa(index) }

type ruleJSON struct {
	Matcher *string                `json:"matcher"`
	Hooks   []resource.HookCommand `json:"hooks"`
	Type    string                 `json:"type"`
	Command string                 `json:"command"`
	Timeout int                    `json:"timeout"`
}

// decodeRule accepts the matcher form {matcher, hooks}, the legacy wrapper
// {hooks} and a bare command object. It reports false for anything else.
func decodeRule(event string, index int, raw json.RawMessage) (Rule, bool) {
	var rj ruleJSON
	if err := json.Unmarshal(raw, &rj); err != nil {
		return Rule{}, false
	}
	r := Rule{Event: event, Index: index, Raw: raw}
	switch {
	case len(rj.Hooks) > 0:
		r.Commands = rj.Hooks
	case rj.Command != "":
		typ := rj.Type
		if typ == "" {
			typ = "command"
		}
		r.Commands = []resource.HookCommand{{Type: typ, Command: rj.Command, Timeout: rj.Timeout}}
	case rj.Matcher == nil:
		return Rule{}, false
	}
	if rj.Matcher != nil && *rj.Matcher != "" {
		r.Matcher = *rj.Matcher
	} else {
		r.Matcher = SynthesizedMatcher(index)
		r.MatcherSynthesized = true
	}
	return r, true
}

// Document is a parsed settings file
type Document struct {
	Path     string
	top      map[string]json.RawMessage
	active   map[string][]json.RawMessage
	disabled map[string][]json.RawMessage
	version  string
}

// Version returns the content hash observed when the document was read. A
// missing file has an empty version.
func (d *Document) Version() string { return d.version }

// Exists reports whether the document was read from an existing file
func (d *Document) Exists() bool { return d.version != "" }

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads path. A missing file yields an empty document.
func Load(path string) (*Document, error) {
	data, ok, err := fsutil.ReadOptional(path)
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	if !ok {
		return &Document{Path: path, top: map[string]json.RawMessage{}}, nil
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	d.Path = path
	return d, nil
}

// Parse decodes a settings document. Hook sections must be objects keyed by
// event whose values are arrays.
func Parse(data []byte) (*Document, error) {
	d := &Document{version: hashOf(data)}
	if len(bytes.TrimSpace(data)) == 0 {
		d.top = map[string]json.RawMessage{}
		return d, nil
	}
	if err := json.Unmarshal(data, &d.top); err != nil {
		return nil, err
	}
	if d.top == nil {
		return nil, errors.New("settings document must be a JSON object")
	}
	var err error
	if d.active, err = decodeSection(d.top[hooksKey]); err != nil {
		return nil, fmt.Errorf("%s: %w", hooksKey, err)
	}
	if d.disabled, err = decodeSection(d.top[disabledKey]); err != nil {
		return nil, fmt.Errorf("%s: %w", disabledKey, err)
	}
	return d, nil
}

func decodeSection(raw json.RawMessage) (map[string][]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var section map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &section); err != nil {
		return nil, err
	}
	return section, nil
}

// Keys lists the top-level keys in lexical order
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.top))
	for k := range d.top {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Rules returns every recognizable rule, active ones first, each group
// ordered by event then position.
func (d *Document) Rules() []Rule {
	var out []Rule
	out = appendRules(out, d.active, true)
	out = appendRules(out, d.disabled, false)
	seen := map[string]int{}
	for i := range out {
		key := out[i].Event + ":" + out[i].Matcher
		seen[key]++
		out[i].Ordinal = seen[key]
	}
	return out
}

func appendRules(out []Rule, section map[string][]json.RawMessage, active bool) []Rule {
	events := make([]string, 0, len(section))
	for ev := range section {
		events = append(events, ev)
	}
	slices.Sort(events)
	for _, ev := range events {
		for i, raw := range section[ev] {
			if r, ok := decodeRule(ev, i, raw); ok {
				r.Active = active
				out = append(out, r)
			}
		}
	}
	return out
}

// Find looks a rule up by its Name in either section
func (d *Document) Find(name string) (Rule, bool) {
	for _, r := range d.Rules() {
		if r.Name() == name {
			return r, true
		}
	}
	return Rule{}, false
}

// ruleAt returns the rule stored at index of event in one section
func (d *Document) ruleAt(event string, index int, active bool) (Rule, bool) {
	for _, r := range d.Rules() {
		if r.Event == event && r.Index == index && r.Active == active {
			return r, true
		}
	}
	return Rule{}, false
}

// AddRule appends r under its event. A rule with a synthesized matcher is
// written without one and takes the next free position.
func (d *Document) AddRule(r Rule, active bool) (Rule, error) {
	if r.Event == "" {
		return Rule{}, errors.New("hook rule has no event")
	}
	if existing, ok := d.conflicting(r); ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleExists, existing.Name())
	}
	raw, err := encodeRule(r)
	if err != nil {
		return Rule{}, err
	}
	section := d.section(active)
	section[r.Event] = append(section[r.Event], raw)

	added, ok := d.ruleAt(r.Event, len(section[r.Event])-1, active)
	if !ok {
		return Rule{}, fmt.Errorf("hook rule for %s has an unrecognized shape", r.Event)
	}
	return added, nil
}

// conflicting finds a rule r would duplicate. Named rules collide by name;
// rules without a matcher collide when they run the same commands.
func (d *Document) conflicting(r Rule) (Rule, bool) {
	for _, existing := range d.Rules() {
		if existing.Event != r.Event {
			continue
		}
		if !r.MatcherSynthesized && existing.Matcher == r.Matcher {
			return existing, true
		}
		if r.MatcherSynthesized && existing.MatcherSynthesized && slices.Equal(existing.Commands, r.Commands) {
			return existing, true
		}
	}
	return Rule{}, false
}

func encodeRule(r Rule) (json.RawMessage, error) {
	if len(r.Raw) > 0 {
		if r.MatcherSynthesized {
			return r.Raw, nil
		}
		// Keep any extra fields but pin the matcher
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(r.Raw, &obj); err == nil {
			if _, hasHooks := obj["hooks"]; hasHooks {
				m, _ := json.Marshal(r.Matcher)
				obj["matcher"] = m
				return json.Marshal(obj)
			}
		}
	}
	if r.MatcherSynthesized {
		return json.Marshal(struct {
			Hooks []resource.HookCommand `json:"hooks"`
		}{r.Commands})
	}
	return json.Marshal(struct {
		Matcher string                 `json:"matcher"`
		Hooks   []resource.HookCommand `json:"hooks"`
	}{r.Matcher, r.Commands})
}

// RemoveRule deletes the named rule from whichever section holds it
func (d *Document) RemoveRule(name string) (Rule, error) {
	r, ok := d.Find(name)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	section := d.section(r.Active)
	rules := slices.Delete(section[r.Event], r.Index, r.Index+1)
	if len(rules) == 0 {
		delete(section, r.Event)
	} else {
		section[r.Event] = rules
	}
	return r, nil
}

// SetActive moves the named rule between the active and disabled sections.
// It reports false when the rule was already in the requested state. The
// moved rule's Name can differ from name when its position changes.
func (d *Document) SetActive(name string, active bool) (Rule, bool, error) {
	r, ok := d.Find(name)
	if !ok {
		return Rule{}, false, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	if r.Active == active {
		return r, false, nil
	}
	if _, err := d.RemoveRule(name); err != nil {
		return Rule{}, false, err
	}
	section := d.section(active)
	section[r.Event] = append(section[r.Event], r.Raw)
	moved, ok := d.ruleAt(r.Event, len(section[r.Event])-1, active)
	if !ok {
		return Rule{}, false, fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	return moved, true, nil
}

func (d *Document) section(active bool) map[string][]json.RawMessage {
	if active {
		if d.active == nil {
			d.active = map[string][]json.RawMessage{}
		}
		return d.active
	}
	if d.disabled == nil {
		d.disabled = map[string][]json.RawMessage{}
	}
	return d.disabled
}

// Encode renders the document with two-space indentation
func (d *Document) Encode() ([]byte, error) {
	top := make(map[string]json.RawMessage, len(d.top)+2)
	for k, v := range d.top {
		top[k] = v
	}
	if err := setSection(top, hooksKey, d.active); err != nil {
		return nil, err
	}
	if err := setSection(top, disabledKey, d.disabled); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(top, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func setSection(top map[string]json.RawMessage, key string, section map[string][]json.RawMessage) error {
	if len(section) == 0 {
		// Preserve an explicitly empty hooks object from the original file
		if raw, ok := top[key]; ok && key == hooksKey && string(bytes.TrimSpace(raw)) == "{}" {
			return nil
		}
		delete(top, key)
		return nil
	}
	raw, err := json.Marshal(section)
	if err != nil {
		return err
	}
	top[key] = raw
	return nil
}

// Save writes the document if the file still has the version it was loaded
// with, returning ErrConcurrentModification otherwise. The parent directory
// must exist.
func (d *Document) Save() error {
	if d.Path == "" {
		return errors.New("settings document has no path")
	}
	data, err := d.Encode()
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	current, ok, err := fsutil.ReadOptional(d.Path)
	if err != nil {
		return fmt.Errorf("read settings %s: %w", d.Path, err)
	}
	var currentVersion string
	if ok {
		currentVersion = hashOf(current)
	}
	if currentVersion != d.version {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, d.Path)
	}
	if err := fsutil.WriteFileAtomic(d.Path, data, 0o644); err != nil {
		return err
	}
	d.version = hashOf(data)
	return nil
}
