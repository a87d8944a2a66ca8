package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gurisko/scopectl/internal/resource"
)

const mixedShapes = `{
  "model": "opus",
  "permissions": {"allow": ["Bash(ls:*)"]},
  "hooks": {
    "PreToolUse": [
      {"matcher": "Bash", "hooks": [{"type": "command", "command": "check.sh", "timeout": 5}]},
      {"hooks": [{"type": "command", "command": "audit.sh"}]}
    ],
    "Stop": [
      {"type": "command", "command": "notify.sh"},
      {"unrelated": true}
    ]
  }
}`

func TestParse_HookShapes(t *testing.T) {
	d, err := Parse([]byte(mixedShapes))
	require.NoError(t, err)

	rules := d.Rules()
	require.Len(t, rules, 3)

	assert.Equal(t, "PreToolUse:Bash", rules[0].Name())
	assert.False(t, rules[0].MatcherSynthesized)
	assert.Equal(t, []resource.HookCommand{{Type: "command", Command: "check.sh", Timeout: 5}}, rules[0].Commands)

	assert.Equal(t, "PreToolUse:matcher-1", rules[1].Name())
	assert.True(t, rules[1].MatcherSynthesized)
	assert.Equal(t, 1, rules[1].Index)

	assert.Equal(t, "Stop:matcher-0", rules[2].Name())
	assert.Equal(t, "notify.sh", rules[2].Commands[0].Command)
	assert.True(t, rules[2].Active)

	assert.Equal(t, []string{"hooks", "model", "permissions"}, d.Keys())
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte(`{"hooks": ["not", "an", "object"]}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`[1, 2]`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{broken`))
	assert.Error(t, err)
}

func TestSetActive_RoundTripPreservesOtherKeys(t *testing.T) {
	d, err := Parse([]byte(mixedShapes))
	require.NoError(t, err)

	moved, changed, err := d.SetActive("PreToolUse:Bash", false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, moved.Active)

	_, changed, err = d.SetActive("PreToolUse:Bash", false)
	require.NoError(t, err)
	assert.False(t, changed)

	data, err := d.Encode()
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &top))
	assert.JSONEq(t, `{"allow": ["Bash(ls:*)"]}`, string(top["permissions"]))
	assert.JSONEq(t, `"opus"`, string(top["model"]))
	assert.Contains(t, top, "disabledHooks")

	again, err := Parse(data)
	require.NoError(t, err)
	r, ok := again.Find("PreToolUse:Bash")
	require.True(t, ok)
	assert.False(t, r.Active)

	_, _, err = again.SetActive("PreToolUse:Bash", true)
	require.NoError(t, err)
	data, err = again.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "disabledHooks")
}

func TestRules_RepeatedMatchersGetOrdinals(t *testing.T) {
	d, err := Parse([]byte(`{
  "hooks": {
    "PreToolUse": [
      {"matcher": "Bash", "hooks": [{"type": "command", "command": "a.sh"}]},
      {"matcher": "Bash", "hooks": [{"type": "command", "command": "b.sh"}]}
    ]
  },
  "disabledHooks": {
    "PreToolUse": [{"matcher": "Bash", "hooks": [{"type": "command", "command": "c.sh"}]}]
  }
}`))
	require.NoError(t, err)

	var names []string
	for _, r := range d.Rules() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"PreToolUse:Bash", "PreToolUse:Bash#2", "PreToolUse:Bash#3"}, names)

	r, ok := d.Find("PreToolUse:Bash#2")
	require.True(t, ok)
	assert.Equal(t, "b.sh", r.Commands[0].Command)

	removed, err := d.RemoveRule("PreToolUse:Bash#3")
	require.NoError(t, err)
	assert.Equal(t, "c.sh", removed.Commands[0].Command)
	assert.False(t, removed.Active)

	moved, changed, err := d.SetActive("PreToolUse:Bash", false)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "a.sh", moved.Commands[0].Command)
	assert.Equal(t, "PreToolUse:Bash#2", moved.Name())

	left, ok := d.Find("PreToolUse:Bash")
	require.True(t, ok)
	assert.Equal(t, "b.sh", left.Commands[0].Command)
}

func TestResourceName(t *testing.T) {
	r := Rule{Event: "Stop", Matcher: "*", Ordinal: 1}
	assert.Equal(t, "Stop:*", ResourceName("/p/.claude/settings.json", r))
	assert.Equal(t, "settings.local.json#Stop:*", ResourceName("/p/.claude/settings.local.json", r))
	r.Ordinal = 2
	assert.Equal(t, "Stop:*#2", ResourceName("/p/.claude/settings.json", r))
}

func TestAddRemoveRule(t *testing.T) {
	d, err := Parse([]byte(`{"theme": "dark"}`))
	require.NoError(t, err)

	rule := Rule{Event: "PostToolUse", Matcher: "Edit", Commands: []resource.HookCommand{{Type: "command", Command: "fmt.sh"}}}
	added, err := d.AddRule(rule, true)
	require.NoError(t, err)
	assert.Equal(t, "PostToolUse:Edit", added.Name())

	_, err = d.AddRule(rule, true)
	assert.ErrorIs(t, err, ErrRuleExists)

	legacy := Rule{Event: "PostToolUse", Matcher: "matcher-7", MatcherSynthesized: true, Commands: rule.Commands}
	added, err = d.AddRule(legacy, true)
	require.NoError(t, err)
	assert.Equal(t, "PostToolUse:matcher-1", added.Name())
	_, err = d.AddRule(legacy, true)
	assert.ErrorIs(t, err, ErrRuleExists)

	removed, err := d.RemoveRule("PostToolUse:Edit")
	require.NoError(t, err)
	assert.Equal(t, "fmt.sh", removed.Commands[0].Command)

	_, err = d.RemoveRule("PostToolUse:Edit")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestLoadSave_OptimisticVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	d, err := Load(path)
	require.NoError(t, err)
	assert.False(t, d.Exists())

	_, err = d.AddRule(Rule{Event: "Stop", Matcher: "*", Commands: []resource.HookCommand{{Type: "command", Command: "bell"}}}, true)
	require.NoError(t, err)
	require.NoError(t, d.Save())

	first, err := Load(path)
	require.NoError(t, err)
	second, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, first.Version(), second.Version())

	_, _, err = first.SetActive("Stop:*", false)
	require.NoError(t, err)
	require.NoError(t, first.Save())

	_, _, err = second.SetActive("Stop:*", false)
	require.NoError(t, err)
	assert.ErrorIs(t, second.Save(), ErrConcurrentModification)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(onDisk), "disabledHooks")
}

func TestSave_DetectsCreatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	d, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))
	assert.ErrorIs(t, d.Save(), ErrConcurrentModification)
}
