package assign

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gurisko/scopectl/internal/changes"
	"github.com/gurisko/scopectl/internal/fsutil"
	"github.com/gurisko/scopectl/internal/resource"
	"github.com/gurisko/scopectl/internal/settings"
)

func sourceRule(src resource.Resource) (*settings.Document, settings.Rule, error) {
	meta := src.Hook()
	doc, err := settings.Load(meta.SettingsPath)
	if err != nil {
		return nil, settings.Rule{}, err
	}
	name := meta.Rule
	if name == "" {
		name = settings.RuleName(meta.Event, meta.Matcher, 1)
	}
	rule, ok := doc.Find(name)
	if !ok {
		return nil, settings.Rule{}, fail(CodeMissingSource, "hook %s no longer in %s", name, meta.SettingsPath)
	}
	return doc, rule, nil
}

// saveDoc writes doc and returns its new content
func saveDoc(doc *settings.Document) ([]byte, error) {
	if err := doc.Save(); err != nil {
		return nil, err
	}
	data, _, err := fsutil.ReadOptional(doc.Path)
	return data, err
}

// transferRule copies or moves a settings-embedded hook rule into the
// target scope's settings document.
func (e *Engine) transferRule(src resource.Resource, req Request) (*outcome, error) {
	srcDoc, rule, err := sourceRule(src)
	if err != nil {
		return nil, err
	}

	targetPath, err := e.layout.SettingsPath(req.TargetScope, req.TargetProjectPath, false)
	if err != nil {
		return nil, err
	}
	if samePath(srcDoc.Path, targetPath) {
		return nil, fail(CodeInvalidTarget, "%s is already in %s", src.ID, targetPath)
	}
	base, err := e.layout.ScopeBase(req.TargetScope, req.TargetProjectPath)
	if err != nil {
		return nil, err
	}
	if err := fsutil.EnsureDirWithin(base, filepath.Dir(targetPath)); err != nil {
		return nil, &Error{Code: CodeMissingParent, Err: err}
	}

	prev, err := take(targetPath)
	if err != nil {
		return nil, err
	}
	doc, err := settings.Load(targetPath)
	if err != nil {
		return nil, fail(CodeInvalidTarget, "%v", err)
	}

	added, err := doc.AddRule(rule, rule.Active)
	if errors.Is(err, settings.ErrRuleExists) && req.Overwrite && !rule.MatcherSynthesized {
		if _, err = doc.RemoveRule(settings.RuleName(rule.Event, rule.Matcher, 1)); err == nil {
			added, err = doc.AddRule(rule, rule.Active)
		}
	}
	if err != nil {
		return nil, err
	}
	after, err := saveDoc(doc)
	if err != nil {
		return nil, err
	}

	snaps := []snapshot{prev}
	if req.Operation == OpMove {
		srcPrev, err := take(srcDoc.Path)
		if err == nil {
			if _, err = srcDoc.RemoveRule(rule.Name()); err == nil {
				_, err = saveDoc(srcDoc)
			}
		}
		if err != nil {
			if rbErr := prev.restore(); rbErr != nil {
				e.logger.Error("rollback failed", "path", targetPath, "err", rbErr)
			}
			return nil, fmt.Errorf("remove rule from %s: %w", srcDoc.Path, err)
		}
		snaps = append(snaps, srcPrev)
	}

	targetID := resource.NewID(resource.TypeHook, req.TargetScope, req.TargetProjectPath, settings.ResourceName(targetPath, added))
	c := changes.Change{
		ResourceID:    targetID,
		ChangeType:    changes.TypeModify,
		BeforeContent: prev.before(),
		AfterContent:  string(after),
		ScopePath:     base,
		FilePath:      targetPath,
	}
	if !prev.ok {
		c.ChangeType = changes.TypeCreate
	}
	for _, s := range snaps[1:] {
		c.Related = append(c.Related, s.state())
	}
	return &outcome{
		targetPath: targetPath,
		targetID:   targetID,
		change:     c,
		rollback:   func() error { return restoreAll(snaps...) },
	}, nil
}

// toggleRule moves a rule between the active and disabled sections of its
// own settings document.
func (e *Engine) toggleRule(src resource.Resource, active bool) (*outcome, error) {
	doc, rule, err := sourceRule(src)
	if err != nil {
		return nil, err
	}
	prev, err := take(doc.Path)
	if err != nil {
		return nil, err
	}
	if !prev.ok || settingsVersion(prev.data) != doc.Version() {
		return nil, fail(CodeConcurrent, "%s changed while it was being read", doc.Path)
	}

	moved, changed, err := doc.SetActive(rule.Name(), active)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &outcome{targetPath: doc.Path, targetID: src.ID, unchanged: true}, nil
	}
	after, err := saveDoc(doc)
	if err != nil {
		return nil, err
	}

	// The rule's position, and with it its name, can shift between sections
	targetID := resource.NewID(resource.TypeHook, src.Scope, src.ProjectPath, settings.ResourceName(doc.Path, moved))
	base, _ := e.layout.ScopeBase(src.Scope, src.ProjectPath)
	return &outcome{
		targetPath: doc.Path,
		targetID:   targetID,
		change: changes.Change{
			ResourceID:    targetID,
			ChangeType:    changes.TypeModify,
			BeforeContent: prev.before(),
			AfterContent:  string(after),
			ScopePath:     base,
			FilePath:      doc.Path,
		},
		rollback: prev.restore,
	}, nil
}

func settingsVersion(data []byte) string {
	doc, err := settings.Parse(data)
	if err != nil {
		return ""
	}
	return doc.Version()
}
