package resource

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrInvalidID indicates a resource ID that cannot be parsed
var ErrInvalidID = errors.New("invalid resource id")

const builtinSuffix = "builtin"

// NewID derives the identity key of a resource from its type, scope and name.
// Project-scoped resources carry their cleaned project path so that the same
// agent name in two projects yields two identities.
//
//	user:    agent:foo
//	project: agent:foo@/work/app
//	builtin: agent:foo@builtin
func NewID(t Type, scope Scope, projectPath, name string) string {
	switch scope {
	case ScopeProject:
		return fmt.Sprintf("%s:%s@%s", t, name, filepath.Clean(projectPath))
	case ScopeBuiltin:
		return fmt.Sprintf("%s:%s@%s", t, name, builtinSuffix)
	default:
		return fmt.Sprintf("%s:%s", t, name)
	}
}

// IDParts is the decoded form of a resource ID
type IDParts struct {
	Type        Type
	Name        string
	Scope       Scope
	ProjectPath string
}

// ParseID splits an ID produced by NewID back into its parts.
func ParseID(id string) (IDParts, error) {
	typ, rest, ok := strings.Cut(id, ":")
	if !ok || rest == "" {
		return IDParts{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	p := IDParts{Type: Type(typ), Scope: ScopeUser, Name: rest}
	if !p.Type.Valid() {
		return IDParts{}, fmt.Errorf("%w: unknown type in %q", ErrInvalidID, id)
	}
	// Project paths are absolute, so the scope separator is the last "@" that
	// is followed by "/" or the builtin marker.
	if i := strings.LastIndex(rest, "@/"); i >= 0 {
		p.Name, p.ProjectPath, p.Scope = rest[:i], rest[i+1:], ScopeProject
	} else if name, ok := strings.CutSuffix(rest, "@"+builtinSuffix); ok {
		p.Name, p.Scope = name, ScopeBuiltin
	}
	if p.Name == "" {
		return IDParts{}, fmt.Errorf("%w: empty name in %q", ErrInvalidID, id)
	}
	return p, nil
}
