package actions

import (
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
)

// Factory builds the action of one declared node.
type Factory func(node definition.ActionNode, env Env) (Action, error)

// Registry maps kind tags to factories. It is resolved once, when a pipeline
// is loaded.
type Registry map[string]Factory

// Builtin returns the registry of the plain action kinds.
func Builtin() Registry {
	return Registry{
		KindGetData:       NewGetData,
		KindRunScript:     NewRunScript,
		KindCallAPI:       NewCallAPI,
		KindRunQuery:      NewRunQuery,
		KindAssignLabel:   NewAssignLabel,
		KindLink:          NewLink,
		KindLinkStat:      NewLinkStat,
		KindBuildURI:      NewBuildURI,
		KindBranchSave:    NewBranchSave,
		KindBranchLoad:    NewBranchLoad,
		KindBranchCombine: NewBranchCombine,
	}
}

// With returns a copy of r extended with other. Kinds in other win.
func (r Registry) With(other Registry) Registry {
	out := make(Registry, len(r)+len(other))
	for k, f := range r {
		out[k] = f
	}
	for k, f := range other {
		out[k] = f
	}
	return out
}

// New builds the action of node. An unregistered kind is UnknownActionKind.
func (r Registry) New(node definition.ActionNode, env Env) (Action, error) {
	factory, ok := r[node.Kind]
	if !ok {
		return nil, errors.Newf(errors.KindUnknownActionKind, "unknown action kind %q", node.Kind).
			AddAction(node.ID).AddActionKind(node.Kind)
	}
	if env.Registry == nil {
		env.Registry = r
	}
	return factory(node, env)
}
