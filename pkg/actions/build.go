package actions

import (
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
)

// PreviousSetter is implemented by actions that look at the actions before
// them when they fetch metadata.
type PreviousSetter interface {
	SetPrevious(previous []Action)
}

// Build instantiates the actions of nodes in order. A filter node is folded
// into the GetData directly before it; a filter anywhere else is a
// ValidationFailure.
func Build(nodes []definition.ActionNode, env Env) ([]Action, error) {
	if env.Registry == nil {
		env.Registry = Builtin()
	}
	if len(env.Renames) == 0 {
		env.Renames = ShortLabelRenames(nodes)
	}

	out := make([]Action, 0, len(nodes))
	for i, n := range nodes {
		if n.Kind == KindFilter {
			var getData *GetData
			if i > 0 && nodes[i-1].Kind == KindGetData && len(out) > 0 {
				getData, _ = out[len(out)-1].(*GetData)
			}
			if getData == nil {
				return nil, errors.Newf(errors.KindValidationFailure, "filter %q must directly follow a get_data action", n.ID).
					AddAction(n.ID).AddActionKind(n.Kind)
			}
			getData.SetFilter(n)
			continue
		}

		a, err := env.Registry.New(n, env)
		if err != nil {
			return nil, err
		}
		if p, ok := a.(PreviousSetter); ok {
			p.SetPrevious(append([]Action(nil), out...))
		}
		out = append(out, a)
	}
	return out, nil
}
