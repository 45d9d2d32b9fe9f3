package workflow

import (
	"fmt"
	"slices"
)

// ResolveInputs validates user-supplied dispatch inputs against the
// declared schema and returns the typed input payload for the run context.
// It is called before run creation; any error here aborts the trigger.
func (w *Workflow) ResolveInputs(supplied map[string]string) (map[string]any, error) {
	for name := range supplied {
		if _, ok := w.Input(name); !ok {
			return nil, fmt.Errorf("unknown input %q", name)
		}
	}

	out := make(map[string]any, len(w.Inputs))
	for _, in := range w.Inputs {
		raw, given := supplied[in.Name]
		if !given {
			if in.Required && in.Default == "" {
				return nil, fmt.Errorf("required input %q not supplied", in.Name)
			}
			raw = in.Default
		}

		switch in.Type {
		case InputBoolean:
			switch raw {
			case "true":
				out[in.Name] = true
			case "false", "":
				out[in.Name] = false
			default:
				return nil, fmt.Errorf("input %q: %q is not a boolean", in.Name, raw)
			}
		case InputChoice:
			if raw == "" && !in.Required {
				out[in.Name] = ""
				continue
			}
			if !slices.Contains(in.Options, raw) {
				return nil, fmt.Errorf("input %q: %q is not one of %v", in.Name, raw, in.Options)
			}
			out[in.Name] = raw
		default:
			out[in.Name] = raw
		}
	}
	return out, nil
}
