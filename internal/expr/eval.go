package expr

import "strings"

// Event is the trigger metadata visible to expressions.
type Event struct {
	Name  string
	Ref   string
	Actor string
}

// NeedResult exposes a completed predecessor to expressions as
// needs.<job>.result and needs.<job>.outputs.<name>.
type NeedResult struct {
	Result  string // succeeded | failed | skipped | cancelled
	Outputs map[string]string
}

// Context is the evaluation environment. It is assembled per job by the
// scheduler; expressions never reach ambient process state.
type Context struct {
	Event   Event
	Inputs  map[string]any
	Needs   map[string]NeedResult
	Secrets map[string]string

	// AnyNeedFailed feeds success()/failure(); Cancelled feeds cancelled().
	AnyNeedFailed bool
	Cancelled     bool
}

// Eval evaluates the tree against ctx. Evaluation is pure: missing
// references resolve to the empty value and never abort, so divergent
// pipeline paths can be probed safely from gate expressions.
func Eval(n Node, ctx *Context) any {
	switch t := n.(type) {
	case Literal:
		return t.Value

	case Ref:
		return ctx.resolve(t.Path)

	case Not:
		return !Truthy(Eval(t.Expr, ctx))

	case Binary:
		return evalBinary(t, ctx)

	case Ternary:
		if Truthy(Eval(t.Cond, ctx)) {
			return Eval(t.Then, ctx)
		}
		return Eval(t.Else, ctx)

	case Call:
		return evalCall(t, ctx)

	case List:
		out := make([]any, 0, len(t.Elems))
		for _, e := range t.Elems {
			out = append(out, Eval(e, ctx))
		}
		return out
	}
	return nil
}

// EvalBool evaluates the tree and coerces the result with Truthy.
func EvalBool(n Node, ctx *Context) bool {
	return Truthy(Eval(n, ctx))
}

func evalBinary(b Binary, ctx *Context) any {
	switch b.Op {
	case OpAnd:
		// Short-circuit: the right branch is not evaluated when the left is
		// falsy, so it may reference outputs that never existed.
		left := Eval(b.Left, ctx)
		if !Truthy(left) {
			return left
		}
		return Eval(b.Right, ctx)

	case OpOr:
		left := Eval(b.Left, ctx)
		if Truthy(left) {
			return left
		}
		return Eval(b.Right, ctx)

	case OpEq:
		return Stringify(Eval(b.Left, ctx)) == Stringify(Eval(b.Right, ctx))

	case OpNe:
		return Stringify(Eval(b.Left, ctx)) != Stringify(Eval(b.Right, ctx))

	case OpConcat:
		return Stringify(Eval(b.Left, ctx)) + Stringify(Eval(b.Right, ctx))

	case OpIn:
		needle := Stringify(Eval(b.Left, ctx))
		switch hay := Eval(b.Right, ctx).(type) {
		case []any:
			for _, e := range hay {
				if Stringify(e) == needle {
					return true
				}
			}
			return false
		default:
			// Membership against a plain string degrades to substring test.
			return needle != "" && strings.Contains(Stringify(hay), needle)
		}
	}
	return nil
}

func evalCall(c Call, ctx *Context) any {
	switch c.Name {
	case "always":
		return true
	case "success":
		return !ctx.AnyNeedFailed && !ctx.Cancelled
	case "failure":
		return ctx.AnyNeedFailed
	case "cancelled":
		return ctx.Cancelled
	case "contains":
		hay := Eval(c.Args[0], ctx)
		needle := Stringify(Eval(c.Args[1], ctx))
		if list, ok := hay.([]any); ok {
			for _, e := range list {
				if Stringify(e) == needle {
					return true
				}
			}
			return false
		}
		return strings.Contains(Stringify(hay), needle)
	case "startsWith":
		return strings.HasPrefix(Stringify(Eval(c.Args[0], ctx)), Stringify(Eval(c.Args[1], ctx)))
	case "endsWith":
		return strings.HasSuffix(Stringify(Eval(c.Args[0], ctx)), Stringify(Eval(c.Args[1], ctx)))
	}
	// Unknown names are rejected by the parser; this is unreachable for
	// trees produced by Parse.
	return nil
}

// Truthy defines the gate coercion rule: nil and the empty string are
// false, ANY non-empty string is true (including "false"), booleans are
// themselves, and lists are true when non-empty. This is deliberately the
// empty-string-is-false convention; see the truthiness tests.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

// Stringify renders a value in its canonical string form, which is also the
// form used for equality comparison: booleans become "true"/"false" and nil
// becomes the empty string.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, Stringify(e))
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

func (ctx *Context) resolve(path []string) any {
	if len(path) == 0 {
		return nil
	}
	switch path[0] {
	case "event":
		if len(path) != 2 {
			return nil
		}
		switch path[1] {
		case "name":
			return ctx.Event.Name
		case "ref":
			return ctx.Event.Ref
		case "actor":
			return ctx.Event.Actor
		}
		return nil

	case "inputs":
		if len(path) != 2 || ctx.Inputs == nil {
			return nil
		}
		return ctx.Inputs[path[1]]

	case "secrets":
		if len(path) != 2 || ctx.Secrets == nil {
			return nil
		}
		v, ok := ctx.Secrets[path[1]]
		if !ok {
			return nil
		}
		return v

	case "needs":
		return ctx.resolveNeeds(path)
	}
	return nil
}

func (ctx *Context) resolveNeeds(path []string) any {
	if len(path) < 3 || ctx.Needs == nil {
		return nil
	}
	need, ok := ctx.Needs[path[1]]
	if !ok {
		// Predecessor was skipped or is outside this job's needs set; its
		// outputs never existed, so the reference is empty by design.
		return nil
	}
	switch path[2] {
	case "result":
		return need.Result
	case "outputs":
		if len(path) != 4 || need.Outputs == nil {
			return nil
		}
		v, ok := need.Outputs[path[3]]
		if !ok {
			return nil
		}
		return v
	}
	return nil
}
