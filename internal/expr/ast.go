// Package expr implements the restricted expression language used by job
// gate conditions and interpolated strings. Expressions are parsed once at
// workflow load time into a small typed tree; evaluation is pure and never
// fails on missing references (they resolve to the empty value).
package expr

import "strings"

// Op identifies a binary operator.
type Op string

const (
	OpEq     Op = "=="
	OpNe     Op = "!="
	OpAnd    Op = "&&"
	OpOr     Op = "||"
	OpConcat Op = "+"
	OpIn     Op = "in"
)

// Node is one vertex of a parsed expression tree.
type Node interface {
	node()
}

// Literal is a string, boolean, or null constant.
type Literal struct {
	Value any // string, bool, or nil
}

// Ref is a dotted context reference, e.g. needs.build.outputs.tag.
type Ref struct {
	Path []string
}

// Not is logical negation.
type Not struct {
	Expr Node
}

// Binary applies Op to two operands. And/Or short-circuit.
type Binary struct {
	Op    Op
	Left  Node
	Right Node
}

// Ternary is conditional selection: cond ? then : else.
type Ternary struct {
	Cond Node
	Then Node
	Else Node
}

// Call invokes a built-in function such as always() or contains(a, b).
type Call struct {
	Name string
	Args []Node
}

// List is a bracketed value list, used with the in operator.
type List struct {
	Elems []Node
}

func (Literal) node() {}
func (Ref) node()     {}
func (Not) node()     {}
func (Binary) node()  {}
func (Ternary) node() {}
func (Call) node()    {}
func (List) node()    {}

// Walk visits every node in the tree, parent before children.
func Walk(n Node, visit func(Node)) {
	if n == nil {
		return
	}
	visit(n)
	switch t := n.(type) {
	case Not:
		Walk(t.Expr, visit)
	case Binary:
		Walk(t.Left, visit)
		Walk(t.Right, visit)
	case Ternary:
		Walk(t.Cond, visit)
		Walk(t.Then, visit)
		Walk(t.Else, visit)
	case Call:
		for _, a := range t.Args {
			Walk(a, visit)
		}
	case List:
		for _, e := range t.Elems {
			Walk(e, visit)
		}
	}
}

// CallsStatusGuard reports whether the tree invokes always(), failure(), or
// cancelled(). Such expressions opt out of the default skip-on-failure
// cascade and must be evaluated even when a predecessor failed.
func CallsStatusGuard(n Node) bool {
	found := false
	Walk(n, func(v Node) {
		if c, ok := v.(Call); ok {
			switch c.Name {
			case "always", "failure", "cancelled":
				found = true
			}
		}
	})
	return found
}

// References returns the root names of all context references in the tree,
// deduplicated, e.g. "needs" or "secrets".
func References(n Node) []string {
	seen := map[string]struct{}{}
	var out []string
	Walk(n, func(v Node) {
		if r, ok := v.(Ref); ok && len(r.Path) > 0 {
			root := r.Path[0]
			if _, dup := seen[root]; !dup {
				seen[root] = struct{}{}
				out = append(out, root)
			}
		}
	})
	return out
}

// NeededJobs returns job identifiers referenced via needs.<job>... paths.
func NeededJobs(n Node) []string {
	seen := map[string]struct{}{}
	var out []string
	Walk(n, func(v Node) {
		r, ok := v.(Ref)
		if !ok || len(r.Path) < 2 || r.Path[0] != "needs" {
			return
		}
		job := r.Path[1]
		if _, dup := seen[job]; !dup {
			seen[job] = struct{}{}
			out = append(out, job)
		}
	})
	return out
}

// String renders the path of a Ref for error messages.
func (r Ref) String() string {
	return strings.Join(r.Path, ".")
}
