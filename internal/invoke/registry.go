package invoke

import (
	"fmt"
	"strings"
	"sync"
)

// Registry resolves a job's uses reference to an invoker. Entries register
// either an exact reference ("container/build-push") or a family wildcard
// ("gitops/*") that matches any action in the family.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]entry
	families map[string]entry
}

type entry struct {
	invoker Invoker
	spec    Spec
}

func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]entry),
		families: make(map[string]entry),
	}
}

// Register binds a uses reference to an invoker and its input spec.
func (r *Registry) Register(uses string, inv Invoker, spec Spec) error {
	uses = strings.TrimSpace(uses)
	if uses == "" {
		return fmt.Errorf("uses reference is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if family, ok := strings.CutSuffix(uses, "/*"); ok {
		if _, dup := r.families[family]; dup {
			return fmt.Errorf("collaborator family %q already registered", family)
		}
		r.families[family] = entry{invoker: inv, spec: spec}
		return nil
	}
	if _, dup := r.exact[uses]; dup {
		return fmt.Errorf("collaborator %q already registered", uses)
	}
	r.exact[uses] = entry{invoker: inv, spec: spec}
	return nil
}

// Lookup resolves a uses reference, preferring an exact match over its
// family wildcard.
func (r *Registry) Lookup(uses string) (Invoker, Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.exact[uses]; ok {
		return e.invoker, e.spec, true
	}
	if family, _, ok := strings.Cut(uses, "/"); ok {
		if e, ok := r.families[family]; ok {
			return e.invoker, e.spec, true
		}
	}
	return nil, Spec{}, false
}

// References returns every registered reference, exact entries first.
func (r *Registry) References() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.exact)+len(r.families))
	for uses := range r.exact {
		out = append(out, uses)
	}
	for family := range r.families {
		out = append(out, family+"/*")
	}
	return out
}
