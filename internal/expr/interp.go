package expr

import (
	"fmt"
	"strings"
)

// Template is a parsed interpolated string: literal segments interleaved
// with ${{ ... }} expression segments, compiled once at workflow load time.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	literal string
	expr    Node // nil for literal segments
}

// ParseTemplate compiles a string containing zero or more ${{ ... }}
// markers. Strings with no markers render as themselves.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	rest := raw
	offset := 0
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return nil, &SyntaxError{offset + start, "unterminated ${{ marker"}
		}
		end += start

		if start > 0 {
			t.segments = append(t.segments, segment{literal: rest[:start]})
		}
		inner := rest[start+3 : end]
		node, err := Parse(inner)
		if err != nil {
			return nil, fmt.Errorf("in %q: %w", raw, err)
		}
		t.segments = append(t.segments, segment{expr: node})

		offset += end + 2
		rest = rest[end+2:]
	}
}

// Render evaluates the template against ctx.
func (t *Template) Render(ctx *Context) string {
	if len(t.segments) == 1 && t.segments[0].expr == nil {
		return t.segments[0].literal
	}
	var b strings.Builder
	for _, s := range t.segments {
		if s.expr == nil {
			b.WriteString(s.literal)
			continue
		}
		b.WriteString(Stringify(Eval(s.expr, ctx)))
	}
	return b.String()
}

// Raw returns the source string the template was parsed from.
func (t *Template) Raw() string { return t.raw }

// HasExpressions reports whether the template contains any ${{ }} segment.
func (t *Template) HasExpressions() bool {
	for _, s := range t.segments {
		if s.expr != nil {
			return true
		}
	}
	return false
}

// Walk visits every node of every expression segment.
func (t *Template) Walk(visit func(Node)) {
	for _, s := range t.segments {
		if s.expr != nil {
			Walk(s.expr, visit)
		}
	}
}

// NeededJobs returns job IDs referenced from any expression segment.
func (t *Template) NeededJobs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range t.segments {
		if s.expr == nil {
			continue
		}
		for _, job := range NeededJobs(s.expr) {
			if _, dup := seen[job]; !dup {
				seen[job] = struct{}{}
				out = append(out, job)
			}
		}
	}
	return out
}
