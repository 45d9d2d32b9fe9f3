package workflow

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// fingerprint hashes the normalized compiled form of a workflow. Two
// definitions that compile to the same jobs, gates, and input schema share
// a fingerprint regardless of formatting, which is what makes re-running an
// identical definition recognizably idempotent.
func fingerprint(w *Workflow) (string, error) {
	type jobShape struct {
		ID      string            `json:"id"`
		Uses    string            `json:"uses"`
		Needs   []string          `json:"needs"`
		If      string            `json:"if,omitempty"`
		Mode    string            `json:"mode"`
		With    map[string]string `json:"with,omitempty"`
		Secrets []string          `json:"secrets,omitempty"`
		Timeout string            `json:"timeout,omitempty"`
	}
	type inputShape struct {
		Name     string   `json:"name"`
		Type     string   `json:"type"`
		Required bool     `json:"required"`
		Default  string   `json:"default,omitempty"`
		Options  []string `json:"options,omitempty"`
	}
	type shape struct {
		Name    string       `json:"name"`
		Events  []string     `json:"events"`
		Inputs  []inputShape `json:"inputs,omitempty"`
		Secrets []string     `json:"secrets,omitempty"`
		Jobs    []jobShape   `json:"jobs"`
	}

	s := shape{
		Name:    w.Name,
		Events:  sortedCopy(w.Events),
		Secrets: sortedCopy(w.Secrets),
	}
	for _, in := range w.Inputs {
		s.Inputs = append(s.Inputs, inputShape{
			Name:     in.Name,
			Type:     string(in.Type),
			Required: in.Required,
			Default:  in.Default,
			Options:  sortedCopy(in.Options),
		})
	}
	sort.Slice(s.Inputs, func(i, j int) bool { return s.Inputs[i].Name < s.Inputs[j].Name })

	for _, j := range w.Jobs {
		js := jobShape{
			ID:      j.ID,
			Uses:    j.Uses,
			Needs:   sortedCopy(j.Needs),
			If:      j.IfRaw,
			Mode:    j.GateMode.String(),
			Secrets: sortedCopy(j.Secrets),
			Timeout: j.Timeout,
		}
		if len(j.With) > 0 {
			js.With = make(map[string]string, len(j.With))
			for k, tmpl := range j.With {
				js.With[k] = tmpl.Raw()
			}
		}
		s.Jobs = append(s.Jobs, js)
	}
	// Declaration order is part of the compiled form: it is the scheduling
	// tie-break, so reordering independent jobs is a different workflow.

	body, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal workflow fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
