// Package secrets assembles the per-invocation secret scope. Secrets are
// never ambient: a job sees exactly the names its definition forwards, and
// secret values redact themselves in logs and formatted output.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Value is an opaque secret. Every formatting path renders the redaction
// marker; only Reveal returns the real value, at the invocation boundary.
type Value struct {
	v string
}

const redacted = "[redacted]"

func NewValue(v string) Value { return Value{v: v} }

// Reveal returns the underlying secret value.
func (v Value) Reveal() string { return v.v }

func (v Value) String() string { return redacted }

func (v Value) GoString() string { return redacted }

func (v Value) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// LogValue keeps slog from ever serializing the raw secret.
func (v Value) LogValue() slog.Value { return slog.StringValue(redacted) }

// Scope is the secret mapping attached to one job invocation.
type Scope map[string]Value

// Reveal returns the plain map handed to the external collaborator.
func (s Scope) Reveal() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v.Reveal()
	}
	return out
}

// MissingError reports secrets a job declared but the trigger could not
// supply. This is a caller configuration error: the job Fails, it is not
// Skipped.
type MissingError struct {
	Job   string
	Names []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("job %q: missing required secret(s): %s", e.Job, strings.Join(e.Names, ", "))
}

var ErrMissing = errors.New("missing required secret")

func (e *MissingError) Unwrap() error { return ErrMissing }

// BuildScope selects exactly the declared names from the available secret
// set. Nothing else leaks through, regardless of what siblings forwarded.
func BuildScope(jobID string, declared []string, available map[string]string) (Scope, error) {
	scope := make(Scope, len(declared))
	var missing []string
	for _, name := range declared {
		v, ok := available[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		scope[name] = NewValue(v)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingError{Job: jobID, Names: missing}
	}
	return scope, nil
}

// LoadEnvFile reads a dotenv-format secrets file into a name→value map.
func LoadEnvFile(path string) (map[string]string, error) {
	m, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file %s: %w", path, err)
	}
	return m, nil
}
