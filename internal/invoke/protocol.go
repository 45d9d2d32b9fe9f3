package invoke

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// envelope is the JSON request written to a collaborator subprocess on
// stdin.
type envelope struct {
	Protocol   int               `json:"protocol"`
	RunID      string            `json:"run_id"`
	Job        string            `json:"job"`
	Uses       string            `json:"uses"`
	Inputs     map[string]string `json:"inputs"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	DeadlineAt time.Time         `json:"deadline_at"`
}

// reply is the JSON response read from a collaborator subprocess on stdout.
type reply struct {
	Status  string            `json:"status"` // ok | error
	Error   string            `json:"error,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

const protocolVersion = 1

func encodeEnvelope(w io.Writer, env *envelope) error {
	if env.Protocol != protocolVersion {
		return fmt.Errorf("unsupported protocol version: %d", env.Protocol)
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("encode invocation request: %w", err)
	}
	return nil
}

func decodeReply(data []byte) (*reply, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("collaborator produced no output on stdout")
	}

	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("collaborator output is not valid JSON: %w", err)
	}
	if r.Status == "" {
		return nil, fmt.Errorf("response missing required field: status")
	}
	if r.Status != "ok" && r.Status != "error" {
		return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", r.Status)
	}
	if r.Status == "error" && r.Error == "" {
		return nil, fmt.Errorf("response has status=error but no error message")
	}
	return &r, nil
}
