package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gantry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
scheduler:
  max_concurrency: 8
  cancel_grace: 30s
audit:
  path: /var/lib/gantry/audit.db
api:
  listen: 0.0.0.0:9000
secrets:
  env_file: /etc/gantry/secrets.env
collaborators:
  - uses: "container/*"
    entrypoint: /usr/local/lib/gantry/container-runner
    grace: 15s
  - uses: deploy/kubernetes
    entrypoint: /usr/local/lib/gantry/kube-deploy
    required_inputs: [cluster, manifest]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, "30s", cfg.Scheduler.CancelGrace)
	assert.Equal(t, "/var/lib/gantry/audit.db", cfg.Audit.Path)
	require.Len(t, cfg.Collaborators, 2)
	assert.Equal(t, []string{"cluster", "manifest"}, cfg.Collaborators[1].RequiredInputs)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "log: {}\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, "10s", cfg.Scheduler.CancelGrace)
	assert.Equal(t, "127.0.0.1:8088", cfg.API.Listen)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("GANTRY_TEST_DB", "/tmp/test-audit.db")
	path := writeConfig(t, `
audit:
  path: ${GANTRY_TEST_DB}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-audit.db", cfg.Audit.Path)
}

func TestLoadRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"bad level", "log:\n  level: chatty\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad grace", "scheduler:\n  cancel_grace: soon\n", "cancel_grace"},
		{"negative concurrency", "scheduler:\n  max_concurrency: -1\n", "max_concurrency"},
		{"collaborator without uses", "collaborators:\n  - entrypoint: /bin/true\n", "uses is required"},
		{"collaborator without entrypoint", "collaborators:\n  - uses: task/x\n", "entrypoint is required"},
		{"duplicate collaborator", "collaborators:\n  - uses: task/x\n    entrypoint: /bin/true\n  - uses: task/x\n    entrypoint: /bin/true\n", "duplicate uses"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestGraceAccessor(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "10s", cfg.Scheduler.CancelGrace)
	assert.Equal(t, float64(10), cfg.Scheduler.Grace().Seconds())
}
