package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validateDoc = `
name: release
on:
  events: [workflow_dispatch]
jobs:
  build:
    uses: task/build
  publish:
    needs: [build]
    uses: task/publish
`

func writeWorkflow(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestValidateWorkflowsAccepts(t *testing.T) {
	path := writeWorkflow(t, validateDoc)
	assert.NoError(t, validateWorkflows([]string{path}))
}

func TestValidateWorkflowsRejects(t *testing.T) {
	cyclic := `
name: broken
on:
  events: [push]
jobs:
  a:
    needs: [b]
    uses: task/a
  b:
    needs: [a]
    uses: task/b
`
	path := writeWorkflow(t, cyclic)
	err := validateWorkflows([]string{path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1")
}

func TestParseInputFlags(t *testing.T) {
	inputs, err := parseInputFlags([]string{"environment=staging", "tag=v1.2.0"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"environment": "staging", "tag": "v1.2.0"}, inputs)

	_, err = parseInputFlags([]string{"no-equals"})
	assert.Error(t, err)

	inputs, err = parseInputFlags(nil)
	require.NoError(t, err)
	assert.Nil(t, inputs)
}
