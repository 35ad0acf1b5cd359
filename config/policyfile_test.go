package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreplane/agentcore/policy"
)

func writeYAML(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadPolicyLayerParsesAllowDenyAndPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global.yaml")
	writeYAML(t, path, `
allow: ["shell.exec", "tool.invoke"]
deny: ["network.fetch"]
allowDomains: ["example.com"]
writePaths: ["/workspace"]
requireApproval: true
`)

	layer, err := LoadPolicyLayer(path)
	require.NoError(t, err)
	assert.Equal(t, []policy.Capability{"shell.exec", "tool.invoke"}, layer.Allow)
	assert.Equal(t, []policy.Capability{"network.fetch"}, layer.Deny)
	assert.Equal(t, []string{"example.com"}, layer.AllowDomains)
	require.NotNil(t, layer.RequireApproval)
	assert.True(t, *layer.RequireApproval)
}

func TestLoadPolicyLayerReportsErrorForMissingFile(t *testing.T) {
	_, err := LoadPolicyLayer(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicySetSkipsAbsentLayersAndFoldsPresentOnes(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "global.yaml"), `
allow: ["model.invoke"]
`)
	writeYAML(t, filepath.Join(dir, "agents", "agent-a.yaml"), `
allow: ["model.invoke", "shell.exec"]
`)

	resolved, err := LoadPolicySet(dir, "agent-a", "missing-skill")
	require.NoError(t, err)
	assert.True(t, resolved.Allow[policy.CapShellExec])
	assert.True(t, resolved.Deny[policy.CapPluginLoad]) // hardcoded deny always present
}

func TestLoadPolicySetWithNoFilesStillAppliesHardcodedDeny(t *testing.T) {
	resolved, err := LoadPolicySet(t.TempDir(), "", "")
	require.NoError(t, err)
	assert.True(t, resolved.Deny[policy.CapPluginLoad])
	assert.Empty(t, resolved.Allow)
}

func TestLoadPolicySetPropagatesParseErrorFromLayer(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, filepath.Join(dir, "global.yaml"), "not: [valid: yaml")

	_, err := LoadPolicySet(dir, "", "")
	assert.Error(t, err)
}
