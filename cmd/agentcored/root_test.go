package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmdRunsWithoutError(t *testing.T) {
	cmd := versionCmd()
	cmd.SetArgs([]string{})
	assert.NotPanics(t, func() { require.NoError(t, cmd.Execute()) })
}

func TestPolicyCheckCmdSucceedsAgainstMissingConfigFiles(t *testing.T) {
	prevCfg, prevEnv := cfgFile, envFile
	t.Cleanup(func() { cfgFile, envFile = prevCfg, prevEnv })

	cfgFile = filepath.Join(t.TempDir(), "missing.toml")
	envFile = filepath.Join(t.TempDir(), "missing.env")

	cmd := policyCheckCmd()
	cmd.SetArgs([]string{"--agent", "agent-a", "--skill", "skill-a"})
	require.NoError(t, cmd.Execute())
}

func TestRootCmdRegistersExpectedSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["version"])
	assert.True(t, names["serve"])
	assert.True(t, names["policy-check"])
}
