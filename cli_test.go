package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCLIUnknownSubcommandFallsThrough(t *testing.T) {
	require.False(t, RunCLI(nil))
	require.False(t, RunCLI([]string{"-f", "ircd.conf"}))
	require.False(t, RunCLI([]string{"serve"}))
}

func TestRunCLIVersion(t *testing.T) {
	require.True(t, RunCLI([]string{"version"}))
}

func TestRunCLINumnickRoundTrip(t *testing.T) {
	require.True(t, RunCLI([]string{"numnick", "AAAAA"}))
	require.True(t, RunCLI([]string{"numnick", "0"}))
}

func TestRunCLICheckConfAcceptsValidFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "ircd.conf")
	require.NoError(t, os.WriteFile(path, []byte(testConf), 0o644))
	require.True(t, RunCLI([]string{"checkconf", path}))
}

func TestDefaultConfPathUsesHome(t *testing.T) {
	tmp := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmp))
	defer os.Chdir(orig)

	t.Setenv("HOME", "/home/ircop")
	require.Equal(t, "/home/ircop/.ircd/ircd.conf", defaultConfPath())

	require.NoError(t, os.WriteFile("ircd.conf", []byte(testConf), 0o644))
	require.Equal(t, "ircd.conf", defaultConfPath())
}
