package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runHistory executes the history command with the given config file
// and returns whatever it printed to stdout.
func runHistory(t *testing.T, cfgPath string) (string, error) {
	t.Helper()

	oldConfig := flagConfig
	flagConfig = cfgPath
	defer func() { flagConfig = oldConfig }()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	oldStdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = oldStdout }()

	cmd := historyCmd()
	runErr := cmd.RunE(cmd, nil)

	w.Close()
	os.Stdout = oldStdout
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out), runErr
}

func TestHistoryWithoutConfiguredPath(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("history:\n  path: \"\"\n"), 0644))

	out, err := runHistory(t, cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no history configured")
}

func TestHistoryWithEmptyJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "history.db")
	require.NoError(t, os.WriteFile(cfgPath,
		[]byte("history:\n  path: "+dbPath+"\n"), 0644))

	out, err := runHistory(t, cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "no recorded runs")
}
