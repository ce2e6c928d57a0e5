package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeMachines(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "machines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMachines(t *testing.T) {
	path := writeMachines(t, `
machines:
  - name: babette
    every: 6h
    params:
      PROFILE: default
  - name: polaris
`)
	schedules, err := loadMachines(path)
	require.NoError(t, err)
	require.Len(t, schedules, 2)

	require.Equal(t, "babette", schedules[0].Name)
	require.Equal(t, 6*time.Hour, schedules[0].Every)
	require.Equal(t, map[string]string{"PROFILE": "default"}, schedules[0].Params)

	// Interval defaults to daily.
	require.Equal(t, "polaris", schedules[1].Name)
	require.Equal(t, 24*time.Hour, schedules[1].Every)
}

func TestLoadMachines_Invalid(t *testing.T) {
	_, err := loadMachines(writeMachines(t, "machines:\n  - every: 1h\n"))
	require.ErrorContains(t, err, "has no name")

	_, err = loadMachines(writeMachines(t, "machines:\n  - name: m\n    every: fast\n"))
	require.ErrorContains(t, err, "bad interval")

	_, err = loadMachines(writeMachines(t, "machines: ["))
	require.ErrorContains(t, err, "parse machines file")

	_, err = loadMachines(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "read machines file")
}
