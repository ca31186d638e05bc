package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/config"
)

// useTestConfig installs defaults backed by a temp-dir SQLite database and
// returns the uploads directory.
func useTestConfig(t *testing.T) string {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(dir, "bom.db")
	c.Uploads.Dir = dir
	c.Pipeline.StageBackoffMs = 5
	c.Pipeline.SignalPollIntervalMs = 20
	c.Enrichment.ProgressIntervalMs = 10

	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
	return dir
}

func writeCSV(t *testing.T, dir, name string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("MPN,Manufacturer,Qty\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "P-%d,Acme,%d\n", i, i)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}
