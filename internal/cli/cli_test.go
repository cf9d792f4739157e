package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const fleetDir = "../../testdata/fleet"

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// writeConfig writes a config for a SQLite database in dir and returns its
// path. extra is appended verbatim.
func writeConfig(t *testing.T, dir, db, extra string) string {
	t.Helper()
	cfg := fmt.Sprintf(`storage:
  backend: sqlite
  sqlite_path: %s
checkpoint:
  backend: memory
backup:
  dir: %s
log:
  level: error
%s`, filepath.Join(dir, db), filepath.Join(dir, "backups"), extra)
	path := filepath.Join(dir, db+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func decodeResponse(t *testing.T, out string) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}
