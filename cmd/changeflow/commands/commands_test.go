package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/changeflow/changeflow/pkg/audit"
	"github.com/changeflow/changeflow/pkg/engine"
	"github.com/changeflow/changeflow/pkg/stores"
)

const usersPipeline = `
pipeline: {
	stage_id: "test"
	changes: {
		"001-create-users": {
			order: "001"
			author: "ops"
			target: "main"
			transactional: true
			apply: "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)"
		}
		"002-seed-users": {
			order: "002"
			author: "ops"
			target: "main"
			apply: "INSERT INTO users (id, name) VALUES (1, 'ana')"
			rollback: "DELETE FROM users WHERE id = 1"
		}
	}
}
`

const brokenChange = `
pipeline: changes: "003-bad-column": {
	order: "003"
	target: "main"
	apply: "ALTER TABLE missing ADD COLUMN email TEXT"
}
`

// setupProject writes a runner config and pipeline into a temp dir.
func setupProject(t *testing.T, pipelines map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	db := filepath.Join(dir, "changeflow.db")
	cfg := fmt.Sprintf(`
store:
  path: %[1]s
lock:
  name: test
  ttl: 5s
logging:
  level: error
events:
  enabled: true
  journal: %[3]s
targets:
  - id: main
    driver: sqlite
    path: %[1]s
    transactional_audit: true
execution:
  pipeline:
    - %[2]s
`, db, filepath.Join(dir, "changes"), filepath.Join(dir, "events.jsonl"))
	writeFile(t, filepath.Join(dir, "changeflow.yaml"), cfg)

	for name, content := range pipelines {
		writeFile(t, filepath.Join(dir, "changes", name), content)
	}
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// execute runs the CLI with the project's config and returns its output.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(dir, "changeflow.yaml")}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustExecute(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := execute(t, dir, args...)
	if err != nil {
		t.Fatalf("changeflow %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestValidateCommand(t *testing.T) {
	dir := setupProject(t, map[string]string{"users.cue": usersPipeline})

	out := mustExecute(t, dir, "validate")
	if !strings.Contains(out, "2 change units") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestValidateCommand_UnknownTarget(t *testing.T) {
	dir := setupProject(t, map[string]string{
		"users.cue": strings.ReplaceAll(usersPipeline, `target: "main"`, `target: "other"`),
	})

	_, err := execute(t, dir, "validate")
	if err == nil || !engine.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidateCommand_SchemaErrors(t *testing.T) {
	dir := setupProject(t, map[string]string{
		"users.cue": `pipeline: changes: "x": {order: "001", target: "main"}`,
	})

	out, err := execute(t, dir, "validate")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if out == "" {
		t.Error("expected problems to be printed")
	}
}

func TestRunLifecycle(t *testing.T) {
	dir := setupProject(t, map[string]string{"users.cue": usersPipeline})

	out := mustExecute(t, dir, "plan")
	if !strings.Contains(out, "2 to apply") {
		t.Errorf("expected both changes to be applied, got:\n%s", out)
	}

	out = mustExecute(t, dir, "run")
	if !strings.Contains(out, string(engine.RunStatusSucceeded)) {
		t.Errorf("expected successful run, got:\n%s", out)
	}

	out = mustExecute(t, dir, "plan")
	if !strings.Contains(out, "2 to skip") {
		t.Errorf("expected both changes to be skipped, got:\n%s", out)
	}

	mustExecute(t, dir, "run")

	journal, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("expected event journal: %v", err)
	}
	for _, want := range []string{`"type":"run.completed"`, `"type":"task.applied"`, `"change_id":"002-seed-users"`} {
		if !strings.Contains(string(journal), want) {
			t.Errorf("event journal missing %s", want)
		}
	}

	var runs []stores.RunRecord
	out = mustExecute(t, dir, "runs", "--json")
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("invalid runs output: %v\n%s", err, out)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 recorded runs, got %d", len(runs))
	}
	if runs[0].Skipped != 2 || runs[1].Applied != 2 {
		t.Errorf("unexpected run records: %+v", runs)
	}

	var entries []audit.Entry
	out = mustExecute(t, dir, "audit", "list", "--change", "001-create-users", "--json")
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid audit output: %v\n%s", err, out)
	}
	if len(entries) == 0 || entries[0].State != audit.StateApplied {
		t.Errorf("expected latest entry APPLIED, got %+v", entries)
	}

	if _, err := execute(t, dir, "audit", "fix", "001-create-users", "--resolution", "applied"); err == nil {
		t.Error("expected fix of an applied change to be refused")
	}
}

func TestManualInterventionAndFix(t *testing.T) {
	dir := setupProject(t, map[string]string{
		"users.cue":  usersPipeline,
		"broken.cue": brokenChange,
	})

	out, err := execute(t, dir, "run")
	if err == nil {
		t.Fatalf("expected run to fail, got:\n%s", out)
	}

	out = mustExecute(t, dir, "issues")
	if !strings.Contains(out, "003-bad-column") {
		t.Fatalf("expected issue for 003-bad-column, got:\n%s", out)
	}

	out = mustExecute(t, dir, "audit", "fix", "003-bad-column", "--resolution", "rolled-back")
	if !strings.Contains(out, "ROLLED_BACK") {
		t.Errorf("unexpected fix output: %s", out)
	}

	out = mustExecute(t, dir, "issues")
	if !strings.Contains(out, "No change units need manual intervention") {
		t.Errorf("expected no issues after fix, got:\n%s", out)
	}

	var plan engine.Plan
	out = mustExecute(t, dir, "plan", "--json")
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("invalid plan output: %v\n%s", err, out)
	}
	d, ok := plan.Get("003-bad-column")
	if !ok || d.Action != engine.ActionApply {
		t.Errorf("expected fixed change to be applied again, got %+v", d)
	}

	out = mustExecute(t, dir, "audit", "snapshot")
	if !strings.Contains(out, string(audit.KindManualFix)) {
		t.Errorf("expected manual fix in snapshot, got:\n%s", out)
	}
}

func TestResolutionState(t *testing.T) {
	tests := []struct {
		in      string
		want    audit.State
		wantErr bool
	}{
		{in: "applied", want: audit.StateApplied},
		{in: "rolled-back", want: audit.StateRolledBack},
		{in: "APPLIED", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := resolutionState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolutionState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("resolutionState(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRunRecord(t *testing.T) {
	report := &engine.RunReport{
		ExecutionID: "exec-1",
		StageID:     "s",
		Outcomes: []engine.Outcome{
			{ChangeID: "a", Result: engine.ResultApplied},
			{ChangeID: "b", Result: engine.ResultFailedRolledBack, Err: fmt.Errorf("boom")},
			{ChangeID: "c", Result: engine.ResultNotExecuted},
		},
	}

	rec := runRecord(report)
	if rec.Applied != 1 || rec.RolledBack != 1 || rec.NotExecuted != 1 {
		t.Errorf("unexpected counts: %+v", rec)
	}
	if rec.Status != string(engine.RunStatusFailed) {
		t.Errorf("Status = %s, want %s", rec.Status, engine.RunStatusFailed)
	}
	if rec.Error == nil || !strings.Contains(*rec.Error, "b: boom") {
		t.Errorf("unexpected error summary: %v", rec.Error)
	}
}
