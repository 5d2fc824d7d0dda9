package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// chdirProject switches into a temp directory containing a .carto dir
// so the event log has a project root to land in.
func chdirProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".carto"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(root)
	return root
}

func readEventLog(t *testing.T, root string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(root, ".carto", "events.log"))
	if err != nil {
		t.Fatalf("read events.log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestVerboseTogglesEnabled(t *testing.T) {
	oldVerbose := verbose
	defer func() { verbose = oldVerbose }()

	verbose = false
	if envEnabled {
		t.Skip("CARTO_DEBUG set in environment")
	}
	if Enabled() {
		t.Error("Enabled() should be false initially")
	}
	SetVerbose(true)
	if !Enabled() {
		t.Error("Enabled() should be true after SetVerbose(true)")
	}
	SetVerbose(false)
	if Enabled() {
		t.Error("Enabled() should be false after SetVerbose(false)")
	}
}

func TestLogEventRecordLayout(t *testing.T) {
	root := chdirProject(t)
	t.Setenv("CARTO_WORKER_ID", "worker-7")
	t.Setenv("CARTO_SESSION_ID", "sess-1")

	LogEvent("OUTBOX_EVENT_FAILED", "run-1", "id=42 reason=no route")

	lines := readEventLog(t, root)
	if len(lines) != 1 {
		t.Fatalf("expected 1 record, got %d", len(lines))
	}
	fields := strings.Split(lines[0], "|")
	if len(fields) != 6 {
		t.Fatalf("expected 6 fields, got %d: %q", len(fields), lines[0])
	}
	want := []string{"OUTBOX_EVENT_FAILED", "run-1", "worker-7", "sess-1", "id=42 reason=no route"}
	for i, w := range want {
		if fields[i+1] != w {
			t.Errorf("field %d = %q, want %q", i+1, fields[i+1], w)
		}
	}
}

func TestLogEventDefaults(t *testing.T) {
	root := chdirProject(t)
	t.Setenv("CARTO_WORKER_ID", "")
	t.Setenv("CARTO_SESSION_ID", "")
	t.Setenv("USER", "")

	LogEvent("GLOBAL_PHASE_START", "", "directories=3")

	fields := strings.Split(readEventLog(t, root)[0], "|")
	if fields[2] != "none" {
		t.Errorf("empty run id should record as none, got %q", fields[2])
	}
	if fields[3] != "unknown" {
		t.Errorf("worker fallback = %q, want unknown", fields[3])
	}
	if fields[4] == "" {
		t.Error("session id should fall back to a timestamp")
	}
}

func TestLogEventAppends(t *testing.T) {
	root := chdirProject(t)

	LogEventWithContext("RESOLUTION_BATCH", "run-1", "w1", "s1", "ok=2")
	LogEventWithContext("RESOLUTION_BATCH", "run-1", "w1", "s1", "ok=5")

	lines := readEventLog(t, root)
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	if !strings.HasSuffix(lines[1], "ok=5") {
		t.Errorf("records out of order: %v", lines)
	}
}

func TestLogEventOutsideProjectIsNoop(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	LogEvent("OUTBOX_EVENT_FAILED", "run-1", "dropped")

	if _, err := os.Stat(filepath.Join(dir, ".carto")); !os.IsNotExist(err) {
		t.Error("event log written outside a project")
	}
}
