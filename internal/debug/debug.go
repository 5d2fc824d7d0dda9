// Package debug provides environment-gated diagnostics: verbose logging
// to stderr and an append-only event log under the project's .carto
// directory. Everything here is best-effort; diagnostics must never
// break the pipeline.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	envEnabled = os.Getenv("CARTO_DEBUG") != ""
	verbose    bool
	quiet      bool
	eventMu    sync.Mutex
)

// Enabled reports whether debug output is active, via the CARTO_DEBUG
// environment variable or SetVerbose.
func Enabled() bool {
	return envEnabled || verbose
}

// SetVerbose toggles debug output for this process.
func SetVerbose(v bool) {
	verbose = v
}

// SetQuiet suppresses non-essential stdout output.
func SetQuiet(q bool) {
	quiet = q
}

// Logf writes a debug line to stderr when debug output is active.
func Logf(format string, args ...any) {
	if Enabled() {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// PrintNormal prints informational output unless quiet mode is on.
func PrintNormal(format string, args ...any) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}

// LogEvent appends one record to .carto/events.log in the enclosing
// project. A no-op outside a project or on write failure.
//
// Record layout: TIMESTAMP|EVENT_CODE|RUN_ID|WORKER_ID|SESSION_ID|DETAILS
func LogEvent(eventCode, runID, details string) {
	LogEventWithContext(eventCode, runID, "", "", details)
}

// LogEventWithContext is LogEvent with explicit worker and session ids.
// Empty ids fall back to CARTO_WORKER_ID / CARTO_SESSION_ID, then $USER
// and the current unix second respectively.
func LogEventWithContext(eventCode, runID, workerID, sessionID, details string) {
	root, ok := projectRoot()
	if !ok {
		return
	}
	if runID == "" {
		runID = "none"
	}
	if workerID == "" {
		workerID = firstOf(os.Getenv("CARTO_WORKER_ID"), os.Getenv("USER"), "unknown")
	}
	if sessionID == "" {
		sessionID = firstOf(os.Getenv("CARTO_SESSION_ID"), fmt.Sprintf("%d", time.Now().Unix()))
	}

	record := strings.Join([]string{
		time.Now().UTC().Format(time.RFC3339),
		eventCode, runID, workerID, sessionID, details,
	}, "|") + "\n"

	eventMu.Lock()
	defer eventMu.Unlock()
	appendEvent(filepath.Join(root, ".carto", "events.log"), record)
}

func appendEvent(path, record string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(record)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// projectRoot walks up from the working directory looking for a .carto
// directory.
func projectRoot() (string, bool) {
	dir, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".carto")); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
