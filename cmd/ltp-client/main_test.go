package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestRunNoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "usage:") {
		t.Fatalf("expected usage text, got %q", stdout.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"bogus"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("expected unknown command message, got %q", stderr.String())
	}
}

func TestRunConnectMissingURL(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"connect"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "missing --url") {
		t.Fatalf("expected missing --url message, got %q", stderr.String())
	}
}

func TestRunMetricsMissingPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"metrics"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "missing --path") {
		t.Fatalf("expected missing --path message, got %q", stderr.String())
	}
}

func TestRunMetricsUnreadablePath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"metrics", "--path", "/nonexistent/snapshot.json"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "read") {
		t.Fatalf("expected read error message, got %q", stderr.String())
	}
}

func TestRunMetricsPrintsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/snapshot.json"
	writeFile(t, path, `{"messages":{"sent":1,"received":0,"dropped":0,"errors":0}}`)

	var stdout, stderr bytes.Buffer
	code := run([]string{"metrics", "--path", path}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%q)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"sent": 1`) {
		t.Fatalf("expected formatted snapshot, got %q", stdout.String())
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
