package utils

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesPrefixedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "opsdash.log")
	logger := NewLogger(path)
	defer logger.Close()

	logger.With("socket").Writef("dialing %s", "ws://x")
	logger.Write("plain line")

	tail := logger.Tail(4096)
	if !strings.Contains(tail, "[socket] dialing ws://x") {
		t.Fatalf("expected prefixed line in log, got %q", tail)
	}
	if !strings.Contains(tail, "plain line") {
		t.Fatalf("expected plain line in log, got %q", tail)
	}
	if short := logger.Tail(5); short != "line\n" {
		t.Fatalf("expected last five bytes, got %q", short)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Write("ignored")
	logger.Writef("ignored %d", 1)
	if logger.With("x") != nil {
		t.Fatalf("expected nil from With on nil logger")
	}
	if logger.Tail(10) != "" {
		t.Fatalf("expected empty tail from nil logger")
	}
	logger.Close()
}

func TestEscapeFilenameIsReversible(t *testing.T) {
	inputs := []string{"alice", "ops team", "ops_team", "Alice", "../x", "a%2F", ""}
	seen := make(map[string]string)
	for _, in := range inputs {
		name := EscapeFilename(in)
		if strings.ContainsAny(name, "/\\_. ") {
			t.Fatalf("EscapeFilename(%q) = %q contains unsafe characters", in, name)
		}
		if prev, ok := seen[name]; ok {
			t.Fatalf("%q and %q both escape to %q", prev, in, name)
		}
		seen[name] = in
		back, err := UnescapeFilename(name)
		if err != nil || back != in {
			t.Fatalf("UnescapeFilename(%q): expected %q, got %q err=%v", name, in, back, err)
		}
	}
	if _, err := UnescapeFilename("bad%4"); err == nil {
		t.Fatalf("expected truncated escape to fail")
	}
	if _, err := UnescapeFilename("bad%zz"); err == nil {
		t.Fatalf("expected invalid escape to fail")
	}
}

func TestSecureJoinRejectsEscape(t *testing.T) {
	root := t.TempDir()
	if _, err := SecureJoin(root, "../outside"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
	p, err := SecureJoin(root, "store/a.json")
	if err != nil || !strings.HasPrefix(p, root) {
		t.Fatalf("expected path under root, got %q %v", p, err)
	}
}

func TestStdoutLoggerHasNoTail(t *testing.T) {
	logger := NewStdoutLogger()
	logger.With("sim").Write("to stdout")
	if tail := logger.Tail(100); tail != "" {
		t.Fatalf("expected empty tail without a file, got %q", tail)
	}
	logger.Close()
}
