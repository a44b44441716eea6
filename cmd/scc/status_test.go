package main

import (
	"strings"
	"testing"
)

func TestFormatStatus(t *testing.T) {
	out := formatStatus(healthDoc{
		Status: "ok",
		Tasks:  map[string]int{"ready": 2, "done": 5},
		Jobs:   map[string]int{"queued": 1},
	})
	want := []string{
		"status=ok",
		"tasks.done=5",
		"tasks.ready=2",
		"jobs.queued=1",
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(lines), len(want), out)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}
