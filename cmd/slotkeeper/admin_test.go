package main

import (
	"testing"
	"time"
)

func TestParseAdminWindow(t *testing.T) {
	w, err := parseAdminWindow("", "")
	if err != nil || !w.Start.IsZero() || !w.End.IsZero() {
		t.Fatalf("empty window = %+v, %v", w, err)
	}

	w, err = parseAdminWindow("2026-03-02T09:00:00Z", "2026-03-02T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if w.End.Sub(w.Start) != time.Hour {
		t.Errorf("window = %+v", w)
	}

	if _, err := parseAdminWindow("2026-03-02T09:00:00Z", ""); err == nil {
		t.Error("expected error for half-open flags")
	}
}

func TestRunAdminUnknownCommand(t *testing.T) {
	if err := runAdmin([]string{"explode"}); err == nil {
		t.Error("expected error")
	}
	if err := runAdmin(nil); err != nil {
		t.Errorf("help: %v", err)
	}
}

func TestWSOriginPattern(t *testing.T) {
	tests := map[string]string{
		"":                      "",
		"*":                     "",
		"http://localhost:3000": "localhost:3000",
		"https://app.example":   "app.example",
		"not a url":             "",
	}
	for in, want := range tests {
		if got := wsOriginPattern(in); got != want {
			t.Errorf("wsOriginPattern(%q) = %q, want %q", in, got, want)
		}
	}
}
