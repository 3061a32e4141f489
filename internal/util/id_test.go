package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("thr")
	if !strings.HasPrefix(id, "thr_") || len(id) != len("thr_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("thr") == id {
		t.Fatal("expected distinct ids")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("unexpected bare id %q", bare)
	}
}
