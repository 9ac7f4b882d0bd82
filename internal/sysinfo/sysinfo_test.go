package sysinfo

import (
	"runtime/debug"
	"testing"
)

func TestMaxMemory_Positive(t *testing.T) {
	if MaxMemory() == 0 {
		t.Fatal("Expected a positive memory estimate")
	}
}

func TestMaxMemory_UsesRuntimeLimit(t *testing.T) {
	previous := debug.SetMemoryLimit(256 << 20)
	t.Cleanup(func() { debug.SetMemoryLimit(previous) })

	if got := MaxMemory(); got != 256<<20 {
		t.Errorf("Expected runtime limit 268435456, got %d", got)
	}
}

func TestUsableSpace_TempDir(t *testing.T) {
	space, err := UsableSpace(t.TempDir())
	if err != nil {
		t.Skipf("Usable space not supported here: %v", err)
	}
	if space == 0 {
		t.Error("Expected usable space on the test temp dir")
	}
}

func TestUsableSpace_MissingDir(t *testing.T) {
	if _, err := UsableSpace("/definitely/not/a/real/dir"); err == nil {
		t.Error("Expected error for missing directory")
	}
}
