package firecracker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRootfsPath(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"convert.ext4", "default.ext4"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		process string
		want    string
	}{
		{"convert", filepath.Join(dir, "convert.ext4")},
		{"thumbnail", filepath.Join(dir, "default.ext4")},
	}
	for _, tt := range tests {
		t.Run(tt.process, func(t *testing.T) {
			got, err := RootfsPath(dir, tt.process)
			if err != nil {
				t.Fatalf("RootfsPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("RootfsPath(%q) = %q, want %q", tt.process, got, tt.want)
			}
		})
	}
}

func TestRootfsPathErrors(t *testing.T) {
	dir := t.TempDir()

	for _, process := range []string{"", "..", "a/b"} {
		if _, err := RootfsPath(dir, process); err == nil || !strings.Contains(err.Error(), "invalid process name") {
			t.Errorf("RootfsPath(%q) error = %v, want invalid process name", process, err)
		}
	}

	if _, err := RootfsPath(dir, "convert"); err == nil {
		t.Error("expected error without a process or default image")
	}
}
