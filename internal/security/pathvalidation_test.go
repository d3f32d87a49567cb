package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "SensorData")
	unsafeDir := filepath.Join(tmpDir, "etc")
	if err := os.MkdirAll(safeDir, 0755); err != nil {
		t.Fatalf("Failed to create safe directory: %v", err)
	}
	if err := os.MkdirAll(unsafeDir, 0755); err != nil {
		t.Fatalf("Failed to create unsafe directory: %v", err)
	}

	// a symlink inside the data directory pointing out of it
	symlinkPath := filepath.Join(safeDir, "evil-symlink")
	if err := os.Symlink(unsafeDir, symlinkPath); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{
			name:     "sensor file",
			filePath: filepath.Join(safeDir, "Battery_Level.txt"),
		},
		{
			name:     "nested path that does not exist yet",
			filePath: filepath.Join(safeDir, "sub", "Lidar_North.txt"),
		},
		{
			name:     "directory itself",
			filePath: safeDir,
		},
		{
			name:      "parent traversal",
			filePath:  filepath.Join(safeDir, "..", "file.txt"),
			wantError: true,
		},
		{
			name:      "relative traversal",
			filePath:  "../../../etc/passwd",
			wantError: true,
		},
		{
			name:      "absolute path elsewhere",
			filePath:  filepath.Join(unsafeDir, "passwd"),
			wantError: true,
		},
		{
			name:      "write through symlinked directory",
			filePath:  filepath.Join(symlinkPath, "new.txt"),
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, safeDir)
			if (err != nil) != tt.wantError {
				t.Fatalf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
			if err != nil && !errors.Is(err, ErrPathEscape) {
				t.Errorf("expected ErrPathEscape, got %v", err)
			}
		})
	}
}

func TestValidatePathWithinDirectory_MissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	err := ValidatePathWithinDirectory(filepath.Join(missing, "a.txt"), missing)
	if err == nil {
		t.Fatal("expected an error for a directory that does not exist")
	}
	if errors.Is(err, ErrPathEscape) {
		t.Errorf("missing directory should not be reported as an escape: %v", err)
	}
}
