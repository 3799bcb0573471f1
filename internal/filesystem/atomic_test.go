package filesystem

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_CreatesParents(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "file.strm")

	if err := WriteFileAtomic(target, []byte("http://example.com/x"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "http://example.com/x" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteFileAtomic_OverwritesExisting(t *testing.T) {
	target := filepath.Join(t.TempDir(), "file.strm")
	if err := WriteFileAtomic(target, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(target, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(target)
	if string(data) != "new" {
		t.Errorf("content = %q, want new", data)
	}

	// No tmp residue left behind
	if _, err := os.Stat(target + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind")
	}
}
