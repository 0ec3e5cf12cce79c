package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveBatch(t *testing.T) {
	dir := t.TempDir()
	batch := Batch{
		ID:     "batch-1",
		Images: [][]byte{{0xFF, 0xD8, 1, 0xFF, 0xD9}, {0xFF, 0xD8, 2, 0xFF, 0xD9}},
		Path:   PathEarly,
	}

	paths, err := SaveBatch(dir, batch)
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(paths))
	}

	for i, path := range paths {
		expected := filepath.Join(dir, "batch-1", []string{"image0.jpg", "image1.jpg"}[i])
		if path != expected {
			t.Errorf("Expected %s, got %s", expected, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if !bytes.Equal(data, batch.Images[i]) {
			t.Errorf("Image %d: content mismatch", i)
		}
	}
}

func TestSaveBatch_Empty(t *testing.T) {
	paths, err := SaveBatch(t.TempDir(), Batch{ID: "empty"})
	if err != nil {
		t.Fatalf("SaveBatch failed: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("Expected no files, got %v", paths)
	}
}
