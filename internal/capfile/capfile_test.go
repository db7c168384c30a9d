package capfile

import (
	"os"
	"path/filepath"
	"testing"

	"magictunnel/internal/transport"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tools := []transport.ToolDescriptor{{Name: "search", Description: "finds things"}}

	if err := Write(dir, "srv-a", tools); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Read(dir, "srv-a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Name != "search" {
		t.Fatalf("unexpected tools: %+v", got)
	}
}

func TestReadMissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	got, err := Read(dir, "nonexistent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil tools, got %+v", got)
	}
}

func TestWriteAtomicJSONLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")
	if err := WriteAtomicJSON(path, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "record.json" {
		t.Fatalf("expected exactly one file named record.json, got %+v", entries)
	}
}
