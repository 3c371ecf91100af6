package archive

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/panicsense/panicwatch/internal/storage"
)

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC)

	recs := []storage.Completion{
		{ID: 1, SessionID: "s-1", Total: 25, Stage: "Analysis complete",
			DisasterType: "Flood", Sentiment: "Panic", AcceptedAt: now.Add(-48 * time.Hour)},
		{ID: 2, SessionID: "s-2", Total: 120, AcceptedAt: now.Add(-24 * time.Hour)},
	}

	path, err := Write(dir, recs, now)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasSuffix(path, ".jsonl.lz4") {
		t.Errorf("unexpected archive name %q", path)
	}

	// Compressed on disk, no raw JSON visible.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(raw), `"sessionId":"s-1"`) {
		t.Error("archive file is not compressed")
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].DisasterType != "Flood" || got[0].Sentiment != "Panic" {
		t.Errorf("first record %+v", got[0])
	}
	if !got[1].AcceptedAt.Equal(recs[1].AcceptedAt) {
		t.Errorf("timestamp drifted: %v != %v", got[1].AcceptedAt, recs[1].AcceptedAt)
	}
}

func TestWriteRejectsEmptyBatch(t *testing.T) {
	if _, err := Write(t.TempDir(), nil, time.Now()); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestWriteRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	recs := []storage.Completion{{ID: 1}}

	if _, err := Write(dir, recs, now); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := Write(dir, recs, now); err == nil {
		t.Error("second write with the same timestamp should fail")
	}
}
