// Package archive writes pruned completion history to lz4-compressed
// JSONL files so old rows survive database retention.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/panicsense/panicwatch/internal/storage"
	"github.com/pierrec/lz4/v4"
)

// Write stores the completions as one JSON object per line, lz4
// compressed, in dir. The file name carries the archive time. Returns
// the path of the written file.
func Write(dir string, recs []storage.Completion, now time.Time) (string, error) {
	if len(recs) == 0 {
		return "", fmt.Errorf("nothing to archive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive directory: %w", err)
	}

	name := "completions-" + now.UTC().Format("2006-01-02T15-04-05") + ".jsonl.lz4"
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	zw := lz4.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode completion %d: %w", rec.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return path, nil
}

// Read loads an archive file written by Write.
func Read(path string) ([]storage.Completion, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var recs []storage.Completion
	sc := bufio.NewScanner(lz4.NewReader(f))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec storage.Completion
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode archive line: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	return recs, nil
}

// DefaultDir returns the default archive directory:
// ~/.local/share/panicwatch/archive
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "panicwatch", "archive"), nil
}
