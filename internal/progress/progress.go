// Package progress parses the marker lines the PanicSense analyzer
// prints to stderr while chewing through a CSV:
//
//	PROGRESS:{"processed":5,"stage":"Processing record 5/25","total":25}::END_PROGRESS
package progress

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/panicsense/panicwatch/internal/types"
)

const (
	markerPrefix = "PROGRESS:"
	markerSuffix = "::END_PROGRESS"
)

// ParseLine extracts a progress report from one output line. The second
// return value is false for lines that are not progress markers or whose
// payload does not decode.
func ParseLine(line string) (types.Progress, bool) {
	line = strings.TrimSpace(line)
	start := strings.Index(line, markerPrefix)
	if start < 0 {
		return types.Progress{}, false
	}
	rest := line[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end < 0 {
		return types.Progress{}, false
	}

	var p types.Progress
	if err := json.Unmarshal([]byte(rest[:end]), &p); err != nil {
		return types.Progress{}, false
	}
	return p, true
}

// Scan reads analyzer output line by line and invokes fn for every
// progress marker. Non-marker lines are ignored. It returns the reader's
// error, if any; io.EOF is not an error.
func Scan(r io.Reader, fn func(types.Progress)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if p, ok := ParseLine(sc.Text()); ok {
			fn(p)
		}
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// IsFinal reports whether a stage label marks the analyzer's last
// progress report. The analyzer signs off with "Analysis complete!",
// so the match is a case-insensitive prefix rather than an exact
// compare against the label's punctuation.
func IsFinal(stage string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(stage)), "analysis complete")
}

// Percent computes a 0-100 completion percentage. Without a total the
// processed count is taken as a percentage already, clamped to 100.
func Percent(p types.Progress) int {
	if p.Total <= 0 {
		if p.Processed > 100 {
			return 100
		}
		if p.Processed < 0 {
			return 0
		}
		return p.Processed
	}
	pct := p.Processed * 100 / p.Total
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
