// Package jsonl provides the line-oriented session splitting used by the
// Retention Manager (spec §4.8) to trim an over-grown output file down to
// its most recent crawl sessions. It is grounded on this codebase's
// lineage's standalone JSONL housekeeping tool, reworked from a CLI you run
// by hand into a library called on every retention sweep.
package jsonl

import (
	"bufio"
	"os"

	"github.com/folio-org/folio-core/internal/store"
)

// Session is a contiguous run of lines sharing the same
// crawl_start_datetime attribute (spec §4.8). Lines with no such attribute
// each form their own single-line session, since there is nothing to group
// them by.
type Session struct {
	Key   string
	Lines []string
}

// ReadLines reads every line of path verbatim (including malformed ones —
// trimming must not silently drop data it cannot interpret).
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Split groups lines into contiguous sessions keyed by crawl_start_datetime.
func Split(lines []string) []Session {
	var sessions []Session
	for i, line := range lines {
		key := sessionKey(line)
		if i > 0 && key != "" && sessions[len(sessions)-1].Key == key {
			sessions[len(sessions)-1].Lines = append(sessions[len(sessions)-1].Lines, line)
			continue
		}
		sessions = append(sessions, Session{Key: key, Lines: []string{line}})
	}
	return sessions
}

func sessionKey(line string) string {
	var v store.Value
	if err := v.UnmarshalJSON([]byte(line)); err != nil {
		return ""
	}
	key, _ := v.CrawlStartDatetime()
	return key
}

// KeepMostRecent returns the lines belonging to the last n sessions in
// file-append order (the most recently written sessions), flattened back
// into a single slice in their original relative order.
func KeepMostRecent(sessions []Session, n int) []string {
	if n <= 0 || len(sessions) <= n {
		var all []string
		for _, s := range sessions {
			all = append(all, s.Lines...)
		}
		return all
	}
	kept := sessions[len(sessions)-n:]
	var out []string
	for _, s := range kept {
		out = append(out, s.Lines...)
	}
	return out
}
