package jsonl

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitGroupsContiguousSameCrawlStart(t *testing.T) {
	lines := []string{
		`{"crawl_start_datetime":"2026-07-30T10:00:00Z","url":"a"}`,
		`{"crawl_start_datetime":"2026-07-30T10:00:00Z","url":"b"}`,
		`{"crawl_start_datetime":"2026-07-30T11:00:00Z","url":"c"}`,
	}
	sessions := Split(lines)
	require.Len(t, sessions, 2)
	require.Len(t, sessions[0].Lines, 2)
	require.Len(t, sessions[1].Lines, 1)
}

func TestSplitTreatsMissingKeyAsOwnSession(t *testing.T) {
	lines := []string{
		`{"url":"a"}`,
		`{"url":"b"}`,
	}
	sessions := Split(lines)
	require.Len(t, sessions, 2)
}

func TestKeepMostRecentReturnsLastNSessions(t *testing.T) {
	lines := []string{
		`{"crawl_start_datetime":"2026-07-30T10:00:00Z","url":"a"}`,
		`{"crawl_start_datetime":"2026-07-30T11:00:00Z","url":"b"}`,
		`{"crawl_start_datetime":"2026-07-30T12:00:00Z","url":"c"}`,
	}
	sessions := Split(lines)
	kept := KeepMostRecent(sessions, 1)
	require.Equal(t, []string{`{"crawl_start_datetime":"2026-07-30T12:00:00Z","url":"c"}`}, kept)
}

func TestKeepMostRecentNoopWhenUnderLimit(t *testing.T) {
	lines := []string{
		`{"crawl_start_datetime":"2026-07-30T10:00:00Z","url":"a"}`,
	}
	sessions := Split(lines)
	kept := KeepMostRecent(sessions, 5)
	require.Equal(t, lines, kept)
}

func TestReadLinesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "results.jsonl")
	content := "{\"a\":1}\n{\"a\":2}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	lines, err := ReadLines(path)
	require.NoError(t, err)
	require.Equal(t, []string{`{"a":1}`, `{"a":2}`}, lines)
}
