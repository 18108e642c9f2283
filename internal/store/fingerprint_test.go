package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func parseValue(t *testing.T, line string) Value {
	t.Helper()
	var v Value
	require.NoError(t, json.Unmarshal([]byte(line), &v))
	return v
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	a := parseValue(t, `{"url":"https://x/1","title":"Hi"}`)
	b := parseValue(t, `{"title":"Hi","url":"https://x/1"}`)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIgnoresVolatileField(t *testing.T) {
	a := parseValue(t, `{"url":"https://x/1","scraped_at":"2026-07-30T00:00:00Z"}`)
	b := parseValue(t, `{"url":"https://x/1","scraped_at":"2026-07-30T01:00:00Z"}`)
	require.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintDiffersOnContent(t *testing.T) {
	a := parseValue(t, `{"url":"https://x/1"}`)
	b := parseValue(t, `{"url":"https://x/2"}`)
	require.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprintIsHex64(t *testing.T) {
	a := parseValue(t, `{"url":"https://x/1"}`)
	fp := Fingerprint(a)
	require.Len(t, fp, 64)
}
