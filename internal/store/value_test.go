package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	line := `{"url":"https://example.com/a","title":"Hello","crawl_start_datetime":"2026-07-30T00:00:00Z","tags":["a","b"],"n":3}`

	var v Value
	require.NoError(t, json.Unmarshal([]byte(line), &v))

	url, ok := v.URL()
	require.True(t, ok)
	require.Equal(t, "https://example.com/a", url)

	cs, ok := v.CrawlStartDatetime()
	require.True(t, ok)
	require.Equal(t, "2026-07-30T00:00:00Z", cs)

	title, _ := v.Get("title")
	s, ok := title.Str()
	require.True(t, ok)
	require.Equal(t, "Hello", s)

	out, err := json.Marshal(v)
	require.NoError(t, err)

	var roundtripped map[string]any
	require.NoError(t, json.Unmarshal(out, &roundtripped))
	require.Equal(t, "https://example.com/a", roundtripped["url"])
	require.Equal(t, float64(3), roundtripped["n"])
}

func TestValueObjectKeysSorted(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":2,"m":3}`), &v))
	require.Equal(t, []string{"a", "m", "z"}, v.Keys())
}

func TestValueMissingReservedKey(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"foo":"bar"}`), &v))
	_, ok := v.URL()
	require.False(t, ok)
}
