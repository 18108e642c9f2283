package cronexpr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextEveryTenMinutes(t *testing.T) {
	expr, err := Parse("*/10 * * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	next := expr.Next(base, time.UTC)

	require.Equal(t, time.Date(2026, 7, 30, 12, 10, 0, 0, time.UTC), next)
}

func TestNextDailyAtHour(t *testing.T) {
	expr, err := Parse("0 3 * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	next := expr.Next(base, time.UTC)

	require.Equal(t, time.Date(2026, 7, 31, 3, 0, 0, 0, time.UTC), next)
}

func TestNextList(t *testing.T) {
	expr, err := Parse("0 1,7,13,19 * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	next := expr.Next(base, time.UTC)

	require.Equal(t, time.Date(2026, 7, 30, 13, 0, 0, 0, time.UTC), next)
}

func TestNextDayOfWeekRange(t *testing.T) {
	// Every weekday (Mon-Fri) at 09:00.
	expr, err := Parse("0 9 * * 1-5")
	require.NoError(t, err)

	// 2026-08-01 is a Saturday.
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	next := expr.Next(base, time.UTC)

	require.Equal(t, time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC), next) // Monday
}

func TestParseInvalidFieldCount(t *testing.T) {
	_, err := Parse("* * * *")
	require.Error(t, err)
}

func TestParseInvalidStep(t *testing.T) {
	_, err := Parse("*/0 * * * *")
	require.Error(t, err)
}

func TestTimezoneAwareness(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	expr, err := Parse("0 9 * * *")
	require.NoError(t, err)

	base := time.Date(2026, 7, 30, 0, 30, 0, 0, time.UTC) // 09:30 JST
	next := expr.Next(base, tokyo)

	require.Equal(t, 9, next.Hour())
	require.Equal(t, "Asia/Tokyo", next.Location().String())
}
