package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	got, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseDate("2024-03-01T10:00:00+01:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), got)

	_, err = ParseDate("01-03-2024")
	require.Error(t, err)
}

func TestDaysAgo(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 2, 9, 0, 0, 0, 0, time.UTC), DaysAgo(now, 30))
}
