package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ts(month time.Month, day, hour, minute int) time.Time {
	return time.Date(2026, month, day, hour, minute, 0, 0, time.UTC)
}

func TestAdjustForQuietHours(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"late evening moves to next morning", ts(3, 2, 23, 30), ts(3, 3, 9, 0)},
		{"start of window", ts(3, 2, 22, 0), ts(3, 3, 9, 0)},
		{"early morning same day", ts(3, 2, 6, 0), ts(3, 2, 9, 0)},
		{"just before end", ts(3, 2, 7, 59), ts(3, 2, 9, 0)},
		{"midnight", ts(3, 2, 0, 0), ts(3, 2, 9, 0)},
		{"end of window is allowed", ts(3, 2, 8, 0), ts(3, 2, 8, 0)},
		{"afternoon unchanged", ts(3, 2, 13, 0), ts(3, 2, 13, 0)},
		{"just before start", ts(3, 2, 21, 59), ts(3, 2, 21, 59)},
		{"month rollover", ts(3, 31, 23, 15), ts(4, 1, 9, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, AdjustForQuietHours(tc.in))
		})
	}
}

func TestQuietHoursNeverLandInside(t *testing.T) {
	t.Parallel()
	windows := []QuietHours{DefaultQuietHours, {Start: 1, End: 6, Resume: 7}, {Start: 20, End: 23, Resume: 23}}
	for _, q := range windows {
		require.NoError(t, q.Validate())
		for m := 0; m < 24*60; m += 7 {
			in := ts(6, 10, 0, 0).Add(time.Duration(m) * time.Minute)
			out := q.Adjust(in)
			require.False(t, q.Contains(out.Hour()), "%v -> %v", in, out)
			require.False(t, out.Before(in), "%v -> %v", in, out)
			require.Equal(t, out, q.Adjust(out), "idempotent")
		}
	}
}

func TestQuietHoursNonWrappingStaysSameDay(t *testing.T) {
	t.Parallel()
	q := QuietHours{Start: 1, End: 6, Resume: 7}
	require.Equal(t, ts(3, 2, 7, 0), q.Adjust(ts(3, 2, 3, 0)))
	require.Equal(t, ts(3, 2, 23, 0), q.Adjust(ts(3, 2, 23, 0)))
}

func TestQuietHoursValidate(t *testing.T) {
	t.Parallel()
	require.Error(t, QuietHours{Start: 22, End: 8, Resume: 23}.Validate())
	require.Error(t, QuietHours{Start: 25, End: 8, Resume: 9}.Validate())
	require.NoError(t, QuietHours{Off: true, Start: 22, End: 8, Resume: 23}.Validate())
	require.False(t, QuietHours{Off: true, Start: 22, End: 8}.Contains(23))
	require.False(t, QuietHours{Start: 5, End: 5}.Contains(5))
}
