package telebridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddressFilterLiterals(t *testing.T) {
	f := NewAddressFilter([]string{"10.0.0.6", "phone.example.org"}, nil)

	require.True(t, f.Contains("10.0.0.6"))
	require.False(t, f.Contains("10.0.0.7"))
	// Unresolved hostnames never match by name.
	require.False(t, f.Contains("phone.example.org"))

	// Once the resolver filled the map, the address matches.
	f.mu.Lock()
	f.domains["phone.example.org"] = "192.0.2.44"
	f.mu.Unlock()
	require.True(t, f.Contains("192.0.2.44"))
}

func TestDoNotDisturbWindows(t *testing.T) {
	dnd := &DoNotDisturb{
		Windows:  []HourRange{{StartHour: 22, EndHour: 24}, {StartHour: 0, EndHour: 8}},
		Location: time.UTC,
	}

	at := func(hour int) time.Time {
		return time.Date(2025, time.June, 4, hour, 30, 0, 0, time.UTC) // a Wednesday
	}

	require.True(t, dnd.Violated(at(23)))
	require.True(t, dnd.Violated(at(0)))
	require.True(t, dnd.Violated(at(7)))
	require.False(t, dnd.Violated(at(8)))
	require.False(t, dnd.Violated(at(12)))
}

func TestDoNotDisturbWeekdayOverride(t *testing.T) {
	dnd := &DoNotDisturb{
		Windows: []HourRange{{StartHour: 9, EndHour: 17}},
		WeekdayOverride: map[time.Weekday][]HourRange{
			time.Saturday: {},
		},
		Location: time.UTC,
	}

	weekday := time.Date(2025, time.June, 4, 10, 0, 0, 0, time.UTC)   // Wednesday
	saturday := time.Date(2025, time.June, 7, 10, 0, 0, 0, time.UTC)  // Saturday

	require.True(t, dnd.Violated(weekday))
	// The override replaces the generic windows entirely.
	require.False(t, dnd.Violated(saturday))
}

func TestDoNotDisturbTimezone(t *testing.T) {
	// 23:00 UTC is 18:00 in UTC-5; a [22,24) window must not fire.
	dnd := &DoNotDisturb{
		Windows:  []HourRange{{StartHour: 22, EndHour: 24}},
		Location: time.FixedZone("UTC-5", -5*3600),
	}
	require.False(t, dnd.Violated(time.Date(2025, time.June, 4, 23, 0, 0, 0, time.UTC)))
	require.True(t, dnd.Violated(time.Date(2025, time.June, 5, 3, 0, 0, 0, time.UTC)))
}

func TestCallLogHourlyLimit(t *testing.T) {
	log := NewCallLog(3)
	base := time.Date(2025, time.June, 4, 12, 0, 0, 0, time.UTC)

	require.False(t, log.LimitExceeded(base))

	log.Record(base)
	log.Record(base.Add(10 * time.Minute))
	require.False(t, log.LimitExceeded(base.Add(20*time.Minute)))

	log.Record(base.Add(20 * time.Minute))

	// Full log, oldest entry within the hour: the fourth call waits.
	now := base.Add(30 * time.Minute)
	next, exceeded := log.NextAllowedTime(now)
	require.True(t, exceeded)
	require.Equal(t, base.Add(time.Hour), next)

	// Once the oldest entry ages out, calls flow again.
	require.False(t, log.LimitExceeded(base.Add(61*time.Minute)))
}

func TestCallLogUnlimited(t *testing.T) {
	log := NewCallLog(0)
	now := time.Now()
	for i := 0; i < 100; i++ {
		log.Record(now)
	}
	require.False(t, log.LimitExceeded(now))
}

func TestCallLogEvictsOldest(t *testing.T) {
	log := NewCallLog(2)
	base := time.Date(2025, time.June, 4, 12, 0, 0, 0, time.UTC)

	log.Record(base)
	log.Record(base.Add(time.Minute))
	log.Record(base.Add(2 * time.Minute))

	// The first record fell out; next allowed derives from the second.
	next, exceeded := log.NextAllowedTime(base.Add(3 * time.Minute))
	require.True(t, exceeded)
	require.Equal(t, base.Add(time.Minute).Add(time.Hour), next)
}
