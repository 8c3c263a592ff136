package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var periodUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"min", time.Minute},
	{"mon", 30 * 24 * time.Hour},
	{"day", 24 * time.Hour},
	{"week", 7 * 24 * time.Hour},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
}

// ParsePeriod understands "1min", "5min", "1m", "1h", "1day", "1d" and Go durations.
func ParsePeriod(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, pu := range periodUnits {
		if !strings.HasSuffix(s, pu.suffix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(s, pu.suffix))
		if err != nil {
			break
		}
		if n <= 0 {
			return 0, fmt.Errorf("period %q must be positive", s)
		}
		return time.Duration(n) * pu.unit, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("unknown period %q", s)
	}
	return d, nil
}

// PeriodName formats d the way exchanges name candle intervals: "1min", "60min", "1day".
func PeriodName(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dday", d/(24*time.Hour))
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dmin", d/time.Minute)
	}
	return d.String()
}
