package images

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wopr-network/wopr-platform-sub005/pkg/models"
)

// Nightly updates roll only inside this UTC window.
const (
	nightlyHour      = 3
	nightlyWindowMin = 5
)

// ChannelInterval maps a release channel to its poll cadence. Zero means
// the channel is never polled.
func ChannelInterval(channel string) time.Duration {
	switch channel {
	case models.ChannelCanary:
		return 5 * time.Minute
	case models.ChannelStaging:
		return 15 * time.Minute
	case models.ChannelStable:
		return 30 * time.Minute
	}
	return 0
}

// policyAllows decides whether a detected update may roll out right now.
func policyAllows(policy string, now time.Time) (bool, error) {
	switch {
	case policy == models.UpdateOnPush:
		return true, nil
	case policy == models.UpdateManual:
		return false, nil
	case policy == models.UpdateNightly:
		utc := now.UTC()
		return utc.Hour() == nightlyHour && utc.Minute() < nightlyWindowMin, nil
	case strings.HasPrefix(policy, "cron:"):
		return cronMatches(strings.TrimPrefix(policy, "cron:"), now.UTC())
	}
	return false, fmt.Errorf("unknown update policy %q", policy)
}

// cronMatches evaluates a 5-field cron expression (minute hour dom month
// dow) against t. Fields take *, */step, single values, ranges and comma
// lists. All five fields must match.
func cronMatches(expr string, t time.Time) (bool, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return false, fmt.Errorf("cron expression needs 5 fields, got %q", expr)
	}

	values := []int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, field := range fields {
		ok, err := cronFieldMatches(field, values[i])
		if err != nil {
			return false, err
		}
		// Sunday is written as either 0 or 7.
		if !ok && i == 4 && values[i] == 0 {
			ok, err = cronFieldMatches(field, 7)
			if err != nil {
				return false, err
			}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func cronFieldMatches(field string, value int) (bool, error) {
	for _, part := range strings.Split(field, ",") {
		switch {
		case part == "*":
			return true, nil

		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(strings.TrimPrefix(part, "*/"))
			if err != nil || step <= 0 {
				return false, fmt.Errorf("bad cron step %q", part)
			}
			if value%step == 0 {
				return true, nil
			}

		case strings.Contains(part, "-"):
			bounds := strings.SplitN(part, "-", 2)
			lo, err1 := strconv.Atoi(bounds[0])
			hi, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || lo > hi {
				return false, fmt.Errorf("bad cron range %q", part)
			}
			if value >= lo && value <= hi {
				return true, nil
			}

		default:
			n, err := strconv.Atoi(part)
			if err != nil {
				return false, fmt.Errorf("bad cron field %q", part)
			}
			if value == n {
				return true, nil
			}
		}
	}
	return false, nil
}
