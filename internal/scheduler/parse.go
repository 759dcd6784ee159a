package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/colebrumley/tripwire/internal/trigger"
	"github.com/robfig/cron/v3"
)

// namedFrequencies is the closed set of named recurrences.
var namedFrequencies = map[string]time.Duration{
	"every_minute":     time.Minute,
	"every_5_minutes":  5 * time.Minute,
	"every_15_minutes": 15 * time.Minute,
	"every_30_minutes": 30 * time.Minute,
	"every_hour":       time.Hour,
	"every_6_hours":    6 * time.Hour,
	"every_12_hours":   12 * time.Hour,
	"every_day":        24 * time.Hour,
	"every_week":       7 * 24 * time.Hour,
}

// cron with optional seconds field plus @descriptors (@daily, @every 90s, ...)
var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NamedFrequencies returns the supported named frequencies.
func NamedFrequencies() []string {
	names := make([]string, 0, len(namedFrequencies))
	for name := range namedFrequencies {
		names = append(names, name)
	}
	return names
}

// Parse resolves a recurrence description into a schedule. expr is a named
// frequency, an @descriptor, or a cron expression with five or six fields.
// tz applies to cron expressions and descriptors; empty means the local zone.
// Unresolvable input returns an error wrapping trigger.ErrUnknownSchedule.
func Parse(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", trigger.ErrUnknownSchedule)
	}

	if d, ok := namedFrequencies[strings.ToLower(expr)]; ok {
		return cron.Every(d), nil
	}

	if tz != "" {
		if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
			return nil, fmt.Errorf("%w: timezone given twice in %q", trigger.ErrUnknownSchedule, expr)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", trigger.ErrUnknownSchedule, expr, err)
	}
	return sched, nil
}

// Validate reports whether cond resolves to a schedule.
func Validate(cond trigger.ScheduleCondition) error {
	_, err := Parse(cond.Expression, cond.Timezone)
	return err
}
