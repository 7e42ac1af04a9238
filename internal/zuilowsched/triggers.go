package zuilowsched

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// isDue evaluates whether j's trigger fires at now, given one pending
// event (for TriggerEvent jobs, which jobDue checks against each
// pending event in turn; nil otherwise).
func isDue(j *Job, now time.Time, event *Event) bool {
	switch j.Trigger.Type {
	case TriggerCron, TriggerAtTime:
		sched, err := cronParser.Parse(j.Trigger.Cron)
		if err != nil {
			return false
		}
		last := j.LastRun
		if last.IsZero() {
			last = now.Add(-time.Minute)
		}
		return !sched.Next(last).After(now)

	case TriggerInterval:
		return j.LastRun.IsZero() || now.Sub(j.LastRun) >= j.Trigger.Interval

	case TriggerEvent:
		if event == nil || event.Type != j.Trigger.EventType {
			return false
		}
		if j.Trigger.Condition == nil {
			return true
		}
		return evalCondition(*j.Trigger.Condition, event.Fields)

	case TriggerMarketOpen:
		return atMarketTime(j.Trigger.MarketTimezone, j.Trigger.MarketOpenTime, now)

	case TriggerMarketClose:
		return atMarketTime(j.Trigger.MarketTimezone, j.Trigger.CloseTime, now)

	case TriggerOpenBar:
		return openBarElapsed(j, now)

	default:
		return false
	}
}

// atMarketTime reports whether now, converted to tz, matches hhmm on a
// weekday (Mon-Fri).
func atMarketTime(tz, hhmm string, now time.Time) bool {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return false
	}
	return local.Hour() == h && local.Minute() == m
}

// openBarElapsed reports whether a full bar interval has elapsed
// since the job's last run, excluding weekends when a timezone is
// configured.
func openBarElapsed(j *Job, now time.Time) bool {
	if j.Trigger.MarketTimezone != "" {
		loc, err := time.LoadLocation(j.Trigger.MarketTimezone)
		if err == nil {
			local := now.In(loc)
			if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
				return false
			}
		}
	}
	interval := time.Duration(j.Trigger.BarMinutes) * time.Minute
	if interval <= 0 {
		return false
	}
	return j.LastRun.IsZero() || now.Sub(j.LastRun) >= interval
}

func evalCondition(c EventCondition, fields map[string]any) bool {
	actual, ok := fields[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case "==":
		return actual == c.Value
	case "in":
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if v == actual {
				return true
			}
		}
		return false
	case ">", "<", ">=", "<=":
		af, aok := toFloat(actual)
		vf, vok := toFloat(c.Value)
		if !aok || !vok {
			return false
		}
		switch c.Operator {
		case ">":
			return af > vf
		case "<":
			return af < vf
		case ">=":
			return af >= vf
		case "<=":
			return af <= vf
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
