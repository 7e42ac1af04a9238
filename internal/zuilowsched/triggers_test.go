package zuilowsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsDueInterval(t *testing.T) {
	j := &Job{Trigger: Trigger{Type: TriggerInterval, Interval: time.Hour}}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, isDue(j, now, nil), "never-run job is always due")

	j.LastRun = now.Add(-30 * time.Minute)
	require.False(t, isDue(j, now, nil))

	j.LastRun = now.Add(-61 * time.Minute)
	require.True(t, isDue(j, now, nil))
}

func TestIsDueCron(t *testing.T) {
	j := &Job{Trigger: Trigger{Type: TriggerCron, Cron: "0 9 * * *"}}
	before := time.Date(2026, 1, 1, 8, 59, 0, 0, time.UTC)
	at := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	j.LastRun = before
	require.True(t, isDue(j, at, nil))
}

func TestIsDueMarketOpenSkipsWeekends(t *testing.T) {
	j := &Job{Trigger: Trigger{Type: TriggerMarketOpen, MarketTimezone: "UTC", MarketOpenTime: "09:30"}}
	saturday := time.Date(2026, 1, 3, 9, 30, 0, 0, time.UTC)
	require.Equal(t, time.Saturday, saturday.Weekday())
	require.False(t, isDue(j, saturday, nil))

	monday := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	require.True(t, isDue(j, monday, nil))
}

func TestIsDueMarketClose(t *testing.T) {
	j := &Job{Trigger: Trigger{Type: TriggerMarketClose, MarketTimezone: "UTC", CloseTime: "16:00"}}
	monday := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	require.True(t, isDue(j, monday, nil))
	require.False(t, isDue(j, monday.Add(time.Minute), nil))
}

func TestIsDueOpenBar(t *testing.T) {
	j := &Job{Trigger: Trigger{Type: TriggerOpenBar, MarketTimezone: "UTC", BarMinutes: 5}}
	monday := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	require.True(t, isDue(j, monday, nil), "never-run bar job is due")
	j.LastRun = monday.Add(-4 * time.Minute)
	require.False(t, isDue(j, monday, nil))
	j.LastRun = monday.Add(-6 * time.Minute)
	require.True(t, isDue(j, monday, nil))
}

func TestIsDueEventMatchesCondition(t *testing.T) {
	j := &Job{Trigger: Trigger{
		Type: TriggerEvent, EventType: "price_alert",
		Condition: &EventCondition{Field: "price", Operator: ">", Value: 100.0},
	}}
	lowEvent := &Event{Type: "price_alert", Fields: map[string]any{"price": 50.0}}
	require.False(t, isDue(j, time.Now(), lowEvent))

	highEvent := &Event{Type: "price_alert", Fields: map[string]any{"price": 150.0}}
	require.True(t, isDue(j, time.Now(), highEvent))

	wrongType := &Event{Type: "other", Fields: map[string]any{"price": 150.0}}
	require.False(t, isDue(j, time.Now(), wrongType))
}

func TestIsDueEventInOperator(t *testing.T) {
	j := &Job{Trigger: Trigger{
		Type: TriggerEvent, EventType: "symbol_event",
		Condition: &EventCondition{Field: "symbol", Operator: "in", Value: []any{"US.AAPL", "US.MSFT"}},
	}}
	match := &Event{Type: "symbol_event", Fields: map[string]any{"symbol": "US.AAPL"}}
	require.True(t, isDue(j, time.Now(), match))

	noMatch := &Event{Type: "symbol_event", Fields: map[string]any{"symbol": "US.TSLA"}}
	require.False(t, isDue(j, time.Now(), noMatch))
}
