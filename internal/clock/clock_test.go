package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealModeNow(t *testing.T) {
	c := New()
	assert.False(t, c.IsSimMode())
	before := time.Now().UTC()
	got := c.Now()
	after := time.Now().UTC()
	assert.True(t, !got.Before(before) && !got.After(after.Add(time.Second)))
}

func TestSetAndAdvance(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("2025-06-01T16:00:00Z"))
	assert.True(t, c.IsSimMode())
	assert.Equal(t, "2025-06-01T16:00:00Z", c.NowISO())

	require.NoError(t, c.Advance(24*time.Hour))
	assert.Equal(t, "2025-06-02T16:00:00Z", c.NowISO())
}

func TestSetRejectsBadISO(t *testing.T) {
	c := New()
	err := c.Set("not-a-time")
	assert.Error(t, err)
	assert.False(t, c.IsSimMode())
}

func TestAdvanceRejectsNonPositive(t *testing.T) {
	c := New()
	assert.Error(t, c.Advance(0))
	assert.Error(t, c.Advance(-time.Minute))
}

func TestSnapToPreviousBoundary(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("2025-06-01T16:37:12Z"))
	require.NoError(t, c.SnapToPreviousBoundary(15))
	assert.Equal(t, "2025-06-01T16:30:00Z", c.NowISO())

	require.NoError(t, c.Set("2025-06-01T16:04:00Z"))
	require.NoError(t, c.SnapToPreviousBoundary(5))
	assert.Equal(t, "2025-06-01T16:00:00Z", c.NowISO())

	assert.Error(t, c.SnapToPreviousBoundary(7))
}

func TestToday(t *testing.T) {
	c := New()
	require.NoError(t, c.Set("2025-06-01T16:37:12Z"))
	assert.Equal(t, "2025-06-01T00:00:00Z", c.Today().Format(time.RFC3339))
}
