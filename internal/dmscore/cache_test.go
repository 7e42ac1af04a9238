package dmscore

import (
	"testing"
	"time"

	"github.com/quantcore/platform/internal/barstore"
	"github.com/stretchr/testify/assert"
)

func TestReadCacheHitAndEviction(t *testing.T) {
	c := NewReadCache(2, time.Minute)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	c.Put("US.AAPL", "1d", start, end, []barstore.Bar{{Symbol: "US.AAPL", Close: 1}})
	c.Put("US.MSFT", "1d", start, end, []barstore.Bar{{Symbol: "US.MSFT", Close: 2}})
	assert.Equal(t, 2, c.Len())

	// touch AAPL so MSFT becomes LRU
	_, ok := c.Get("US.AAPL", "1d", start, end)
	assert.True(t, ok)

	c.Put("US.GOOG", "1d", start, end, []barstore.Bar{{Symbol: "US.GOOG", Close: 3}})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("US.MSFT", "1d", start, end)
	assert.False(t, ok, "MSFT should have been evicted as least-recently-used")

	bars, ok := c.Get("US.AAPL", "1d", start, end)
	assert.True(t, ok)
	assert.Equal(t, 1.0, bars[0].Close)
}

func TestReadCacheExpiry(t *testing.T) {
	c := NewReadCache(10, -time.Second) // already-expired TTL
	start := time.Now()
	end := start.Add(time.Hour)
	c.Put("US.AAPL", "1d", start, end, []barstore.Bar{{Symbol: "US.AAPL", Close: 1}})
	_, ok := c.Get("US.AAPL", "1d", start, end)
	assert.False(t, ok)
}

func TestReadCacheDisabled(t *testing.T) {
	c := NewReadCache(0, time.Minute)
	start := time.Now()
	end := start.Add(time.Hour)
	c.Put("US.AAPL", "1d", start, end, []barstore.Bar{{Symbol: "US.AAPL", Close: 1}})
	_, ok := c.Get("US.AAPL", "1d", start, end)
	assert.False(t, ok)
}
