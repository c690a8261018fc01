package engine

import (
	"mmbot/internal/models"
	"sync"
)

// FairValue holds the latest strategy fair value shared by the ledgers.
type FairValue struct {
	mu sync.RWMutex
	v  float64
}

func (f *FairValue) Get() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.v
}

// Set stores v and reports whether it is the first usable value.
func (f *FairValue) Set(v float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := f.v <= 0 && v > 0
	f.v = v
	return first
}

// levelsCache keeps the last book levels seen on the market data link.
type levelsCache struct {
	mu     sync.RWMutex
	levels models.Levels
}

func (c *levelsCache) Set(l models.Levels) {
	c.mu.Lock()
	c.levels = l
	c.mu.Unlock()
}

func (c *levelsCache) Clear() {
	c.Set(models.Levels{})
}

func (c *levelsCache) Get() models.Levels {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.levels
}
