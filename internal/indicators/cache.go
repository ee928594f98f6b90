package indicators

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes indicator series for a single close series.
//
// A grid search asks for the same (kind, window) pair many times, often from several
// workers at once; concurrent requests for one key share a single computation. Returned
// slices are shared between callers and must not be modified.
type Cache struct {
	closes []float64

	mu     sync.RWMutex
	series map[string][]float64
	group  singleflight.Group
}

// NewCache creates a cache over closes. The slice is read, never written.
func NewCache(closes []float64) *Cache {
	return &Cache{
		closes: closes,
		series: make(map[string][]float64),
	}
}

// Len returns the length of the underlying close series.
func (c *Cache) Len() int {
	return len(c.closes)
}

// Closes returns the underlying close series.
func (c *Cache) Closes() []float64 {
	return c.closes
}

// Get returns the indicator series for kind and window, computing it at most once.
func (c *Cache) Get(kind Kind, window int) ([]float64, error) {
	key := fmt.Sprintf("%s:%d", kind, window)

	c.mu.RLock()
	cached, ok := c.series[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		values, err := Compute(kind, c.closes, window)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.series[key] = values
		c.mu.Unlock()

		return values, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]float64), nil
}
