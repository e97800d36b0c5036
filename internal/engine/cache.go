package engine

import (
	"sync"

	"trust-engine/internal/model"
)

// assessmentCache keeps recent assessments by id. Once full the oldest
// entry is evicted first.
type assessmentCache struct {
	mu       sync.RWMutex
	items    map[string]*model.SecurityAssessment
	order    []string
	head     int
	capacity int
}

func newAssessmentCache(capacity int) *assessmentCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &assessmentCache{
		items:    make(map[string]*model.SecurityAssessment, capacity),
		order:    make([]string, 0, capacity),
		capacity: capacity,
	}
}

func (c *assessmentCache) put(a *model.SecurityAssessment) {
	stored := a.Clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[a.ID]; exists {
		c.items[a.ID] = stored
		return
	}
	if len(c.order) < c.capacity {
		c.order = append(c.order, a.ID)
	} else {
		delete(c.items, c.order[c.head])
		c.order[c.head] = a.ID
		c.head = (c.head + 1) % c.capacity
	}
	c.items[a.ID] = stored
}

func (c *assessmentCache) get(id string) (*model.SecurityAssessment, bool) {
	c.mu.RLock()
	a, ok := c.items[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (c *assessmentCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
