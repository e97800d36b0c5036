package memory

import (
	"sync"
	"time"

	"trust-engine/internal/model"
)

// AnomalyLog is a bounded, append-only list of detected anomalies. Once
// logged an anomaly is only removed by capacity eviction or retention.
type AnomalyLog struct {
	mu       sync.RWMutex
	items    []model.Anomaly
	capacity int
}

func NewAnomalyLog(capacity int) *AnomalyLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &AnomalyLog{capacity: capacity}
}

func (l *AnomalyLog) Append(anomalies ...model.Anomaly) {
	if len(anomalies) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, anomalies...)
	if over := len(l.items) - l.capacity; over > 0 {
		l.items = append(l.items[:0], l.items[over:]...)
	}
}

// Recent returns up to limit anomalies, newest first.
func (l *AnomalyLog) Recent(limit int) []model.Anomaly {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Anomaly, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.items[i])
	}
	return out
}

func (l *AnomalyLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Purge drops anomalies detected before the cutoff.
func (l *AnomalyLog) Purge(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.items[:0]
	for _, a := range l.items {
		if !a.DetectedAt.Before(before) {
			kept = append(kept, a)
		}
	}
	removed := len(l.items) - len(kept)
	l.items = kept
	return removed
}
