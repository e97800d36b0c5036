package engine

import (
	"sort"
	"sync"

	"trust-engine/internal/metrics"
	"trust-engine/internal/model"

	"go.uber.org/zap"
)

type whitelist struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func newWhitelist() *whitelist {
	return &whitelist{keys: make(map[string]struct{})}
}

func (w *whitelist) add(key string) {
	w.mu.Lock()
	w.keys[key] = struct{}{}
	metrics.WhitelistSize.Set(float64(len(w.keys)))
	w.mu.Unlock()
}

func (w *whitelist) remove(key string) {
	w.mu.Lock()
	delete(w.keys, key)
	metrics.WhitelistSize.Set(float64(len(w.keys)))
	w.mu.Unlock()
}

func (w *whitelist) contains(key string) bool {
	w.mu.RLock()
	_, ok := w.keys[key]
	w.mu.RUnlock()
	return ok
}

func (w *whitelist) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.keys)
}

func (w *whitelist) list() []string {
	w.mu.RLock()
	out := make([]string, 0, len(w.keys))
	for k := range w.keys {
		out = append(out, k)
	}
	w.mu.RUnlock()
	sort.Strings(out)
	return out
}

// AddToWhitelist admits service:component:operation through the default-deny
// gate. Adding a key twice is a no-op.
func (e *Engine) AddToWhitelist(key string) error {
	service, component, operation, err := model.ParseOperationKey(key)
	if err != nil {
		return err
	}
	normalized := model.FormatOperationKey(service, component, operation)
	e.whitelist.add(normalized)
	e.logger.Info("Operation whitelisted", zap.String("key", normalized))
	return nil
}

// RemoveFromWhitelist removes the key; removing an absent key succeeds.
func (e *Engine) RemoveFromWhitelist(key string) error {
	service, component, operation, err := model.ParseOperationKey(key)
	if err != nil {
		return err
	}
	normalized := model.FormatOperationKey(service, component, operation)
	e.whitelist.remove(normalized)
	e.logger.Info("Operation removed from whitelist", zap.String("key", normalized))
	return nil
}

// Whitelist returns the whitelisted keys in lexical order.
func (e *Engine) Whitelist() []string {
	return e.whitelist.list()
}

func (e *Engine) IsWhitelisted(key string) bool {
	service, component, operation, err := model.ParseOperationKey(key)
	if err != nil {
		return false
	}
	return e.whitelist.contains(model.FormatOperationKey(service, component, operation))
}
