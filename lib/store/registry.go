package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

var (
	registry map[string]Factory = map[string]Factory{}
	regLock  sync.RWMutex
)

// Factory builds and validates one storage backend from its raw JSON
// parameters in the policy file.
type Factory interface {
	Build(ctx context.Context, config json.RawMessage) (Interface, error)
	Valid(config json.RawMessage) error
}

// Register makes a backend available under name. Backends call it from init.
func Register(name string, impl Factory) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

// Get looks up a backend factory by name.
func Get(name string) (Factory, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

// Methods lists the registered backend names in sorted order.
func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	result := make([]string, 0, len(registry))
	for method := range registry {
		result = append(result, method)
	}
	sort.Strings(result)
	return result
}
