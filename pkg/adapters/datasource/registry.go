package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Connector)
)

// Register makes a connector available under its type name. Connector
// packages call this from init; registering the same type twice panics.
func Register(c Connector) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := c.Type()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("datasource: connector %q registered twice", name))
	}
	registry[name] = c
}

// Connect opens an adapter for the given database type.
func Connect(ctx context.Context, dbType string, cfg Config) (Adapter, error) {
	registryMu.RLock()
	c, ok := registry[dbType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q (supported: %v)", dbType, SupportedTypes())
	}
	return c.Connect(ctx, cfg)
}

// Supported reports whether a connector exists for the database type.
func Supported(dbType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dbType]
	return ok
}

// SupportedTypes returns the registered type names, sorted.
func SupportedTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
