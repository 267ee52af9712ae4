package reportstore

import (
	"fmt"
	"sync"
)

// Process-wide registry of opened stores, filled at startup from the
// configuration. Event intake looks stores up by their configured name.
var (
	regMutex sync.Mutex
	registry = map[string]DB{}
)

// Register makes db available under name. An existing registration for name
// is replaced, for tests.
func Register(name string, db DB) {
	regMutex.Lock()
	defer regMutex.Unlock()
	registry[name] = db
}

// Unregister removes the registration for name.
func Unregister(name string) {
	regMutex.Lock()
	defer regMutex.Unlock()
	delete(registry, name)
}

// Lookup returns the registered store for name.
func Lookup(name string) (DB, error) {
	regMutex.Lock()
	defer regMutex.Unlock()
	db, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no registered report store %q", name)
	}
	return db, nil
}
