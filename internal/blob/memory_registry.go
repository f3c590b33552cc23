package blob

import "sync"

// Named memory stores live for the whole process so that separately
// constructed components (state store, provider fake, CLI commands in one
// test) configured with the same name share their objects.
var (
	memoryRegistryMu sync.Mutex
	memoryRegistry   = make(map[string]*MemoryStore)
)

// SharedMemoryStore returns the process-wide MemoryStore with the given
// name, creating it on first use.
func SharedMemoryStore(name string) *MemoryStore {
	memoryRegistryMu.Lock()
	defer memoryRegistryMu.Unlock()

	if s, ok := memoryRegistry[name]; ok {
		return s
	}
	s := NewMemoryStore(name)
	memoryRegistry[name] = s
	return s
}

// ResetSharedMemoryStores drops every shared MemoryStore. Tests call it
// in cleanup to stay isolated.
func ResetSharedMemoryStores() {
	memoryRegistryMu.Lock()
	defer memoryRegistryMu.Unlock()

	memoryRegistry = make(map[string]*MemoryStore)
}
