package memory

import "sync"

// Storage is an in-memory port.ClientStorage.
type Storage struct {
	mu     sync.Mutex
	values map[string]string
}

// NewStorage returns empty storage.
func NewStorage() *Storage {
	return &Storage{values: make(map[string]string)}
}

// Set stores a value.
func (s *Storage) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns a stored value or "".
func (s *Storage) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Len returns the number of stored keys.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Clear removes every key.
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	return nil
}
