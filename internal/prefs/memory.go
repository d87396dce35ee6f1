package prefs

import "sync"

// memoryStore backs Store when SQLite cannot be opened. Selections are
// lost on restart, which degrades to re-prompting for a model.
type memoryStore struct {
	mu       sync.RWMutex
	selected map[string]string
}

func NewMemory() Store {
	return &memoryStore{selected: make(map[string]string)}
}

func (m *memoryStore) SelectedModel(userKey string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.selected[userKey], nil
}

func (m *memoryStore) SetSelectedModel(userKey, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.selected[userKey] = modelID

	return nil
}

func (m *memoryStore) Close() error {
	return nil
}
