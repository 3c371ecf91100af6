// Package flags is the durable key-value store for upload lifecycle flags.
// The store is shared by every panicwatch process on the machine, so all
// writes that guard against concurrent writers go through CompareAndSwap
// with the completion timestamp acting as a version token.
package flags

import "sync"

// Keys written by the completion coordinator.
const (
	KeyUploadCompleted          = "uploadCompleted"
	KeyUploadCompletedTimestamp = "uploadCompletedTimestamp"
	KeyIsUploading              = "isUploading"
	KeyUploadProgress           = "uploadProgress"
	KeyUploadSessionID          = "uploadSessionId"
)

// Store is a flag store. An absent key reads as the empty string, and an
// empty string in CompareAndSwap's prev matches an absent key.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	// CompareAndSwap sets key to next only if its current value equals
	// prev. It reports whether the swap happened.
	CompareAndSwap(key, prev, next string) (bool, error)
	Delete(key string) error
}

// Memory is an in-process Store. It is the fail-open fallback when the
// sqlite database cannot be opened, and the store used in tests.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key], nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *Memory) CompareAndSwap(key, prev, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[key] != prev {
		return false, nil
	}
	m.values[key] = next
	return true, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
