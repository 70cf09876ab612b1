package blob

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Store for tests. The Fail hooks let a test make
// a specific operation fail, which is how the saga tests force partial
// executions.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte

	FailUpload func(uri string) error
	FailCopy   func(src, dst string) error
	FailDelete func(uri string) error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Put installs an object directly.
func (m *Memory) Put(uri string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[uri] = append([]byte(nil), data...)
}

func (m *Memory) Upload(ctx context.Context, uri string, data []byte, contentType string) error {
	if m.FailUpload != nil {
		if err := m.FailUpload(uri); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[uri]; ok {
		return nil
	}
	m.objects[uri] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	if m.FailCopy != nil {
		if err := m.FailCopy(src, dst); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[dst]; ok {
		return nil
	}
	data, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("copy source %s: %w", src, ErrNotExist)
	}
	m.objects[dst] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Delete(ctx context.Context, uri string) error {
	if m.FailDelete != nil {
		if err := m.FailDelete(uri); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, uri)
	return nil
}

func (m *Memory) Exists(ctx context.Context, uri string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[uri]
	return ok, nil
}

func (m *Memory) Download(ctx context.Context, uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[uri]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

var _ Store = (*Memory)(nil)
