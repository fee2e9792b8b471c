package store

import (
	"context"
	"sync"
)

// Memory is an in-process Folder. It is used for dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	headers map[string]Header
	token   string
	tokens  []string
	created int
	updated int
}

// NewMemory returns an empty Memory folder.
func NewMemory() *Memory {
	return &Memory{headers: map[string]Header{}}
}

func (m *Memory) OnMessageCreated(_ context.Context, itemID string) (*Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[itemID]; ok {
		return nil, ErrAlreadyExists
	}
	return &Header{ItemID: itemID}, nil
}

func (m *Memory) OnMessageUpdated(_ context.Context, itemID string) (*Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hdr, ok := m.headers[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	return &hdr, nil
}

func (m *Memory) OnDetachedHdrPopulated(_ context.Context, hdr *Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[hdr.ItemID]; ok {
		return ErrAlreadyExists
	}
	m.headers[hdr.ItemID] = *hdr
	m.created++
	return nil
}

func (m *Memory) OnExistingHdrChanged(_ context.Context, hdr *Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.headers[hdr.ItemID]; !ok {
		return ErrNotFound
	}
	m.headers[hdr.ItemID] = *hdr
	m.updated++
	return nil
}

// OnMessageDeleted is a no-op for unknown items so replayed batches apply
// cleanly.
func (m *Memory) OnMessageDeleted(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.headers, itemID)
	return nil
}

func (m *Memory) OnReadStatusChanged(_ context.Context, itemID string, isRead bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hdr, ok := m.headers[itemID]
	if !ok {
		return nil
	}
	hdr.IsRead = isRead
	m.headers[itemID] = hdr
	return nil
}

func (m *Memory) OnSyncStateTokenChanged(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.tokens = append(m.tokens, token)
	return nil
}

// Commits returns how many headers were committed through the create path
// and through the update path.
func (m *Memory) Commits() (created, updated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created, m.updated
}

// Put stores hdr directly, bypassing the create path.
func (m *Memory) Put(hdr Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers[hdr.ItemID] = hdr
}

// Header returns the stored header for itemID.
func (m *Memory) Header(itemID string) (Header, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hdr, ok := m.headers[itemID]
	return hdr, ok
}

// Headers returns a copy of every stored header keyed by item id.
func (m *Memory) Headers() map[string]Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Header, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// SyncState returns the last checkpointed token.
func (m *Memory) SyncState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Checkpoints returns every token checkpointed so far, oldest first.
func (m *Memory) Checkpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}

var _ Folder = (*Memory)(nil)
