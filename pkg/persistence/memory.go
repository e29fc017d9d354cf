package persistence

import "sync"

// MemoryBackend is an in-process Backend useful for tests and for callers
// who only want Reset-on-restart semantics (no durability). Grounded on the
// teacher's habit of pairing every durable store with a mutex-guarded
// in-memory counterpart.
type MemoryBackend struct {
	mu        sync.RWMutex
	engine    []byte
	param     []byte
	hasWrite  bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) ReadPair() ([]byte, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.hasWrite {
		return nil, nil, ErrNoSnapshot
	}
	engine := make([]byte, len(m.engine))
	copy(engine, m.engine)
	param := make([]byte, len(m.param))
	copy(param, m.param)
	return engine, param, nil
}

func (m *MemoryBackend) WritePair(engineBlob, paramBlob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engine = append([]byte(nil), engineBlob...)
	m.param = append([]byte(nil), paramBlob...)
	m.hasWrite = true
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
