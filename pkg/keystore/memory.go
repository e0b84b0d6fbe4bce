package keystore

import "sync"

// MemoryBackend keeps records in memory. It is used for ephemeral stores and in tests.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
	// Fail, when non-nil, is returned by every Append and Rewrite.
	Fail error
}

func (m *MemoryBackend) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, r := range m.records {
		out[i] = Record{Peer: r.Peer, Secret: r.Secret.clone(), Deleted: r.Deleted}
	}
	return out, nil
}

func (m *MemoryBackend) Append(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.records = append(m.records, Record{Peer: r.Peer, Secret: r.Secret.clone(), Deleted: r.Deleted})
	return nil
}

func (m *MemoryBackend) Rewrite(live []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.records = m.records[:0]
	for _, r := range live {
		m.records = append(m.records, Record{Peer: r.Peer, Secret: r.Secret.clone()})
	}
	return nil
}

// Len returns the number of records in the log.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryBackend) Close() error {
	return nil
}
