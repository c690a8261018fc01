package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

type Memory struct {
	mu     sync.Mutex
	topics map[string]map[string]json.RawMessage
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Load(ctx context.Context, topic string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.topics[topic]
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]json.RawMessage, 0, len(keys))
	for _, k := range keys {
		res = append(res, append(json.RawMessage(nil), records[k]...))
	}
	return res, nil
}

func (m *Memory) Upsert(ctx context.Context, topic, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[string]json.RawMessage)
	}
	m.topics[topic][key] = data
	return nil
}

func (m *Memory) Delete(ctx context.Context, topic, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.topics[topic], key)
	return nil
}

func (m *Memory) Close() error { return nil }
