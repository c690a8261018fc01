package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Pebble keeps records under "<topic>:<key>".
type Pebble struct {
	db *pebble.DB
}

var _ Store = (*Pebble)(nil)

func NewPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble: %w", err)
	}
	return &Pebble{db: db}, nil
}

func (s *Pebble) Close() error { return s.db.Close() }

func recordKey(topic, key string) []byte {
	return []byte(topic + ":" + key)
}

func topicPrefix(topic string) []byte {
	return []byte(topic + ":")
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func (s *Pebble) Load(ctx context.Context, topic string) ([]json.RawMessage, error) {
	prefix := topicPrefix(topic)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("store: iterate %s: %w", topic, err)
	}
	defer iter.Close()

	var res []json.RawMessage
	for iter.First(); iter.Valid(); iter.Next() {
		res = append(res, append(json.RawMessage(nil), iter.Value()...))
	}
	return res, iter.Error()
}

func (s *Pebble) Upsert(ctx context.Context, topic, key string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: marshal %s/%s: %w", topic, key, err)
	}
	if err := s.db.Set(recordKey(topic, key), data, pebble.Sync); err != nil {
		return fmt.Errorf("store: save %s/%s: %w", topic, key, err)
	}
	return nil
}

func (s *Pebble) Delete(ctx context.Context, topic, key string) error {
	if err := s.db.Delete(recordKey(topic, key), pebble.Sync); err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", topic, key, err)
	}
	return nil
}
