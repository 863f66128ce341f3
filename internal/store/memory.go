package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	list      []string
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a Store backed by a map, used in tests and local development.
// The clock is injectable so TTL behavior can be tested without sleeping.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*memEntry
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{data: make(map[string]*memEntry), now: now}
}

// get prunes the entry if its TTL has lapsed. Callers hold mu.
func (s *MemoryStore) get(key string) *memEntry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key) != nil, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, 1)
}

func (s *MemoryStore) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		e = &memEntry{value: "0"}
		s.data[key] = e
	}
	v, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, err
	}
	v += n
	e.value = strconv.FormatInt(v, 10)
	return v, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.get(key); e != nil {
		e.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) DecrIfAtLeast(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	var v int64
	if e != nil {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		v = parsed
	}
	if v < n {
		return 0, ErrInsufficient
	}
	v -= n
	if e == nil {
		e = &memEntry{}
		s.data[key] = e
	}
	e.value = strconv.FormatInt(v, 10)
	return v, nil
}

func (s *MemoryStore) DecrJSONIntField(ctx context.Context, key, field string, n int64) (int64, error) {
	return s.adjustJSONIntField(key, field, -n, true)
}

func (s *MemoryStore) IncrJSONIntField(ctx context.Context, key, field string, n int64) (int64, error) {
	return s.adjustJSONIntField(key, field, n, false)
}

func (s *MemoryStore) adjustJSONIntField(key, field string, delta int64, checkFloor bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return 0, ErrNotFound
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(e.value), &obj); err != nil {
		return 0, err
	}
	var cur int64
	if raw, ok := obj[field]; ok {
		if err := json.Unmarshal(raw, &cur); err != nil {
			return 0, err
		}
	}
	if checkFloor && cur < -delta {
		return 0, ErrInsufficient
	}
	cur += delta
	obj[field] = json.RawMessage(strconv.FormatInt(cur, 10))
	updated, err := json.Marshal(obj)
	if err != nil {
		return 0, err
	}
	e.value = string(updated)
	return cur, nil
}

func (s *MemoryStore) RPush(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		e = &memEntry{}
		s.data[key] = e
	}
	e.list = append(e.list, value)
	return nil
}

func (s *MemoryStore) LRange(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, len(e.list))
	copy(out, e.list)
	return out, nil
}
