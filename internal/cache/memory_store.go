package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memoryStore 将快照保存在进程内，重启即丢失，主要用于测试与临时部署。
type memoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]map[string]*Snapshot // namespace → generation → key
}

// NewMemoryStore 构造进程内快照存储。
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string]map[string]map[string]*Snapshot)}
}

func (s *memoryStore) Get(ctx context.Context, locator Locator) (*Snapshot, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := locator.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.data[locator.Namespace][locator.Generation][locator.Key]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, locator Locator, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("snapshot required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := locator.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.data[locator.Namespace][locator.Generation]
	if !ok {
		return ErrGenerationNotFound
	}
	entries[locator.Key] = snapshot.Clone()
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, locator Locator) error {
	if err := locator.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[locator.Namespace][locator.Generation], locator.Key)
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, namespace, generation string) ([]string, error) {
	if err := validateScope(namespace, generation); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.data[namespace][generation]
	if !ok {
		return nil, ErrGenerationNotFound
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *memoryStore) Generations(ctx context.Context, namespace string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if !generationPattern.MatchString(namespace) {
		return nil, ErrInvalidNamespace
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name := range s.data[namespace] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) CreateGeneration(ctx context.Context, namespace, generation string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gens := s.data[namespace]
	if gens == nil {
		gens = make(map[string]map[string]*Snapshot)
		s.data[namespace] = gens
	}
	if _, ok := gens[generation]; !ok {
		gens[generation] = make(map[string]*Snapshot)
	}
	return nil
}

func (s *memoryStore) DeleteGeneration(ctx context.Context, namespace, generation string) error {
	if err := validateScope(namespace, generation); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], generation)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
