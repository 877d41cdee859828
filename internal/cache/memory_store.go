package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内存储，适合测试与无持久化需求的部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{partitions: make(map[string]*memoryPartition)}
}

type memoryStorage struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
}

type memoryPartition struct {
	name string

	mu      sync.RWMutex
	entries map[string]*Response
	deleted bool
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitions == nil {
		return nil, ErrStoreUnavailable
	}
	p, ok := s.partitions[name]
	if !ok {
		p = &memoryPartition{name: name, entries: make(map[string]*Response)}
		s.partitions[name] = p
	}
	return p, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	delete(s.partitions, name)
	// 已持有该分区句柄的调用方此后读到的是空分区。
	p.mu.Lock()
	p.entries = make(map[string]*Response)
	p.deleted = true
	p.mu.Unlock()
	return true, nil
}

func (s *memoryStorage) Close() error {
	return nil
}

func (p *memoryPartition) Name() string {
	return p.name
}

func (p *memoryPartition) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	resp, ok := p.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored, err := prepareForPut(key, resp)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return ErrPartitionDeleted
	}
	p.entries[key] = stored
	return nil
}

func (p *memoryPartition) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (p *memoryPartition) Entries(ctx context.Context) ([]EntryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	infos := make([]EntryInfo, 0, len(p.entries))
	for key, resp := range p.entries {
		infos = append(infos, EntryInfo{Key: key, SizeBytes: resp.Size(), StoredAt: resp.StoredAt})
	}
	p.mu.RUnlock()
	sortEntries(infos)
	return infos, nil
}

func sortEntries(infos []EntryInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
}
