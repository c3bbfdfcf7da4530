package storage

import (
	"context"
	"sort"
	"sync"

	"cadence/internal/behavior"
	"cadence/internal/schedule"
)

type memoryStore struct {
	mu     sync.Mutex
	models map[string]behavior.TimingModel
	items  map[string]schedule.Item
	closed bool
}

func NewMemory() Store {
	return &memoryStore{
		models: map[string]behavior.TimingModel{},
		items:  map[string]schedule.Item{},
	}
}

func (s *memoryStore) LoadTimingModel(_ context.Context, category string) (behavior.TimingModel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return behavior.TimingModel{}, false, ErrClosed
	}
	m, ok := s.models[category]
	return m, ok, nil
}

func (s *memoryStore) SaveTimingModel(_ context.Context, m behavior.TimingModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.models[m.Category] = m
	return nil
}

func (s *memoryStore) DeleteTimingModel(_ context.Context, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.models, category)
	return nil
}

func (s *memoryStore) ListTimingModels(context.Context) ([]behavior.TimingModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedModels(s.models), nil
}

func (s *memoryStore) LoadPendingItems(context.Context) ([]schedule.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return sortedItems(s.items), nil
}

func (s *memoryStore) SaveItem(_ context.Context, it schedule.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items[it.ID] = it
	return nil
}

func (s *memoryStore) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.items, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortedModels(in map[string]behavior.TimingModel) []behavior.TimingModel {
	out := make([]behavior.TimingModel, 0, len(in))
	for _, m := range in {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func sortedItems(in map[string]schedule.Item) []schedule.Item {
	out := make([]schedule.Item, 0, len(in))
	for _, it := range in {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
