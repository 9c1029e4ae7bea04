package extractionconfig

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepo struct {
	mu      sync.Mutex
	configs map[string]*Config
	seq     int
	order   map[string]int
}

func NewMemoryRepo() Repository {
	return &memoryRepo{configs: make(map[string]*Config), order: make(map[string]int)}
}

// clearDefaults must be called with the lock held.
func (r *memoryRepo) clearDefaults(except string) {
	for id, c := range r.configs {
		if id != except {
			c.IsDefault = false
		}
	}
}

func (r *memoryRepo) List(_ context.Context) ([]*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Config, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return r.order[out[i].ID] < r.order[out[j].ID] })
	return out, nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.clone(), nil
}

func (r *memoryRepo) GetDefault(_ context.Context) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.configs {
		if c.IsDefault {
			return c.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) Create(_ context.Context, c *Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if c.IsDefault {
		r.clearDefaults(c.ID)
	}
	r.seq++
	r.order[c.ID] = r.seq
	r.configs[c.ID] = c.clone()
	return nil
}

func (r *memoryRepo) Update(_ context.Context, id string, mutate func(*Config) error) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := old.clone()
	if err := mutate(c); err != nil {
		return nil, err
	}
	c.ID = id
	c.CreatedAt = old.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	if c.IsDefault {
		r.clearDefaults(c.ID)
	}
	r.configs[c.ID] = c.clone()
	return c, nil
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[id]; !ok {
		return ErrNotFound
	}
	delete(r.configs, id)
	delete(r.order, id)
	return nil
}

func (r *memoryRepo) Count(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs), nil
}
