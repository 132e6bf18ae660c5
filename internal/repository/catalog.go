package repository

import (
	"context"
	"sync"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

// CatalogRepository stores each tenant's providers and the models attached to
// them. Chat requests name models; the model row points at its provider.
type CatalogRepository interface {
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)
	ListProviders(ctx context.Context, tenantID string) ([]*domain.Provider, error)
	CreateProvider(ctx context.Context, provider *domain.Provider) error
	UpdateProvider(ctx context.Context, provider *domain.Provider) error
	DeleteProvider(ctx context.Context, id string) error

	GetModel(ctx context.Context, id string) (*domain.Model, error)
	GetModelByName(ctx context.Context, tenantID, name string) (*domain.Model, error)
	ListModels(ctx context.Context, tenantID string) ([]*domain.Model, error)
	CreateModel(ctx context.Context, model *domain.Model) error
	UpdateModel(ctx context.Context, model *domain.Model) error
	DeleteModel(ctx context.Context, id string) error
}

type InMemoryCatalogRepository struct {
	mu        sync.RWMutex
	providers map[string]*domain.Provider
	models    map[string]*domain.Model
}

func NewInMemoryCatalogRepository() *InMemoryCatalogRepository {
	return &InMemoryCatalogRepository{
		providers: make(map[string]*domain.Provider),
		models:    make(map[string]*domain.Model),
	}
}

func (r *InMemoryCatalogRepository) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	copy := *p
	return &copy, nil
}

func (r *InMemoryCatalogRepository) ListProviders(ctx context.Context, tenantID string) ([]*domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Provider
	for _, p := range r.providers {
		if p.TenantID == tenantID {
			copy := *p
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (r *InMemoryCatalogRepository) CreateProvider(ctx context.Context, provider *domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *provider
	r.providers[provider.ID] = &stored
	return nil
}

func (r *InMemoryCatalogRepository) UpdateProvider(ctx context.Context, provider *domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[provider.ID]; !ok {
		return domain.ErrProviderNotFound
	}

	provider.UpdatedAt = time.Now()
	stored := *provider
	r.providers[provider.ID] = &stored
	return nil
}

func (r *InMemoryCatalogRepository) DeleteProvider(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[id]; !ok {
		return domain.ErrProviderNotFound
	}

	delete(r.providers, id)
	for mid, m := range r.models {
		if m.ProviderID == id {
			delete(r.models, mid)
		}
	}
	return nil
}

func (r *InMemoryCatalogRepository) GetModel(ctx context.Context, id string) (*domain.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[id]
	if !ok {
		return nil, domain.ErrModelNotFound
	}

	copy := *m
	return &copy, nil
}

// GetModelByName matches active models only. A model whose name exists but is
// deactivated resolves the same as one that never existed.
func (r *InMemoryCatalogRepository) GetModelByName(ctx context.Context, tenantID, name string) (*domain.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.models {
		if m.Name != name || !m.Active {
			continue
		}
		p, ok := r.providers[m.ProviderID]
		if !ok || p.TenantID != tenantID {
			continue
		}
		copy := *m
		return &copy, nil
	}
	return nil, domain.ErrModelNotFound
}

func (r *InMemoryCatalogRepository) ListModels(ctx context.Context, tenantID string) ([]*domain.Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Model
	for _, m := range r.models {
		p, ok := r.providers[m.ProviderID]
		if !ok || p.TenantID != tenantID {
			continue
		}
		copy := *m
		out = append(out, &copy)
	}
	return out, nil
}

func (r *InMemoryCatalogRepository) CreateModel(ctx context.Context, model *domain.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[model.ProviderID]; !ok {
		return domain.ErrProviderNotFound
	}

	stored := *model
	r.models[model.ID] = &stored
	return nil
}

func (r *InMemoryCatalogRepository) UpdateModel(ctx context.Context, model *domain.Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[model.ID]; !ok {
		return domain.ErrModelNotFound
	}

	model.UpdatedAt = time.Now()
	stored := *model
	r.models[model.ID] = &stored
	return nil
}

func (r *InMemoryCatalogRepository) DeleteModel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.models[id]; !ok {
		return domain.ErrModelNotFound
	}

	delete(r.models, id)
	return nil
}
