package repository

import (
	"context"
	"sync"
	"time"

	"github.com/byomlabs/byom-gateway/internal/crypto"
	"github.com/byomlabs/byom-gateway/internal/domain"
)

// CredentialRepository stores issued bearer tokens. Tokens are never stored in
// the clear: lookups hash the presented token and match against the hash.
type CredentialRepository interface {
	GetByToken(ctx context.Context, token string) (*domain.Credential, error)
	GetByID(ctx context.Context, id string) (*domain.Credential, error)
	List(ctx context.Context, tenantID string) ([]*domain.Credential, error)
	ListActive(ctx context.Context) ([]*domain.Credential, error)
	Create(ctx context.Context, credential *domain.Credential) error
	Update(ctx context.Context, credential *domain.Credential) error
	Revoke(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

type InMemoryCredentialRepository struct {
	mu          sync.RWMutex
	credentials map[string]*domain.Credential
	byHash      map[string]string
}

func NewInMemoryCredentialRepository() *InMemoryCredentialRepository {
	return &InMemoryCredentialRepository{
		credentials: make(map[string]*domain.Credential),
		byHash:      make(map[string]string),
	}
}

func (r *InMemoryCredentialRepository) GetByToken(ctx context.Context, token string) (*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byHash[crypto.HashToken(token)]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}

	cred := r.credentials[id]
	if cred == nil || cred.Status != domain.CredentialActive {
		return nil, domain.ErrCredentialNotFound
	}

	copy := *cred
	return &copy, nil
}

func (r *InMemoryCredentialRepository) GetByID(ctx context.Context, id string) (*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.credentials[id]
	if !ok {
		return nil, domain.ErrCredentialNotFound
	}

	copy := *cred
	return &copy, nil
}

func (r *InMemoryCredentialRepository) List(ctx context.Context, tenantID string) ([]*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Credential
	for _, cred := range r.credentials {
		if cred.TenantID == tenantID {
			copy := *cred
			out = append(out, &copy)
		}
	}
	return out, nil
}

// ListActive returns active credentials across all tenants, for background
// quota sweeps.
func (r *InMemoryCredentialRepository) ListActive(ctx context.Context) ([]*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Credential
	for _, cred := range r.credentials {
		if cred.Status == domain.CredentialActive {
			copy := *cred
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (r *InMemoryCredentialRepository) Create(ctx context.Context, credential *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *credential
	r.credentials[credential.ID] = &stored
	r.byHash[credential.TokenHash] = credential.ID
	return nil
}

func (r *InMemoryCredentialRepository) Update(ctx context.Context, credential *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.credentials[credential.ID]; !ok {
		return domain.ErrCredentialNotFound
	}

	credential.UpdatedAt = time.Now()
	stored := *credential
	r.credentials[credential.ID] = &stored
	return nil
}

func (r *InMemoryCredentialRepository) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[id]
	if !ok {
		return domain.ErrCredentialNotFound
	}

	cred.Status = domain.CredentialRevoked
	cred.UpdatedAt = time.Now()
	return nil
}

func (r *InMemoryCredentialRepository) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[id]
	if !ok {
		return domain.ErrCredentialNotFound
	}

	cred.LastUsedAt = &at
	return nil
}
