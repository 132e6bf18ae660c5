// Package adapter translates between the canonical chat-completion contract
// and each backend's native protocol. One implementation exists per declared
// provider type; the registry maps the type to a constructor so new backends
// are added here, never by branching in the request pipeline.
package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/httputil"
)

// Adapter is the capability set every backend must expose. Buffered chat
// calls return one canonical response; streaming calls return the backend's
// raw byte stream untranslated, and the caller owns closing it. A non-2xx
// upstream status is a hard *domain.AdapterError; adapters never retry.
type Adapter interface {
	ChatCompletion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
	ListModels(ctx context.Context) ([]domain.ModelInfo, error)
	HealthCheck(ctx context.Context) domain.HealthStatus
}

// Deps carries what constructors need: the shared per-purpose HTTP clients
// and the decryptor for provider credentials. Decryption happens exactly once,
// at construction.
type Deps struct {
	Clients *httputil.Clients
	Decrypt func(ciphertext string) (string, error)
}

// Constructor builds an adapter bound to one provider's configuration.
type Constructor func(p *domain.Provider, deps Deps) (Adapter, error)

// Registry maps a provider's declared type to the adapter constructor that
// handles it. Registries are populated at startup and read-only afterwards.
type Registry struct {
	deps         Deps
	constructors map[domain.ProviderType]Constructor
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:         deps,
		constructors: make(map[domain.ProviderType]Constructor),
	}
}

// NewDefaultRegistry returns a registry with the three HTTP-transported
// adapter types registered. SDK-transported types (bedrock) are registered
// separately by the caller because they need cloud configuration.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	r.Register(domain.ProviderTypeOpenAI, NewOpenAI)
	r.Register(domain.ProviderTypeOllama, NewOllama)
	r.Register(domain.ProviderTypeHTTP, NewHTTPMapped)
	return r
}

func (r *Registry) Register(t domain.ProviderType, c Constructor) {
	r.constructors[t] = c
}

// Resolve constructs the adapter for a provider's declared type.
func (r *Registry) Resolve(p *domain.Provider) (Adapter, error) {
	c, ok := r.constructors[p.Type]
	if !ok {
		return nil, &domain.ConfigurationError{Detail: fmt.Sprintf("unsupported provider type %q", p.Type)}
	}
	return c(p, r.deps)
}

// Types lists the registered provider types.
func (r *Registry) Types() []domain.ProviderType {
	types := make([]domain.ProviderType, 0, len(r.constructors))
	for t := range r.constructors {
		types = append(types, t)
	}
	return types
}

func decryptAPIKey(p *domain.Provider, deps Deps) (string, error) {
	if p.EncryptedAPIKey == "" {
		return "", nil
	}
	if deps.Decrypt == nil {
		return "", &domain.ConfigurationError{Detail: "provider has a credential but no decryptor is configured"}
	}
	key, err := deps.Decrypt(p.EncryptedAPIKey)
	if err != nil {
		return "", &domain.ConfigurationError{Detail: "decrypt provider credential: " + err.Error()}
	}
	return key, nil
}

// checkStatus turns a non-2xx response into an AdapterError carrying the
// upstream status and body text. The body is consumed either way.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &domain.AdapterError{Status: resp.StatusCode, Body: string(body)}
}

// probe issues a GET against url and converts the round trip into a
// HealthStatus, measuring latency to the full response.
func probe(ctx context.Context, client *http.Client, url string, headers map[string]string, okMessage string) domain.HealthStatus {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return domain.HealthStatus{Success: false, Message: "Connection failed: " + err.Error(), Error: err.Error()}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.HealthStatus{Success: false, Message: "Connection failed: " + err.Error(), Error: err.Error()}
	}
	defer resp.Body.Close()

	latency := float64(time.Since(start).Microseconds()) / 1000

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return domain.HealthStatus{
			Success: false,
			Message: fmt.Sprintf("Endpoint returned status %d", resp.StatusCode),
			Error:   string(body),
		}
	}

	return domain.HealthStatus{Success: true, Message: okMessage, LatencyMs: latency}
}

func trimBaseURL(u string) string {
	return strings.TrimRight(u, "/")
}
