package domain

import (
	"encoding/json"
	"time"
)

// ProviderType selects which adapter implementation handles a provider.
type ProviderType string

const (
	ProviderTypeOpenAI  ProviderType = "openai"  // backend already speaks the canonical protocol
	ProviderTypeOllama  ProviderType = "ollama"  // local inference, translated request/response
	ProviderTypeHTTP    ProviderType = "http"    // custom backend, runtime-configured mapping
	ProviderTypeBedrock ProviderType = "bedrock" // AWS Bedrock, SDK-transported
)

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Provider is a tenant-owned backend endpoint. The API key is held encrypted
// and only decrypted when an adapter is constructed.
type Provider struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Name            string            `json:"name"`
	Type            ProviderType      `json:"type"`
	BaseURL         string            `json:"base_url"`
	EncryptedAPIKey string            `json:"-"`
	Headers         map[string]string `json:"headers,omitempty"`
	Mapping         json.RawMessage   `json:"config,omitempty"`
	Active          bool              `json:"is_active"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Model is what a chat request names; it always belongs to one provider.
type Model struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ProviderID    string    `json:"provider_id"`
	ContextLength int       `json:"context_length,omitempty"`
	Default       bool      `json:"default"`
	Active        bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RateLimitPolicy holds the per-credential thresholds. RPM and TPM apply to
// the current hourly window, DailyCap to the current daily window.
type RateLimitPolicy struct {
	RPM      int `json:"rpm"`
	TPM      int `json:"tpm"`
	DailyCap int `json:"daily_cap"`
}

type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// Credential is an issued bearer token. Only the SHA-256 hash is stored; the
// prefix (first 8 characters) is kept for identification in listings.
type Credential struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	Name       string           `json:"name"`
	TokenHash  string           `json:"-"`
	Prefix     string           `json:"prefix"`
	Scopes     []string         `json:"scopes"`
	Policy     RateLimitPolicy  `json:"policy"`
	Status     CredentialStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty"`
}

// AuthContext is the result of resolving a presented credential.
type AuthContext struct {
	TenantID     string
	CredentialID string
	Scopes       []string
	Policy       RateLimitPolicy
}

// ChatRequest is the canonical (OpenAI-compatible) chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the canonical chat completion response. Usage is zero-filled
// when the backend reports no token counts; TotalTokens need not equal the sum
// of the other two.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelInfo is one entry of a backend's advertised model catalog, normalized.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HealthStatus is the result of probing a provider endpoint.
type HealthStatus struct {
	Success   bool    `json:"success"`
	Message   string  `json:"message"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// RequestLogRecord is written exactly once per dispatch attempt and is
// immutable thereafter.
type RequestLogRecord struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	ModelID          string    `json:"model_id"`
	CredentialID     string    `json:"credential_id"`
	ModelName        string    `json:"model_name"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        float64   `json:"latency_ms"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CostUSD          *float64  `json:"cost_usd,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
