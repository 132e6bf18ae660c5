package adapter

import (
	"bytes"
	"encoding/json"

	"github.com/byomlabs/byom-gateway/internal/domain"
)

// MappingConfig is the typed form of a custom provider's free-form mapping
// configuration. Every recognized key is enumerated here; unknown keys are
// rejected at parse time (provider creation), not silently ignored per
// request.
type MappingConfig struct {
	HealthEndpoint string           `json:"health_endpoint,omitempty"`
	ModelsEndpoint string           `json:"models_endpoint,omitempty"`
	Request        *RequestMapping  `json:"request_mapping,omitempty"`
	Response       *ResponseMapping `json:"response_mapping,omitempty"`
}

// RequestMapping shapes the outgoing payload.
type RequestMapping struct {
	Endpoint         string                 `json:"endpoint,omitempty"`
	Messages         *MessageMapping        `json:"messages,omitempty"`
	AdditionalFields map[string]interface{} `json:"additional_fields,omitempty"`
}

// MessageMapping names the field holding the message array and the sub-fields
// holding role and content.
type MessageMapping struct {
	Field        string `json:"field,omitempty"`
	RoleField    string `json:"role_field,omitempty"`
	ContentField string `json:"content_field,omitempty"`
}

// ResponseMapping names the fields to read the backend's reply from.
type ResponseMapping struct {
	ChoicesField string `json:"choices_field,omitempty"`
	MessageField string `json:"message_field,omitempty"`
	ContentField string `json:"content_field,omitempty"`
	UsageField   string `json:"usage_field,omitempty"`
}

func (m *MessageMapping) field() string {
	if m == nil || m.Field == "" {
		return "messages"
	}
	return m.Field
}

func (m *MessageMapping) roleField() string {
	if m == nil || m.RoleField == "" {
		return "role"
	}
	return m.RoleField
}

func (m *MessageMapping) contentField() string {
	if m == nil || m.ContentField == "" {
		return "content"
	}
	return m.ContentField
}

func (m *ResponseMapping) choicesField() string {
	if m.ChoicesField == "" {
		return "choices"
	}
	return m.ChoicesField
}

func (m *ResponseMapping) messageField() string {
	if m.MessageField == "" {
		return "message"
	}
	return m.MessageField
}

func (m *ResponseMapping) contentField() string {
	if m.ContentField == "" {
		return "content"
	}
	return m.ContentField
}

func (m *ResponseMapping) usageField() string {
	if m.UsageField == "" {
		return "usage"
	}
	return m.UsageField
}

// ParseMappingConfig validates and types a raw mapping configuration. A nil
// or empty document yields a nil config (pure canonical behavior). Unknown
// keys anywhere in the document are a ConfigurationError.
func ParseMappingConfig(raw json.RawMessage) (*MappingConfig, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var cfg MappingConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, &domain.ConfigurationError{Detail: "invalid mapping configuration: " + err.Error()}
	}

	return &cfg, nil
}
