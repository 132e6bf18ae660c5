package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/byomlabs/byom-gateway/internal/domain"
	"github.com/byomlabs/byom-gateway/internal/repository"
)

// Defaults applied when a credential was issued without explicit thresholds.
const (
	DefaultRPM      = 60
	DefaultTPM      = 10000
	DefaultDailyCap = 100000
)

// Authenticator resolves presented bearer tokens to an AuthContext. Unknown,
// revoked and malformed tokens all collapse into ErrUnauthenticated so the
// caller cannot distinguish them.
type Authenticator struct {
	credentials repository.CredentialRepository
}

func NewAuthenticator(credentials repository.CredentialRepository) *Authenticator {
	return &Authenticator{credentials: credentials}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (*domain.AuthContext, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated
	}

	cred, err := a.credentials.GetByToken(ctx, token)
	if err != nil {
		return nil, domain.ErrUnauthenticated
	}

	return &domain.AuthContext{
		TenantID:     cred.TenantID,
		CredentialID: cred.ID,
		Scopes:       cred.Scopes,
		Policy:       effectivePolicy(cred.Policy),
	}, nil
}

func effectivePolicy(p domain.RateLimitPolicy) domain.RateLimitPolicy {
	if p.RPM <= 0 {
		p.RPM = DefaultRPM
	}
	if p.TPM <= 0 {
		p.TPM = DefaultTPM
	}
	if p.DailyCap <= 0 {
		p.DailyCap = DefaultDailyCap
	}
	return p
}

// ExtractBearerToken pulls the credential out of the Authorization header.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
