package tenant

import (
	"context"
	"crypto/subtle"

	"github.com/cloo-solutions/ragline/internal/domain"
)

// APIKeyValidator resolves API keys to tenant ids from a static map loaded
// at startup. Comparison is constant-time per candidate key.
type APIKeyValidator struct {
	keys map[string]string
}

func NewAPIKeyValidator(keys map[string]string) *APIKeyValidator {
	return &APIKeyValidator{keys: keys}
}

// ValidateAPIKey returns the tenant id the key belongs to.
func (v *APIKeyValidator) ValidateAPIKey(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", domain.ErrInvalidAPIKey
	}
	for key, tenantID := range v.keys {
		if len(key) == len(token) && subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return tenantID, nil
		}
	}
	return "", domain.ErrInvalidAPIKey
}
