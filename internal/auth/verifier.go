package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/stefando/uploadRelay/internal/logging"
)

// TokenVerifier checks a raw bearer token. *oidc.IDTokenVerifier satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*oidc.IDToken, error)
}

// NewOIDCVerifier discovers the issuer's keys and returns a verifier.
// An empty clientID skips the audience check, which Cognito access tokens
// need since they carry client_id instead of aud.
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider for issuer %s: %w", issuerURL, err)
	}

	logging.Info("OIDC verification enabled",
		zap.String("issuer", issuerURL),
		zap.String("client_id", clientID))

	return provider.Verifier(&oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: clientID == "",
	}), nil
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Unauthorized"})
}

// RequireToken rejects requests without a bearer token the verifier accepts.
func RequireToken(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := stripBearer(r.Header.Get("Authorization"))
			if !ok {
				logging.WithContext(r.Context()).Info("request rejected", zap.Error(ErrNoBearer))
				writeUnauthorized(w)
				return
			}

			if _, err := verifier.Verify(r.Context(), token); err != nil {
				logging.WithContext(r.Context()).Info("token verification failed", zap.Error(err))
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
