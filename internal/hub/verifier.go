package hub

import (
	"context"
	"errors"

	"github.com/amoylab/clinicpush/internal/auth/jwt"
)

var (
	ErrAuthTimeout       = errors.New("handshake not received within grace period")
	ErrUnauthorized      = errors.New("traffic before handshake")
	ErrMissingCredential = errors.New("handshake carries no credential")
)

// Identity is what a verified credential binds to a session
type Identity struct {
	UserID string
	Roles  []string
}

// Verifier validates a bearer credential for signature and expiry
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// VerifierFunc adapts a function to Verifier
type VerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// NewJWTVerifier verifies credentials issued by svc
func NewJWTVerifier(svc *jwt.Service) Verifier {
	return VerifierFunc(func(_ context.Context, token string) (Identity, error) {
		claims, err := svc.ValidateToken(token)
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: claims.UserID, Roles: claims.Roles}, nil
	})
}
