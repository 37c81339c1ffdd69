package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plateful/chat/internal/domain"
)

// Claims represents JWT claims issued by the auth backend.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// JWTProvider validates bearer tokens with a shared HMAC secret.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider creates a token-validating identity provider.
func NewJWTProvider(secret []byte, issuer string) (*JWTProvider, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTProvider{secret: secret, issuer: issuer}, nil
}

// CurrentUser validates the token and returns the participant identity.
func (p *JWTProvider) CurrentUser(ctx context.Context, token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, domain.ErrUnauthenticated
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrUnauthenticated
		}
		return p.secret, nil
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return domain.User{}, domain.ErrUnauthenticated
	}
	if p.issuer != "" && claims.Issuer != p.issuer {
		return domain.User{}, domain.ErrUnauthenticated
	}
	if claims.UserID == "" {
		return domain.User{}, domain.ErrUnauthenticated
	}

	return domain.User{ID: claims.UserID, Username: claims.Username}, nil
}

// GenerateToken signs a token for the given user. Used by tooling and
// tests; production tokens come from the auth backend.
func (p *JWTProvider) GenerateToken(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   userID,
		Username: username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
