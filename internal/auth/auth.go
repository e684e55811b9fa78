// Package auth verifies the credentials presented by chat clients. Tokens
// are issued by the marketplace's sign-in service; this package only checks
// them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim = "user-id"
	expClaim    = "exp"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUserMismatch      = errors.New("credential does not belong to user")
)

// Provider is the identity collaborator consumed by the chat core.
type Provider interface {
	// Verify reports whether credential proves the caller is userId.
	Verify(ctx context.Context, userId int, credential string) error
	// Authenticate resolves a credential to the user it was issued to.
	Authenticate(ctx context.Context, credential string) (int, error)
}

// JWTProvider accepts HS256 tokens carrying a "user-id" claim.
type JWTProvider struct {
	signingKey []byte
}

func NewJWTProvider(signingKey []byte) *JWTProvider {
	return &JWTProvider{signingKey: signingKey}
}

func (p *JWTProvider) Authenticate(_ context.Context, credential string) (int, error) {
	token, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.signingKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	if !token.Valid {
		return 0, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("%w: invalid token claims", ErrInvalidCredential)
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("%w: invalid user id claim", ErrInvalidCredential)
	}

	return int(userId), nil
}

func (p *JWTProvider) Verify(ctx context.Context, userId int, credential string) error {
	tokenUserId, err := p.Authenticate(ctx, credential)
	if err != nil {
		return err
	}

	if tokenUserId != userId {
		return ErrUserMismatch
	}

	return nil
}

// NewToken issues a token for userId. The sign-in service owns issuance in
// production; this is used by tests and local tooling.
func (p *JWTProvider) NewToken(userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(p.signingKey)
}
