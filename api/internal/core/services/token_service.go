package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

const (
	tokenIssuer       = "rulesync"
	tokenTypeOperator = "operator"
)

// DefaultTokenTTL is the lifetime of tokens minted by the CLI.
const DefaultTokenTTL = 24 * time.Hour

// OperatorClaims carries the operator's application scope and privileges.
type OperatorClaims struct {
	Apps      []string        `json:"apps"`
	Actions   []domain.Action `json:"actions"`
	TokenType string          `json:"token_type"`
	jwt.RegisteredClaims
}

type TokenService struct {
	secret []byte
	now    func() time.Time
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret), now: time.Now}
}

// IssueOperatorToken mints an HS256 token for op valid for ttl.
func (s *TokenService) IssueOperatorToken(op *domain.Operator, ttl time.Duration) (string, error) {
	if op == nil || op.Name == "" {
		return "", domain.NewFieldError(domain.ErrMissingField, "sub", "can't be null or empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := s.now()
	claims := OperatorClaims{
		Apps:      op.Apps,
		Actions:   op.Actions,
		TokenType: tokenTypeOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.Name,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			ID:        uuid.New().String(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign operator token: %w", err)
	}
	return signed, nil
}

// VerifyOperatorToken validates signature, expiry, issuer and token type and
// returns the operator it names. Every failure wraps domain.ErrUnauthorized.
func (s *TokenService) VerifyOperatorToken(tokenString string) (*domain.Operator, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 🛡️ Zero-Trust: Force the signing method check
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token signature or expired: %w", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	if claims.TokenType != tokenTypeOperator {
		return nil, fmt.Errorf("%w: invalid token type: expected %s", domain.ErrUnauthorized, tokenTypeOperator)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: malformed subject claim", domain.ErrUnauthorized)
	}

	return &domain.Operator{
		Name:    claims.Subject,
		Apps:    claims.Apps,
		Actions: claims.Actions,
	}, nil
}
