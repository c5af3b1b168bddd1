package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	id "impactledger/pkg/domain"
	dErrors "impactledger/pkg/domain-errors"
)

// Claims are the access token claims. Subject carries the caller's hex
// address.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTService issues and validates HS256 caller tokens.
type JWTService struct {
	signingKey []byte
	issuer     string
}

func NewJWTService(signingKey string, issuer string) *JWTService {
	return &JWTService{
		signingKey: []byte(signingKey),
		issuer:     issuer,
	}
}

// GenerateAccessToken signs a token naming caller as subject.
func (s *JWTService) GenerateAccessToken(caller id.Identity, expiresIn time.Duration) (string, error) {
	if caller.IsNil() {
		return "", dErrors.New(dErrors.CodeValidation, "token subject cannot be the null identity")
	}
	now := time.Now()
	newToken := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	return newToken.SignedString(s.signingKey)
}

func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// ValidateCaller validates the token and returns the identity in its subject.
func (s *JWTService) ValidateCaller(tokenString string) (id.Identity, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return id.NullIdentity, err
	}
	caller, err := id.ParseIdentity(claims.Subject)
	if err != nil {
		return id.NullIdentity, dErrors.New(dErrors.CodeUnauthorized, "token subject is not a valid identity")
	}
	return caller, nil
}
