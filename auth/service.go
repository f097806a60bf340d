package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service verifies bearer tokens. Tokens are issued by the identity provider
// that owns user accounts; IssueToken exists for operators and tests.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service signing with HS256.
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       24 * time.Hour,
		now:       time.Now,
	}
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken signs a token for actor.
func (s *Service) IssueToken(actor Actor) (string, error) {
	if strings.TrimSpace(actor.ID) == "" {
		return "", fmt.Errorf("auth: issue token: actor id is required")
	}
	if !isValidRole(actor.Role) {
		return "", fmt.Errorf("auth: issue token: %w %q", ErrInvalidRole, actor.Role)
	}
	now := s.now()
	claims := jwt.MapClaims{
		"user_id": actor.ID,
		"role":    string(actor.Role),
		"exp":     now.Add(s.ttl).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: issue token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a JWT token and returns the actor it names.
func (s *Service) VerifyToken(tokenString string) (Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Actor{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Actor{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Actor{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Actor{}, fmt.Errorf("%w: %w %q", ErrInvalidToken, ErrInvalidRole, roleStr)
	}
	return Actor{ID: userID, Role: role}, nil
}
