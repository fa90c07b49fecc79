package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims of a session token. Subject is the user id.
type Claims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Sessions issues and parses HS256 session tokens.
type Sessions struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(cfg Config) (*Sessions, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrEmptySecret
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}, nil
}

// Issue signs a session for u.
func (s *Sessions) Issue(u *User) (string, error) {
	now := s.now()
	claims := Claims{
		TenantID: u.TenantID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Session is a verified token.
type Session struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
}

// Parse verifies raw and returns its session. Every failure wraps ErrUnauthenticated.
func (s *Sessions) Parse(raw string) (Session, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return Session{}, errors.Join(ErrUnauthenticated, err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Session{}, fmt.Errorf("%w: bad subject", ErrUnauthenticated)
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: bad tenant claim", ErrUnauthenticated)
	}
	return Session{UserID: userID, TenantID: tenantID}, nil
}
