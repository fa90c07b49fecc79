package adgate

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/pkg/token"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

// Claims is the signed body of a bypass token.
type Claims struct {
	ID        string              `json:"jti"`
	TenantID  uuid.UUID           `json:"tid"`
	UserID    uuid.UUID           `json:"uid"`
	Feature   entitlement.Feature `json:"ftr"`
	ExpiresAt int64               `json:"exp"`
}

func (c Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0) }

// Tokens issues and verifies bypass tokens bound to one tenant, user and feature.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue returns a fresh token and its expiry.
func (t *Tokens) Issue(subj quota.Subject, feature entitlement.Feature) (string, time.Time, error) {
	exp := t.now().Add(t.ttl).Truncate(time.Second)
	tok, err := token.Sign(Claims{
		ID:        uuid.NewString(),
		TenantID:  subj.TenantID,
		UserID:    subj.UserID,
		Feature:   feature,
		ExpiresAt: exp.Unix(),
	}, t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tok, exp, nil
}

// Verify checks signature, expiry and binding. It does not redeem.
func (t *Tokens) Verify(raw string, subj quota.Subject, feature entitlement.Feature) (Claims, error) {
	claims, err := token.ParseAt[Claims](raw, t.secret, t.now())
	switch {
	case errors.Is(err, token.ErrExpired):
		return claims, ErrBypassExpired
	case err != nil:
		return claims, errors.Join(ErrBypassInvalid, err)
	case claims.ID == "":
		return claims, ErrBypassInvalid
	case claims.TenantID != subj.TenantID, claims.UserID != subj.UserID, claims.Feature != feature:
		return claims, ErrBypassMismatch
	}
	return claims, nil
}
