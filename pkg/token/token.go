// Package token issues compact HMAC-signed tokens carrying a JSON payload:
// base64url(payload) "." base64url(HMAC-SHA256(payload)).
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Expiring payloads are rejected by Parse once Expiry has passed.
type Expiring interface {
	Expiry() time.Time
}

// Sign encodes payload and appends its signature.
func Sign[T any](payload T, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(mac(data, secret)), nil
}

// Parse verifies tok and decodes its payload, checking expiry against the wall clock.
func Parse[T any](tok string, secret []byte) (T, error) {
	return ParseAt[T](tok, secret, time.Now())
}

// ParseAt is Parse with an explicit clock.
func ParseAt[T any](tok string, secret []byte, now time.Time) (T, error) {
	var payload T
	if len(secret) == 0 {
		return payload, ErrEmptySecret
	}

	encPayload, encSig, ok := strings.Cut(tok, ".")
	if !ok || encPayload == "" || encSig == "" || strings.Contains(encSig, ".") {
		return payload, ErrInvalidToken
	}
	data, err := base64.RawURLEncoding.DecodeString(encPayload)
	if err != nil {
		return payload, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(encSig)
	if err != nil {
		return payload, ErrInvalidToken
	}
	if !hmac.Equal(sig, mac(data, secret)) {
		return payload, ErrSignatureInvalid
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, ErrInvalidToken
	}

	if exp, ok := any(payload).(Expiring); ok {
		if at := exp.Expiry(); !at.IsZero() && !now.Before(at) {
			return payload, ErrExpired
		}
	} else if exp, ok := any(&payload).(Expiring); ok {
		if at := exp.Expiry(); !at.IsZero() && !now.Before(at) {
			return payload, ErrExpired
		}
	}
	return payload, nil
}

func mac(data, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(data)
	return h.Sum(nil)
}
