package account

import (
	"context"
	"log/slog"
)

type contextKey struct{}

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// FromContext returns the authenticated user.
func FromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(contextKey{}).(*User)
	return u, ok && u != nil
}

// LoggerExtractor adds user_id to log records.
func LoggerExtractor() func(ctx context.Context) (slog.Attr, bool) {
	return func(ctx context.Context) (slog.Attr, bool) {
		if u, ok := FromContext(ctx); ok {
			return slog.String("user_id", u.ID.String()), true
		}
		return slog.Attr{}, false
	}
}
