package logger

import (
	"log/slog"
)

// Error records err under "error". A nil error yields an empty attribute.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Group nests attrs under name.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Event(name string) slog.Attr {
	return slog.String("event", name)
}

// TenantID and UserID accept anything printable (uuid.UUID, string) and
// yield an empty attribute for nil.
func TenantID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("tenant_id", id)
}

func UserID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("user_id", id)
}

func Feature(name string) slog.Attr {
	return slog.String("feature", name)
}

func Plan(name string) slog.Attr {
	return slog.String("plan", name)
}

// EventID is the billing provider's event identifier.
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

func EventType(t string) slog.Attr {
	return slog.String("event_type", t)
}

func Duration(d any) slog.Attr {
	return slog.Any("duration", d)
}
