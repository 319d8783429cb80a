package logger

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Group creates a slog group attribute from the provided attributes.
func Group(name string, attrs ...slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}

// Error records err under "error". A nil error yields an empty Attr, which slog drops.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Errors groups the non-nil errors under "errors".
func Errors(errs ...error) slog.Attr {
	as := make([]slog.Attr, 0, len(errs))
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

func UserID(id fmt.Stringer) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.String("user_id", id.String())
}

func RequestID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("request_id", id)
}

func EventID(id string) slog.Attr { return slog.String("event_id", id) }

func EventType(eventType string) slog.Attr { return slog.String("event_type", eventType) }

func Provider(name string) slog.Attr { return slog.String("provider", name) }

func ContentID(id string) slog.Attr { return slog.String("content_id", id) }

func AttemptID(id fmt.Stringer) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.String("attempt_id", id.String())
}

func Tier(name string) slog.Attr { return slog.String("tier", name) }

// State records a state machine transition as "from -> to".
func State(from, to string) slog.Attr {
	return slog.String("state", from+" -> "+to)
}

func Component(name string) slog.Attr { return slog.String("component", name) }

func Duration(d time.Duration) slog.Attr { return slog.Duration("duration", d) }

func Event(name string) slog.Attr { return slog.String("event", name) }
