package internal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CtxKey is a type-safe context key. See https://adithayyil.tech/posts/go-type-safe-contexts/
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("Key[%T](%s)", *new(T), k.name)
}

func SetCtxKey[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetCtxKey[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

var requestIDKey = NewCtxKey[string]("requestID")

// WithRequestID tags ctx with a fresh request ID, used to correlate log lines of one inbound request.
func WithRequestID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return SetRequestID(ctx, id), id
}

// SetRequestID tags ctx with an existing request ID, e.g. one propagated by a peer.
func SetRequestID(ctx context.Context, id string) context.Context {
	return SetCtxKey(ctx, requestIDKey, id)
}

// RequestID returns the request ID stored in ctx, or "-" when there is none.
func RequestID(ctx context.Context) string {
	if id, ok := GetCtxKey(ctx, requestIDKey); ok {
		return id
	}
	return "-"
}
