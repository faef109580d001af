package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// TaskType is the closed set of task tags the processor can dispatch.
type TaskType string

const (
	TypeEmailSend   TaskType = "email.send"
	TypeDemoCleanup TaskType = "demo.cleanup"
	TypeDemoFail    TaskType = "demo.fail"
)

func (t TaskType) Valid() bool {
	switch t {
	case TypeEmailSend, TypeDemoCleanup, TypeDemoFail:
		return true
	}
	return false
}

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

var (
	ErrUnknownType      = errors.New("unknown task type")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrNoHandler        = errors.New("no handler registered")
)

// Registry maps task types to handlers. It is filled at startup and read
// concurrently afterwards.
type Registry struct {
	handlers map[TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskType]Handler)}
}

func (r *Registry) Register(t TaskType, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("register %q: %w", t, ErrUnknownType)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", t)
	}
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("register %q: %w", t, ErrDuplicateHandler)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(t TaskType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(typ string) (Handler, bool) {
	h, ok := r.handlers[TaskType(typ)]
	return h, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []TaskType {
	out := make([]TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}
