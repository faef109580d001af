// Package demo holds sample handlers for exercising the task pipeline by hand.
package demo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
)

// Cleanup logs its payload and succeeds.
type Cleanup struct {
	Log zerolog.Logger
}

func (h Cleanup) Handle(ctx context.Context, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.Log.Info().RawJSON("payload", payload).Msg("demo cleanup ran")
	return nil
}

var ErrDemoFailure = errors.New("demo failure")

// Fail always fails, which walks a task through every retry.
type Fail struct{}

func (Fail) Handle(context.Context, json.RawMessage) error { return ErrDemoFailure }
