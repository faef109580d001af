// Package window guarantees a recurring trigger does real work at most once
// per UTC hour.
package window

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chrislombaard/letterd/internal/store"
)

const Size = time.Hour

// Key returns the claim key for the hour containing now, e.g.
// "tick:2025-01-01T10:00:00Z".
func Key(now time.Time) string {
	return "tick:" + now.UTC().Truncate(Size).Format(time.RFC3339)
}

type Guard struct {
	store store.CronStore
}

func NewGuard(s store.CronStore) *Guard {
	return &Guard{store: s}
}

// Claim records the window for now. claimed is false, with a nil error, when
// the window was already claimed by an earlier call.
func (g *Guard) Claim(ctx context.Context, now time.Time) (key string, claimed bool, err error) {
	key = Key(now)
	if err := g.store.InsertCronExecution(ctx, key, now.UTC()); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return key, false, nil
		}
		return key, false, fmt.Errorf("claim window %s: %w", key, err)
	}
	return key, true, nil
}
