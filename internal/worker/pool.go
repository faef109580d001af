package worker

import (
	"context"
	"sync"

	"github.com/chrislombaard/letterd/internal/domain"
)

// Pool bounds how many tasks run at once.
type Pool struct {
	sem chan struct{}
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Each runs fn for every task and waits for all of them. Once ctx is done no
// further tasks are started; tasks already running are waited for.
func (p *Pool) Each(ctx context.Context, tasks []domain.Task, fn func(context.Context, domain.Task)) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case p.sem <- struct{}{}:
		}
		wg.Add(1)
		go func(tk domain.Task) {
			defer func() { <-p.sem; wg.Done() }()
			fn(ctx, tk)
		}(task)
	}
}
