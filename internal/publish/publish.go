// Package publish fans a due post out into one Delivery and one email.send
// task per active subscriber.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/metrics"
	"github.com/chrislombaard/letterd/internal/store"
	"github.com/chrislombaard/letterd/internal/worker"
)

const DefaultConcurrency = 8

type Store interface {
	store.PostStore
	store.SubscriberStore
	store.DeliveryStore
}

type Result struct {
	PostsProcessed int `json:"postsProcessed"`
	Deliveries     int `json:"deliveries"`
}

type Config struct {
	Concurrency    int
	UnsubscribeURL string
}

type Publisher struct {
	store   Store
	events  events.Publisher
	metrics metrics.Sink
	cfg     Config
	log     zerolog.Logger
}

func New(s Store, pub events.Publisher, sink metrics.Sink, cfg Config, logger zerolog.Logger) *Publisher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Publisher{
		store:   s,
		events:  pub,
		metrics: sink,
		cfg:     cfg,
		log:     logger.With().Str("component", "publish").Logger(),
	}
}

// PublishDuePosts marks every SCHEDULED post due at now as SENT and creates
// its deliveries. A post already marked by a concurrent call is skipped.
func (p *Publisher) PublishDuePosts(ctx context.Context, now time.Time) (Result, error) {
	now = now.UTC()
	posts, err := p.store.ListDuePosts(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("list due posts: %w", err)
	}
	if len(posts) == 0 {
		return Result{}, nil
	}
	subs, err := p.store.ListActiveSubscribers(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list active subscribers: %w", err)
	}

	// Posts are marked SENT before any of their deliveries exist.
	marked := make([]domain.Post, 0, len(posts))
	bodies := make([]string, 0, len(posts))
	for _, post := range posts {
		if err := p.store.MarkPostSent(ctx, post.ID, now); err != nil {
			if errors.Is(err, store.ErrConflict) {
				p.log.Debug().Str("post_id", post.ID).Msg("post already published")
				continue
			}
			return Result{}, fmt.Errorf("mark post %s sent: %w", post.ID, err)
		}
		html, err := Render(post, p.cfg.UnsubscribeURL)
		if err != nil {
			return Result{}, fmt.Errorf("render post %s: %w", post.ID, err)
		}
		marked = append(marked, post)
		bodies = append(bodies, html)
	}

	counts := make([]atomic.Int64, len(marked))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i := range marked {
		i := i
		for _, sub := range subs {
			sub := sub
			g.Go(func() error {
				created, err := p.createDelivery(gctx, marked[i], sub, bodies[i], now)
				if err != nil {
					return err
				}
				if created {
					counts[i].Add(1)
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{PostsProcessed: len(marked)}
	for i, post := range marked {
		n := int(counts[i].Load())
		res.Deliveries += n
		p.log.Info().Str("post_id", post.ID).Int("deliveries", n).Msg("post published")
		if p.events != nil {
			e := events.New(events.PostPublished, events.PostPublishedPayload{PostID: post.ID, Deliveries: n})
			if err := p.events.Publish(ctx, e); err != nil {
				p.log.Warn().Err(err).Str("post_id", post.ID).Msg("publish event")
			}
		}
	}
	p.metrics.PostsPublished(res.PostsProcessed, res.Deliveries)
	return res, nil
}

func (p *Publisher) createDelivery(ctx context.Context, post domain.Post, sub domain.Subscriber, html string, now time.Time) (bool, error) {
	deliveryID := store.NewID("dlv")
	payload, err := json.Marshal(domain.EmailSendPayload{
		DeliveryID: deliveryID,
		To:         sub.Email,
		Subject:    post.Subject,
		HTML:       html,
	})
	if err != nil {
		return false, fmt.Errorf("encode email payload: %w", err)
	}

	_, _, err = p.store.CreateDeliveryWithTask(ctx,
		domain.Delivery{
			ID:           deliveryID,
			PostID:       post.ID,
			SubscriberID: sub.ID,
			Status:       domain.DeliveryPending,
			CreatedAt:    now,
		},
		domain.Task{
			Type:      string(worker.TypeEmailSend),
			Payload:   payload,
			Status:    domain.TaskPending,
			RunAt:     now,
			CreatedAt: now,
			UpdatedAt: now,
		})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("create delivery for post %s, subscriber %s: %w", post.ID, sub.ID, err)
	}
	return true, nil
}
