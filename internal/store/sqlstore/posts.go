package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/store"
)

const postColumns = `id, title, subject, body_html, status, scheduled_at, sent_at, created_at`

func scanPost(row scanner) (domain.Post, error) {
	var (
		p                   domain.Post
		scheduledAt, sentAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Subject, &p.BodyHTML, &p.Status, &scheduledAt, &sentAt, &p.CreatedAt); err != nil {
		return domain.Post{}, err
	}
	p.ScheduledAt = nullTime(scheduledAt)
	p.SentAt = nullTime(sentAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *Store) CreatePost(ctx context.Context, p domain.Post) (domain.Post, error) {
	if p.ID == "" {
		p.ID = store.NewID("pst")
	}
	if p.Status == "" {
		p.Status = domain.PostDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Title, p.Subject, p.BodyHTML, string(p.Status), timeArg(p.ScheduledAt), timeArg(p.SentAt), p.CreatedAt)
	if err != nil {
		return domain.Post{}, s.wrap("create post", err)
	}
	return p, nil
}

func (s *Store) GetPost(ctx context.Context, id string) (domain.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id))
	if err != nil {
		return domain.Post{}, s.wrap("get post", err)
	}
	return p, nil
}

func (s *Store) ListPosts(ctx context.Context, status domain.PostStatus) ([]domain.Post, error) {
	return s.listPosts(ctx, "list posts", `
SELECT `+postColumns+` FROM posts WHERE status = ?
ORDER BY created_at DESC`, string(status))
}

func (s *Store) ListDuePosts(ctx context.Context, now time.Time) ([]domain.Post, error) {
	return s.listPosts(ctx, "list due posts", `
SELECT `+postColumns+` FROM posts
WHERE status = 'SCHEDULED' AND scheduled_at IS NOT NULL AND scheduled_at <= ?
ORDER BY scheduled_at ASC`, now.UTC())
}

func (s *Store) ListUpcomingPosts(ctx context.Context, now time.Time) ([]domain.Post, error) {
	return s.listPosts(ctx, "list upcoming posts", `
SELECT `+postColumns+` FROM posts
WHERE status = 'SCHEDULED' AND scheduled_at IS NOT NULL AND scheduled_at >= ?
ORDER BY scheduled_at ASC`, now.UTC())
}

func (s *Store) listPosts(ctx context.Context, op, query string, args ...any) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()

	posts := make([]domain.Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, s.wrap(op, err)
		}
		posts = append(posts, p)
	}
	return posts, s.wrap(op, rows.Err())
}

func (s *Store) MarkPostSent(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE posts SET status = 'SENT', sent_at = ? WHERE id = ? AND status = 'SCHEDULED'`), now.UTC(), id)
	if err != nil {
		return s.wrap("mark post sent", err)
	}
	return s.affected(ctx, s.db, "mark post sent", res, `SELECT 1 FROM posts WHERE id = ?`, id)
}

func (s *Store) CountPosts(ctx context.Context) (map[domain.PostStatus]int, error) {
	counts := make(map[domain.PostStatus]int)
	err := s.countBy(ctx, "count posts", `SELECT status, COUNT(*) FROM posts GROUP BY status`, func(status string, n int) {
		counts[domain.PostStatus(status)] = n
	})
	return counts, err
}

func (s *Store) CreateSubscriber(ctx context.Context, sub domain.Subscriber) (domain.Subscriber, error) {
	if sub.ID == "" {
		sub.ID = store.NewID("sub")
	}
	if sub.Status == "" {
		sub.Status = domain.SubscriberActive
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO subscribers (id, email, status, created_at) VALUES (?, ?, ?, ?)`),
		sub.ID, sub.Email, string(sub.Status), sub.CreatedAt)
	if err != nil {
		return domain.Subscriber{}, s.wrap("create subscriber", err)
	}
	return sub, nil
}

func (s *Store) ListActiveSubscribers(ctx context.Context) ([]domain.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id, email, status, created_at FROM subscribers
WHERE status = 'ACTIVE' ORDER BY created_at ASC`))
	if err != nil {
		return nil, s.wrap("list active subscribers", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscriber, 0)
	for rows.Next() {
		var sub domain.Subscriber
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Status, &sub.CreatedAt); err != nil {
			return nil, s.wrap("list active subscribers", err)
		}
		sub.CreatedAt = sub.CreatedAt.UTC()
		subs = append(subs, sub)
	}
	return subs, s.wrap("list active subscribers", rows.Err())
}

func (s *Store) CountSubscribers(ctx context.Context) (map[domain.SubscriberStatus]int, error) {
	counts := make(map[domain.SubscriberStatus]int)
	err := s.countBy(ctx, "count subscribers", `SELECT status, COUNT(*) FROM subscribers GROUP BY status`, func(status string, n int) {
		counts[domain.SubscriberStatus(status)] = n
	})
	return counts, err
}
