// Package memory is an in-process store.Store used by tests and by
// `letterd serve --memory`. Data is lost on exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/store"
)

var _ store.Store = (*Store)(nil)

type taskRow struct {
	seq  int
	task domain.Task
}

// Store is safe for concurrent use. Every read returns a copy.
type Store struct {
	mu  sync.RWMutex
	seq int

	tasks       map[string]*taskRow
	attempts    map[string][]domain.TaskAttempt
	posts       map[string]*domain.Post
	subscribers map[string]*domain.Subscriber
	emails      map[string]string // email -> subscriber id
	deliveries  map[string]*domain.Delivery
	pairs       map[string]string // postID|subscriberID -> delivery id
	windows     map[string]domain.CronExecution
	lastWindow  string
}

func New() *Store {
	return &Store{
		tasks:       make(map[string]*taskRow),
		attempts:    make(map[string][]domain.TaskAttempt),
		posts:       make(map[string]*domain.Post),
		subscribers: make(map[string]*domain.Subscriber),
		emails:      make(map[string]string),
		deliveries:  make(map[string]*domain.Delivery),
		pairs:       make(map[string]string),
		windows:     make(map[string]domain.CronExecution),
	}
}

func (m *Store) Ping(context.Context) error { return nil }
func (m *Store) Close() error               { return nil }

// Tasks

func (m *Store) CreateTask(_ context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertTask(t)
}

func (m *Store) insertTask(t domain.Task) (domain.Task, error) {
	t = normalizeTask(t)
	if _, ok := m.tasks[t.ID]; ok {
		return domain.Task{}, store.Duplicate("create task", nil)
	}
	m.seq++
	m.tasks[t.ID] = &taskRow{seq: m.seq, task: copyTask(t)}
	return copyTask(t), nil
}

func (m *Store) GetTask(_ context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, store.NotFound("get task")
	}
	return copyTask(row.task), nil
}

func (m *Store) ListTasks(_ context.Context, f store.TaskFilter) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*taskRow, 0, len(m.tasks))
	for _, r := range m.tasks {
		if f.Status != "" && r.task.Status != f.Status {
			continue
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].task.CreatedAt.Equal(rows[k].task.CreatedAt) {
			return rows[i].task.CreatedAt.After(rows[k].task.CreatedAt)
		}
		return rows[i].seq > rows[k].seq
	})
	limit := store.ClampLimit(f.Limit)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]domain.Task, len(rows))
	for i, r := range rows {
		out[i] = copyTask(r.task)
	}
	return out, nil
}

func (m *Store) ListDueTasks(_ context.Context, now time.Time, limit int) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*taskRow, 0)
	for _, r := range m.tasks {
		if r.task.Status == domain.TaskPending && !r.task.RunAt.After(now) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, k int) bool {
		if !rows[i].task.RunAt.Equal(rows[k].task.RunAt) {
			return rows[i].task.RunAt.Before(rows[k].task.RunAt)
		}
		return rows[i].seq < rows[k].seq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]domain.Task, len(rows))
	for i, r := range rows {
		out[i] = copyTask(r.task)
	}
	return out, nil
}

func (m *Store) ClaimTask(_ context.Context, id string, now time.Time) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, store.NotFound("claim task")
	}
	if row.task.Status != domain.TaskPending || row.task.RunAt.After(now) {
		return domain.Task{}, store.Conflict("claim task")
	}
	row.task.Status = domain.TaskProcessing
	row.task.Attempts++
	row.task.UpdatedAt = now.UTC()
	return copyTask(row.task), nil
}

func (m *Store) CompleteTask(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finish("complete task", id, domain.TaskDone, nil, "", now)
}

func (m *Store) RetryTask(_ context.Context, id string, runAt time.Time, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finish("retry task", id, domain.TaskPending, &runAt, errMsg, now)
}

func (m *Store) FailTask(_ context.Context, id string, errMsg string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finish("fail task", id, domain.TaskFailed, nil, errMsg, now)
}

func (m *Store) finish(op, id string, status domain.TaskStatus, runAt *time.Time, errMsg string, now time.Time) error {
	row, ok := m.tasks[id]
	if !ok {
		return store.NotFound(op)
	}
	if row.task.Status != domain.TaskProcessing {
		return store.Conflict(op)
	}
	now = now.UTC()
	row.task.Status = status
	row.task.UpdatedAt = now
	if runAt != nil {
		row.task.RunAt = runAt.UTC()
	}
	if status == domain.TaskDone {
		row.task.LastError = nil
	} else {
		msg := errMsg
		row.task.LastError = &msg
	}
	m.attempts[id] = append(m.attempts[id], domain.TaskAttempt{
		TaskID:     id,
		Attempt:    row.task.Attempts,
		Success:    status == domain.TaskDone,
		Error:      errMsg,
		FinishedAt: now,
	})
	return nil
}

func (m *Store) RecoverStale(_ context.Context, cutoff time.Time, maxAttempts int, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.tasks {
		if r.task.Status != domain.TaskProcessing || !r.task.UpdatedAt.Before(cutoff) {
			continue
		}
		if r.task.Attempts >= maxAttempts {
			r.task.Status = domain.TaskFailed
		} else {
			r.task.Status = domain.TaskPending
			r.task.RunAt = now.UTC()
		}
		msg := "stale processing task recovered"
		r.task.LastError = &msg
		r.task.UpdatedAt = now.UTC()
		n++
	}
	return n, nil
}

func (m *Store) CountTasks(context.Context) (map[domain.TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.TaskStatus]int)
	for _, r := range m.tasks {
		out[r.task.Status]++
	}
	return out, nil
}

func (m *Store) ListAttempts(_ context.Context, taskID string) ([]domain.TaskAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.TaskAttempt(nil), m.attempts[taskID]...), nil
}

// Posts

func (m *Store) CreatePost(_ context.Context, p domain.Post) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = store.NewID("pst")
	}
	if _, ok := m.posts[p.ID]; ok {
		return domain.Post{}, store.Duplicate("create post", nil)
	}
	if p.Status == "" {
		p.Status = domain.PostDraft
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.ScheduledAt = utcPtr(p.ScheduledAt)
	p.SentAt = utcPtr(p.SentAt)
	cp := p
	m.posts[p.ID] = &cp
	return p, nil
}

func (m *Store) GetPost(_ context.Context, id string) (domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.posts[id]
	if !ok {
		return domain.Post{}, store.NotFound("get post")
	}
	return copyPost(*p), nil
}

func (m *Store) ListPosts(_ context.Context, status domain.PostStatus) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterPosts(func(p *domain.Post) bool { return p.Status == status })
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (m *Store) ListDuePosts(_ context.Context, now time.Time) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterPosts(func(p *domain.Post) bool {
		return p.Status == domain.PostScheduled && p.ScheduledAt != nil && !p.ScheduledAt.After(now)
	})
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.Before(*out[k].ScheduledAt) })
	return out, nil
}

func (m *Store) ListUpcomingPosts(_ context.Context, now time.Time) ([]domain.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.filterPosts(func(p *domain.Post) bool {
		return p.Status == domain.PostScheduled && p.ScheduledAt != nil && !p.ScheduledAt.Before(now)
	})
	sort.Slice(out, func(i, k int) bool { return out[i].ScheduledAt.Before(*out[k].ScheduledAt) })
	return out, nil
}

func (m *Store) filterPosts(keep func(*domain.Post) bool) []domain.Post {
	out := make([]domain.Post, 0)
	for _, p := range m.posts {
		if keep(p) {
			out = append(out, copyPost(*p))
		}
	}
	return out
}

func (m *Store) MarkPostSent(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return store.NotFound("mark post sent")
	}
	if p.Status != domain.PostScheduled {
		return store.Conflict("mark post sent")
	}
	sent := now.UTC()
	p.Status = domain.PostSent
	p.SentAt = &sent
	return nil
}

func (m *Store) CountPosts(context.Context) (map[domain.PostStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.PostStatus]int)
	for _, p := range m.posts {
		out[p.Status]++
	}
	return out, nil
}

// Subscribers

func (m *Store) CreateSubscriber(_ context.Context, s domain.Subscriber) (domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[s.Email]; ok {
		return domain.Subscriber{}, store.Duplicate("create subscriber", nil)
	}
	if s.ID == "" {
		s.ID = store.NewID("sub")
	}
	if s.Status == "" {
		s.Status = domain.SubscriberActive
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	cp := s
	m.subscribers[s.ID] = &cp
	m.emails[s.Email] = s.ID
	return s, nil
}

func (m *Store) ListActiveSubscribers(context.Context) ([]domain.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Subscriber, 0)
	for _, s := range m.subscribers {
		if s.Status == domain.SubscriberActive {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Store) CountSubscribers(context.Context) (map[domain.SubscriberStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.SubscriberStatus]int)
	for _, s := range m.subscribers {
		out[s.Status]++
	}
	return out, nil
}

// Deliveries

func (m *Store) CreateDeliveryWithTask(_ context.Context, d domain.Delivery, t domain.Task) (domain.Delivery, domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := d.PostID + "|" + d.SubscriberID
	if _, ok := m.pairs[pair]; ok {
		return domain.Delivery{}, domain.Task{}, store.Duplicate("create delivery", nil)
	}
	if d.ID == "" {
		d.ID = store.NewID("dlv")
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	created, err := m.insertTask(t)
	if err != nil {
		return domain.Delivery{}, domain.Task{}, err
	}
	cp := d
	m.deliveries[d.ID] = &cp
	m.pairs[pair] = d.ID
	return d, created, nil
}

func (m *Store) GetDelivery(_ context.Context, id string) (domain.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return domain.Delivery{}, store.NotFound("get delivery")
	}
	return copyDelivery(*d), nil
}

func (m *Store) ListDeliveries(_ context.Context, postID string) ([]domain.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Delivery, 0)
	for _, d := range m.deliveries {
		if d.PostID == postID {
			out = append(out, copyDelivery(*d))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (m *Store) MarkDeliverySent(_ context.Context, id string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.NotFound("mark delivery sent")
	}
	at := sentAt.UTC()
	d.Status = domain.DeliverySent
	d.SentAt = &at
	d.Error = nil
	return nil
}

func (m *Store) MarkDeliveryFailed(_ context.Context, id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return store.NotFound("mark delivery failed")
	}
	msg := errMsg
	d.Status = domain.DeliveryFailed
	d.Error = &msg
	return nil
}

func (m *Store) CountDeliveries(context.Context) (map[domain.DeliveryStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.DeliveryStatus]int)
	for _, d := range m.deliveries {
		out[d.Status]++
	}
	return out, nil
}

// Cron windows

func (m *Store) InsertCronExecution(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[key]; ok {
		return store.Duplicate("insert cron execution", nil)
	}
	m.windows[key] = domain.CronExecution{Key: key, CreatedAt: now.UTC()}
	m.lastWindow = key
	return nil
}

func (m *Store) LatestCronExecution(context.Context) (domain.CronExecution, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastWindow == "" {
		return domain.CronExecution{}, 0, store.NotFound("latest cron execution")
	}
	return m.windows[m.lastWindow], len(m.windows), nil
}

func normalizeTask(t domain.Task) domain.Task {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = store.NewID("tsk")
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	if len(t.Payload) == 0 {
		t.Payload = []byte("null")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.RunAt.IsZero() {
		t.RunAt = t.CreatedAt
	}
	t.RunAt = t.RunAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t
}

func copyTask(t domain.Task) domain.Task {
	t.Payload = append([]byte(nil), t.Payload...)
	if t.LastError != nil {
		msg := *t.LastError
		t.LastError = &msg
	}
	return t
}

func copyPost(p domain.Post) domain.Post {
	p.ScheduledAt = utcPtr(p.ScheduledAt)
	p.SentAt = utcPtr(p.SentAt)
	return p
}

func copyDelivery(d domain.Delivery) domain.Delivery {
	d.SentAt = utcPtr(d.SentAt)
	if d.Error != nil {
		msg := *d.Error
		d.Error = &msg
	}
	return d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
