package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/store"
)

const deliveryColumns = `id, post_id, subscriber_id, status, sent_at, error, created_at`

func scanDelivery(row scanner) (domain.Delivery, error) {
	var (
		d      domain.Delivery
		sentAt sql.NullTime
		errMsg sql.NullString
	)
	if err := row.Scan(&d.ID, &d.PostID, &d.SubscriberID, &d.Status, &sentAt, &errMsg, &d.CreatedAt); err != nil {
		return domain.Delivery{}, err
	}
	d.SentAt = nullTime(sentAt)
	if errMsg.Valid {
		msg := errMsg.String
		d.Error = &msg
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

func (s *Store) CreateDeliveryWithTask(ctx context.Context, d domain.Delivery, t domain.Task) (domain.Delivery, domain.Task, error) {
	if d.ID == "" {
		d.ID = store.NewID("dlv")
	}
	if d.Status == "" {
		d.Status = domain.DeliveryPending
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	d.CreatedAt = d.CreatedAt.UTC()

	var created domain.Task
	err := s.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			d.ID, d.PostID, d.SubscriberID, string(d.Status), timeArg(d.SentAt), d.Error, d.CreatedAt)
		if err != nil {
			return s.wrap("create delivery", err)
		}
		created, err = s.insertTask(ctx, tx, t)
		return err
	})
	if err != nil {
		return domain.Delivery{}, domain.Task{}, err
	}
	return d, created, nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (domain.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.q(`SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`), id))
	if err != nil {
		return domain.Delivery{}, s.wrap("get delivery", err)
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, postID string) ([]domain.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+deliveryColumns+` FROM deliveries WHERE post_id = ? ORDER BY created_at ASC`), postID)
	if err != nil {
		return nil, s.wrap("list deliveries", err)
	}
	defer rows.Close()

	out := make([]domain.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, s.wrap("list deliveries", err)
		}
		out = append(out, d)
	}
	return out, s.wrap("list deliveries", rows.Err())
}

func (s *Store) MarkDeliverySent(ctx context.Context, id string, sentAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE deliveries SET status = 'SENT', sent_at = ?, error = NULL WHERE id = ?`), sentAt.UTC(), id)
	if err != nil {
		return s.wrap("mark delivery sent", err)
	}
	return s.affected(ctx, s.db, "mark delivery sent", res, "", id)
}

func (s *Store) MarkDeliveryFailed(ctx context.Context, id string, errMsg string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE deliveries SET status = 'FAILED', error = ? WHERE id = ?`), errMsg, id)
	if err != nil {
		return s.wrap("mark delivery failed", err)
	}
	return s.affected(ctx, s.db, "mark delivery failed", res, "", id)
}

func (s *Store) CountDeliveries(ctx context.Context) (map[domain.DeliveryStatus]int, error) {
	counts := make(map[domain.DeliveryStatus]int)
	err := s.countBy(ctx, "count deliveries", `SELECT status, COUNT(*) FROM deliveries GROUP BY status`, func(status string, n int) {
		counts[domain.DeliveryStatus(status)] = n
	})
	return counts, err
}

func (s *Store) InsertCronExecution(ctx context.Context, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO cron_executions (window_key, created_at) VALUES (?, ?)`), key, now.UTC())
	return s.wrap("insert cron execution", err)
}

func (s *Store) LatestCronExecution(ctx context.Context) (domain.CronExecution, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM cron_executions`)).Scan(&total); err != nil {
		return domain.CronExecution{}, 0, s.wrap("latest cron execution", err)
	}
	if total == 0 {
		return domain.CronExecution{}, 0, store.NotFound("latest cron execution")
	}
	var ce domain.CronExecution
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT window_key, created_at FROM cron_executions ORDER BY created_at DESC, window_key DESC LIMIT 1`)).
		Scan(&ce.Key, &ce.CreatedAt)
	if err != nil {
		return domain.CronExecution{}, 0, s.wrap("latest cron execution", err)
	}
	ce.CreatedAt = ce.CreatedAt.UTC()
	return ce, total, nil
}
