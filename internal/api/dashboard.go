package api

import (
	"net/http"
	"time"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/events"
	"github.com/chrislombaard/letterd/internal/store"
)

const recentTaskCount = 5

type dashboardResp struct {
	OK          bool                            `json:"ok"`
	Posts       map[domain.PostStatus]int       `json:"posts"`
	Subscribers map[domain.SubscriberStatus]int `json:"subscribers"`
	Deliveries  map[domain.DeliveryStatus]int   `json:"deliveries"`
	Tasks       map[domain.TaskStatus]int       `json:"tasks"`
	RecentTasks []domain.Task                   `json:"recentTasks"`
	LastEvents  map[string]time.Time            `json:"lastEvents"`
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := dashboardResp{OK: true, LastEvents: map[string]time.Time{}}
	var err error

	if resp.Posts, err = s.store.CountPosts(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	if resp.Subscribers, err = s.store.CountSubscribers(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	if resp.Deliveries, err = s.store.CountDeliveries(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	if resp.Tasks, err = s.store.CountTasks(ctx); err != nil {
		writeError(w, r, err)
		return
	}
	if resp.RecentTasks, err = s.store.ListTasks(ctx, store.TaskFilter{Limit: recentTaskCount}); err != nil {
		writeError(w, r, err)
		return
	}
	if resp.RecentTasks == nil {
		resp.RecentTasks = []domain.Task{}
	}

	if s.bus != nil {
		for _, typ := range []string{events.PostPublished, events.TickCompleted, events.TaskSubmitted} {
			if at, ok := s.bus.LastPublished(typ); ok {
				resp.LastEvents[typ] = at
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
