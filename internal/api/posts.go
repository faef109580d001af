package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"

	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/store"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidFields lists the JSON names of the fields that failed validation.
func invalidFields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fields
}

type createPostReq struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Subject     string     `json:"subject" validate:"required,max=200"`
	BodyHTML    string     `json:"bodyHtml" validate:"required"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	var req createPostReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_post", Details: invalidFields(err)})
		return
	}

	post := domain.Post{
		Title:     req.Title,
		Subject:   req.Subject,
		BodyHTML:  req.BodyHTML,
		Status:    domain.PostDraft,
		CreatedAt: s.now().UTC(),
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		post.Status = domain.PostScheduled
		post.ScheduledAt = &at
	}

	post, err := s.store.CreatePost(r.Context(), post)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("post_id", post.ID).Str("status", string(post.Status)).Msg("post created")
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) listSentPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.ListPosts(r.Context(), domain.PostSent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePosts(w, posts)
}

func (s *Server) listScheduledPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := s.store.ListUpcomingPosts(r.Context(), s.now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePosts(w, posts)
}

func writePosts(w http.ResponseWriter, posts []domain.Post) {
	if posts == nil {
		posts = []domain.Post{}
	}
	writeJSON(w, http.StatusOK, posts)
}

type createSubscriberReq struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

func (s *Server) createSubscriber(w http.ResponseWriter, r *http.Request) {
	var req createSubscriberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_json"))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid_email"))
		return
	}

	sub, err := s.store.CreateSubscriber(r.Context(), domain.Subscriber{
		Email:     req.Email,
		Status:    domain.SubscriberActive,
		CreatedAt: s.now().UTC(),
	})
	if errors.Is(err, store.ErrDuplicate) {
		writeJSON(w, http.StatusConflict, errorBody("already_subscribed"))
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}
