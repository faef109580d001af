// Package email implements the email.send task: deliver one rendered post to
// one subscriber and record the outcome on its Delivery.
package email

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrislombaard/letterd/internal/apperr"
	"github.com/chrislombaard/letterd/internal/domain"
	"github.com/chrislombaard/letterd/internal/mail"
	"github.com/chrislombaard/letterd/internal/store"
)

type Handler struct {
	deliveries store.DeliveryStore
	sender     mail.Sender
	log        zerolog.Logger
	now        func() time.Time
}

func New(deliveries store.DeliveryStore, sender mail.Sender, logger zerolog.Logger) *Handler {
	return &Handler{
		deliveries: deliveries,
		sender:     sender,
		log:        logger.With().Str("handler", "email.send").Logger(),
		now:        time.Now,
	}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p domain.EmailSendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return apperr.Validation("invalid_payload", err.Error())
	}
	if p.DeliveryID == "" || p.To == "" {
		return apperr.Validation("invalid_payload", "deliveryId and to are required")
	}

	err := h.sender.Send(ctx, mail.Message{To: p.To, Subject: p.Subject, HTML: p.HTML})
	if err != nil {
		sendErr := apperr.ExternalService("mail", err)
		// The handler context may be the one that timed out.
		if markErr := h.deliveries.MarkDeliveryFailed(context.WithoutCancel(ctx), p.DeliveryID, err.Error()); markErr != nil {
			h.log.Error().Err(markErr).Str("delivery_id", p.DeliveryID).Msg("record delivery failure")
			return errors.Join(sendErr, markErr)
		}
		return sendErr
	}

	// The mail is out; record it even if the task deadline has just passed.
	if err := h.deliveries.MarkDeliverySent(context.WithoutCancel(ctx), p.DeliveryID, h.now().UTC()); err != nil {
		return err
	}
	h.log.Debug().Str("delivery_id", p.DeliveryID).Msg("delivery sent")
	return nil
}
