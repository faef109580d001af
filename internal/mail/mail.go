// Package mail sends rendered newsletter emails. Transport details live
// behind a provider; the rest of the system only sees Sender.
package mail

import (
	"context"
	"errors"
)

// Message is one email to one recipient.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var ErrInvalidMessage = errors.New("mail: recipient and subject are required")

func (m Message) validate() error {
	if m.To == "" || m.Subject == "" {
		return ErrInvalidMessage
	}
	return nil
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
