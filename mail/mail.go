// Package mail provides the outbound email seam used by hooks and jobs: a
// Mailer contract with an HTTP-API driver and a logging no-op for
// development.
package mail

import (
	"context"

	"github.com/stratacms/strata/common"
)

// Message is one outbound email.
type Message struct {
	To      []string `json:"to"`
	From    string   `json:"from,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Mailer sends messages. Implementations must be safe for concurrent use.
type Mailer interface {
	Send(ctx context.Context, msg *Message) error
}

func validate(msg *Message) error {
	if msg == nil || len(msg.To) == 0 {
		return common.E(common.KindBadRequest, "mail recipient is required")
	}
	if msg.Subject == "" {
		return common.E(common.KindBadRequest, "mail subject is required")
	}
	return nil
}

// LogMailer logs messages instead of sending them; the default in
// development and tests.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, msg *Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	common.Logger.WithField("to", msg.To).WithField("subject", msg.Subject).Info("mail suppressed (log driver)")
	return nil
}
