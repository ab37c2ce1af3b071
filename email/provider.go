// Package email delivers terminal session events to their owners by email.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"

	"pagewatch/pkg/watch"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender turns session events into emails sent through a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Emit sends the event to its owner, whose id is their email address.
func (s *Sender) Emit(ctx context.Context, ev *watch.Event) error {
	addr, err := mail.ParseAddress(ev.Owner)
	if err != nil {
		return fmt.Errorf("owner %q is not an email address: %w", ev.Owner, err)
	}

	subj := subject(ev)
	s.logger.Info("Sending notification email",
		"to", addr.Address,
		"session_id", ev.SessionID,
		"kind", ev.Kind,
		"subject", subj)

	if err := s.provider.Send(ctx, addr.Address, subj, formatEventBody(ev)); err != nil {
		return fmt.Errorf("send %s email: %w", ev.Kind, err)
	}
	return nil
}
