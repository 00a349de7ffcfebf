// Package notify wraps the outbound notification transport with rate
// limiting and failure isolation. The concrete transport (the Telegram bot)
// lives elsewhere and only has to implement Sender.
package notify

import (
	"context"

	"golang.org/x/time/rate"
)

// Sender delivers one outbound message to a user, addressed by chat id.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Throttled rate-limits an underlying sender with a token bucket so a burst
// of reminders cannot trip the transport's flood control.
type Throttled struct {
	next Sender
	lim  *rate.Limiter
}

func NewThrottled(next Sender, perSecond float64, burst int) *Throttled {
	return &Throttled{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttled) Send(ctx context.Context, chatID int64, text string) error {
	if err := t.lim.Wait(ctx); err != nil {
		return err
	}
	return t.next.Send(ctx, chatID, text)
}
