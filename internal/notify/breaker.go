package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is cooling down after
// repeated transport failures.
var ErrCircuitOpen = errors.New("notifier circuit open")

const (
	tripThreshold = 5
	baseCooldown  = 5 * time.Second
	maxCooldown   = 2 * time.Minute
	resetAfter    = 5 * time.Minute
)

// Breaker fails fast once tripThreshold consecutive sends have failed,
// holding the circuit open for an exponentially growing cooldown. A success
// or a quiet period of resetAfter clears the failure streak.
type Breaker struct {
	next Sender
	now  func() time.Time

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func NewBreaker(next Sender) *Breaker {
	return &Breaker{next: next, now: time.Now}
}

func (b *Breaker) Send(ctx context.Context, chatID int64, text string) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := b.next.Send(ctx, chatID, text)
	b.observe(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		return
	}

	if b.fails > 0 && now.Sub(b.lastFailure) > resetAfter {
		b.fails = 0
	}
	b.fails++
	b.lastFailure = now

	if b.fails >= tripThreshold {
		over := b.fails - tripThreshold
		if over > 5 {
			over = 5
		}
		cooldown := baseCooldown << over
		if cooldown > maxCooldown {
			cooldown = maxCooldown
		}
		b.openUntil = now.Add(cooldown)
	}
}
