package knowledge

import (
	"context"
	"sync"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// Notifier receives matched-pattern notifications. The matcher emits exactly
// one notification per call that produced at least one match, and none
// otherwise; listeners that reinforce learning rely on that asymmetry.
type Notifier interface {
	PatternsMatched(ctx context.Context, set models.MatchSet)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, set models.MatchSet)

// PatternsMatched implements Notifier.
func (f NotifierFunc) PatternsMatched(ctx context.Context, set models.MatchSet) {
	f(ctx, set)
}

// Broadcaster fans one notification out to every subscriber. Subscription
// happens at composition time; delivery order follows subscription order.
type Broadcaster struct {
	mu   sync.RWMutex
	subs []Notifier
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a listener for future notifications.
func (b *Broadcaster) Subscribe(n Notifier) {
	if n == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, n)
}

// PatternsMatched implements Notifier.
func (b *Broadcaster) PatternsMatched(ctx context.Context, set models.MatchSet) {
	b.mu.RLock()
	subs := append([]Notifier(nil), b.subs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.PatternsMatched(ctx, set)
	}
}
