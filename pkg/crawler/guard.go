package crawler

import (
	"fmt"
	"sync"
	"time"

	"github.com/ericvolp12/feedcrawl/pkg/feed"
)

const DefaultCooldown = 3 * time.Second

// Guard rejects requests that arrive within the cooldown of the previous
// admitted request for the same direction.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[feed.Direction]time.Time
	now      func() time.Time
}

func NewGuard(cooldown time.Duration) *Guard {
	return &Guard{
		cooldown: cooldown,
		last:     make(map[feed.Direction]time.Time),
		now:      time.Now,
	}
}

// Admit records an attempt for direction or returns an error wrapping
// feed.ErrTooSoon with the remaining wait.
func (g *Guard) Admit(direction feed.Direction) error {
	if g == nil || g.cooldown <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.last[direction]; ok {
		if wait := g.cooldown - now.Sub(last); wait > 0 {
			rejectedTotal.WithLabelValues(direction.String(), "too_soon").Inc()
			return fmt.Errorf("%s: retry in %s: %w", direction, wait.Round(time.Millisecond), feed.ErrTooSoon)
		}
	}
	g.last[direction] = now
	return nil
}
