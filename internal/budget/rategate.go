package budget

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateGate limits how often a single user may start research tasks.
// Separate from credit accounting: credits bound spend, the gate bounds
// burst submission.
type RateGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

// NewRateGate allows perMin task starts per user per minute; zero disables
// the gate.
func NewRateGate(perMin int) *RateGate {
	return &RateGate{
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMin,
	}
}

// Allow reports whether the user may start a task now.
func (g *RateGate) Allow(userID string) bool {
	if g.perMin <= 0 {
		return true
	}
	g.mu.Lock()
	lim, ok := g.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.perMin)/60.0), g.perMin)
		g.limiters[userID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// Prune drops limiters idle long enough to be full again; called
// periodically to stop the map growing with one-off users.
func (g *RateGate) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, lim := range g.limiters {
		if lim.TokensAt(time.Now()) >= float64(g.perMin) {
			delete(g.limiters, id)
		}
	}
}
