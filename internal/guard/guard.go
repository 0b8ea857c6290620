// Package guard rejects re-submission of a bill that is already in flight.
//
// It is in-memory, single-process admission control: it absorbs UI
// double-submits before they reach the store and does not survive a restart.
// Bill number uniqueness is still enforced by the store.
package guard

import (
	"strconv"
	"sync"
	"time"

	"go-pos-core/internal/apperr"
)

// DefaultWindow is how long an admitted bill number stays held.
const DefaultWindow = 30 * time.Second

// DuplicateGuard holds admitted keys for a bounded window.
type DuplicateGuard struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	held map[string]time.Time // key -> expiry
}

// New creates a guard holding keys for window. A nil clock uses time.Now.
func New(window time.Duration, now func() time.Time) *DuplicateGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &DuplicateGuard{window: window, now: now, held: make(map[string]time.Time)}
}

// Admit holds key for the window. A second call for the same key before the
// window elapses fails with ErrDuplicateSubmission.
func (g *DuplicateGuard) Admit(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.evictLocked(now)

	if _, ok := g.held[key]; ok {
		return apperr.ErrDuplicateSubmission
	}
	g.held[key] = now.Add(g.window)
	return nil
}

// AdmitBill is Admit keyed by bill number.
func (g *DuplicateGuard) AdmitBill(billNo int64) error {
	return g.Admit(strconv.FormatInt(billNo, 10))
}

// Release drops key before its window elapses.
func (g *DuplicateGuard) Release(key string) {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
}

// ReleaseBill is Release keyed by bill number.
func (g *DuplicateGuard) ReleaseBill(billNo int64) {
	g.Release(strconv.FormatInt(billNo, 10))
}

// Len returns the number of keys currently held.
func (g *DuplicateGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evictLocked(g.now())
	return len(g.held)
}

func (g *DuplicateGuard) evictLocked(now time.Time) {
	for k, exp := range g.held {
		if !now.Before(exp) {
			delete(g.held, k)
		}
	}
}
