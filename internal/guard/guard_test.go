package guard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go-pos-core/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAdmit_RejectsWithinWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	g := New(DefaultWindow, clock.Now)

	require.NoError(t, g.AdmitBill(5001))

	err := g.AdmitBill(5001)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrDuplicateSubmission))
	assert.True(t, apperr.IsConflict(err))

	clock.Advance(29 * time.Second)
	assert.Error(t, g.AdmitBill(5001))
}

func TestAdmit_AcceptsAfterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	g := New(DefaultWindow, clock.Now)

	require.NoError(t, g.AdmitBill(5001))
	clock.Advance(31 * time.Second)

	assert.NoError(t, g.AdmitBill(5001))
	assert.Equal(t, 1, g.Len())
}

func TestAdmit_IndependentKeys(t *testing.T) {
	g := New(DefaultWindow, nil)

	assert.NoError(t, g.AdmitBill(1))
	assert.NoError(t, g.AdmitBill(2))
	assert.Equal(t, 2, g.Len())
}

func TestRelease(t *testing.T) {
	g := New(DefaultWindow, nil)

	require.NoError(t, g.AdmitBill(7))
	g.ReleaseBill(7)

	assert.NoError(t, g.AdmitBill(7))
}

func TestAdmit_ConcurrentSingleWinner(t *testing.T) {
	g := New(DefaultWindow, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit("bill-42") == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
}
