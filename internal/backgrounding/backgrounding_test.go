package backgrounding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbacksRunInRegistrationOrder(t *testing.T) {
	l := NewControllable()
	var calls []string
	l.OnStateChange(func(s State) { calls = append(calls, "first:"+s.String()) })
	l.OnStateChange(func(s State) { calls = append(calls, "second:"+s.String()) })

	l.SendToBackground()
	l.SendToForeground()

	assert.Equal(t, []string{
		"first:in-background",
		"second:in-background",
		"first:in-foreground",
		"second:in-foreground",
	}, calls)
}

func TestSubscribeWhileBackgroundedFiresImmediately(t *testing.T) {
	l := NewControllable()
	l.SendToBackground()

	var got []State
	l.OnStateChange(func(s State) { got = append(got, s) })

	assert.Equal(t, []State{InBackground}, got)
	assert.Equal(t, InBackground, l.State())
}

func TestSubscribeInForegroundDoesNotFire(t *testing.T) {
	l := NewControllable()
	fired := false
	l.OnStateChange(func(State) { fired = true })
	assert.False(t, fired)
}

func TestTransitionWaitsForInFlightCallbacks(t *testing.T) {
	l := NewControllable()
	entered := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var got []State
	l.OnStateChange(func(s State) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		if s == InBackground {
			close(entered)
			<-release
		}
	})

	go l.SendToBackground()
	<-entered

	done := make(chan struct{})
	go func() {
		l.SendToForeground()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("foreground transition delivered while background callback was running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, InBackground, l.State())

	close(release)
	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{InBackground, InForeground}, got)
}

func TestConcurrentTransitionsLeaveSubscribersConsistent(t *testing.T) {
	for range 50 {
		l := NewControllable()
		var mu sync.Mutex
		var last []State
		subscribe := func() {
			mu.Lock()
			i := len(last)
			last = append(last, InForeground)
			mu.Unlock()
			l.OnStateChange(func(s State) {
				mu.Lock()
				last[i] = s
				mu.Unlock()
			})
		}
		subscribe()

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if i%2 == 0 {
					l.SendToBackground()
				} else {
					l.SendToForeground()
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			subscribe()
		}()
		wg.Wait()

		mu.Lock()
		require.Len(t, last, 2)
		assert.Equal(t, []State{l.State(), l.State()}, last)
		mu.Unlock()
	}
}
