package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap/zaptest"
)

func TestAppendTurn_SequenceStrictlyIncreases(t *testing.T) {
	tr := NewTracker(3, zaptest.NewLogger(t))

	for i := 1; i <= 10; i++ {
		_, seq := tr.AppendTurn("s1", "agent", domain.Turn{Output: fmt.Sprintf("turn %d", i)})
		assert.Equal(t, int64(i), seq)
	}
}

func TestAppendTurn_WindowIsBoundedFIFO(t *testing.T) {
	tr := NewTracker(3, zaptest.NewLogger(t))

	var window []domain.Turn
	for i := 1; i <= 7; i++ {
		window, _ = tr.AppendTurn("s1", "agent", domain.Turn{Output: fmt.Sprintf("turn %d", i)})
		assert.LessOrEqual(t, len(window), 3)
	}

	require.Len(t, window, 3)
	assert.Equal(t, "turn 5", window[0].Output)
	assert.Equal(t, "turn 7", window[2].Output)
	assert.Equal(t, int64(7), window[2].Sequence, "sequence survives eviction of old turns")
}

func TestWindow_UnknownSession(t *testing.T) {
	tr := NewTracker(10, zaptest.NewLogger(t))
	assert.Nil(t, tr.Window("missing"))
}

func TestWindow_ReturnsCopy(t *testing.T) {
	tr := NewTracker(10, zaptest.NewLogger(t))
	tr.AppendTurn("s1", "agent", domain.Turn{Output: "a"})

	w := tr.Window("s1")
	w[0].Output = "mutated"

	assert.Equal(t, "a", tr.Window("s1")[0].Output)
}

func TestWithSession_SerializesSameSession(t *testing.T) {
	tr := NewTracker(100, zaptest.NewLogger(t))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.WithSession("shared", "agent", func(s *Session) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)
				s.Append(domain.Turn{})

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen, "only one writer per session at a time")
	w := tr.Window("shared")
	require.Len(t, w, 50)
	for i, turn := range w {
		assert.Equal(t, int64(i+1), turn.Sequence)
	}
}

func TestWithSession_DifferentSessionsRunIndependently(t *testing.T) {
	tr := NewTracker(10, zaptest.NewLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = tr.WithSession("slow", "agent", func(s *Session) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	go func() {
		tr.AppendTurn("fast", "agent", domain.Turn{Output: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("other session was blocked by a busy session")
	}
	close(release)
}

func TestWithSession_PreservesCallOrder(t *testing.T) {
	tr := NewTracker(10, zaptest.NewLogger(t))

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = tr.WithSession("s", "agent", func(s *Session) error {
			close(entered)
			<-hold
			s.Append(domain.Turn{Output: "first"})
			return nil
		})
	}()
	<-entered

	second := make(chan int64)
	go func() {
		_, seq := tr.AppendTurn("s", "agent", domain.Turn{Output: "second"})
		second <- seq
	}()

	time.Sleep(10 * time.Millisecond)
	close(hold)

	assert.Equal(t, int64(2), <-second)
	w := tr.Window("s")
	require.Len(t, w, 2)
	assert.Equal(t, "first", w[0].Output)
	assert.Equal(t, "second", w[1].Output)
}

func TestEvictAndSweep(t *testing.T) {
	tr := NewTracker(10, zaptest.NewLogger(t))
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.AppendTurn("old", "agent", domain.Turn{})
	now = now.Add(time.Hour)
	tr.AppendTurn("fresh", "agent", domain.Turn{})

	assert.Equal(t, 1, tr.Sweep(30*time.Minute))
	assert.Nil(t, tr.Window("old"))
	assert.NotNil(t, tr.Window("fresh"))

	tr.Evict("fresh")
	assert.Equal(t, 0, tr.Len())

	// После вытеснения сессия начинается заново
	_, seq := tr.AppendTurn("fresh", "agent", domain.Turn{})
	assert.Equal(t, int64(1), seq)
}
