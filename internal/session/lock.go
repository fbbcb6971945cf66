package session

import "sync"

// ticketLock — честная (FIFO) блокировка: кто раньше взял билет, тот раньше войдет.
// sync.Mutex порядок не гарантирует, а для ходов одной сессии он важен.
type ticketLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64

	// Поля ниже защищены Tracker.mu
	pins           int
	evictOnRelease bool
}

func newTicketLock() *ticketLock {
	l := &ticketLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *ticketLock) Lock() {
	l.mu.Lock()
	ticket := l.next
	l.next++
	for l.serving != ticket {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

func (l *ticketLock) Unlock() {
	l.mu.Lock()
	l.serving++
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *ticketLock) pin()   { l.pins++ }
func (l *ticketLock) unpin() { l.pins-- }

func (l *ticketLock) idle() bool { return l.pins == 0 }
