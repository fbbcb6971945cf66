package session

/*
Файл tracker.go реализует Session Tracker — владельца скользящего окна ходов
для каждой сессии агента.

- Окно ограничено conversation_window_size, при переполнении уходит самый старый ход (FIFO).
- Sequence строго +1 на каждый ход, не сбрасывается и не переиспользуется,
  даже когда старые ходы вытеснены из окна.
- Ходы одной сессии сериализуются билетной блокировкой: порядок входа в WithSession
  равен порядку применения. Разные сессии обрабатываются независимо.
*/

import (
	"sync"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// state — состояние одной сессии. Меняется только под билетной блокировкой.
type state struct {
	lock     *ticketLock
	agentID  string
	window   []domain.Turn
	sequence int64
	lastSeen time.Time // Под Tracker.mu
}

// Tracker — потокобезопасное хранилище сессий, внедряется в пайплайн явно.
type Tracker struct {
	mu       sync.Mutex // Защищает только мапу, не содержимое сессий
	sessions map[string]*state
	size     int
	now      func() time.Time
	logger   *zap.Logger
}

func NewTracker(windowSize int, logger *zap.Logger) *Tracker {
	if windowSize < 1 {
		windowSize = 1
	}
	return &Tracker{
		sessions: make(map[string]*state),
		size:     windowSize,
		now:      time.Now,
		logger:   logger.Named("session"),
	}
}

// Session — ручка на сессию внутри WithSession. Вне колбэка использовать нельзя.
type Session struct {
	id   string
	st   *state
	size int
	now  func() time.Time
}

func (s *Session) ID() string { return s.id }

// Window возвращает копию окна предыдущих ходов (от старых к новым).
func (s *Session) Window() []domain.Turn {
	return append([]domain.Turn(nil), s.st.window...)
}

// Sequence — номер последнего добавленного хода (0, если ходов еще не было).
func (s *Session) Sequence() int64 { return s.st.sequence }

// Append добавляет ход, вытесняя самый старый при переполнении, и возвращает новый номер.
func (s *Session) Append(turn domain.Turn) int64 {
	s.st.sequence++
	turn.Sequence = s.st.sequence
	if turn.At.IsZero() {
		turn.At = s.now()
	}
	s.st.window = append(s.st.window, turn)
	if over := len(s.st.window) - s.size; over > 0 {
		// Копируем, чтобы не держать хвост старого массива
		s.st.window = append([]domain.Turn(nil), s.st.window[over:]...)
	}
	return s.st.sequence
}

// WithSession выполняет fn эксклюзивно для сессии. Используется пайплайном для цепочки
// "прочитать окно -> проверить -> добавить ход", чтобы порядок ходов совпадал с порядком вызовов.
func (t *Tracker) WithSession(sessionID, agentID string, fn func(s *Session) error) error {
	st := t.acquire(sessionID, agentID)
	st.lock.Lock()
	defer func() {
		st.lock.Unlock()
		t.release(st)
	}()

	s := &Session{id: sessionID, st: st, size: t.size, now: t.now}
	return fn(s)
}

// AppendTurn добавляет ход в сессию и возвращает окно после добавления и номер хода.
func (t *Tracker) AppendTurn(sessionID, agentID string, turn domain.Turn) ([]domain.Turn, int64) {
	var (
		window []domain.Turn
		seq    int64
	)
	_ = t.WithSession(sessionID, agentID, func(s *Session) error {
		seq = s.Append(turn)
		window = s.Window()
		return nil
	})
	return window, seq
}

// Window возвращает текущее окно сессии. Для неизвестной сессии — nil.
func (t *Tracker) Window(sessionID string) []domain.Turn {
	t.mu.Lock()
	st, ok := t.sessions[sessionID]
	if ok {
		st.lock.pin()
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	var window []domain.Turn
	st.lock.Lock()
	window = append([]domain.Turn(nil), st.window...)
	st.lock.Unlock()
	t.release(st)
	return window
}

// Evict удаляет сессию. Сессия, занятая прямо сейчас, удаляется после освобождения.
func (t *Tracker) Evict(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.sessions[sessionID]; ok {
		if st.lock.idle() {
			delete(t.sessions, sessionID)
			return
		}
		st.lock.evictOnRelease = true
	}
}

// Sweep удаляет сессии без активности дольше idleTTL. Политику TTL задает внешний код.
func (t *Tracker) Sweep(idleTTL time.Duration) int {
	cutoff := t.now().Add(-idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, st := range t.sessions {
		if st.lock.idle() && st.lastSeen.Before(cutoff) {
			delete(t.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("idle sessions swept", zap.Int("removed", removed), zap.Int("left", len(t.sessions)))
	}
	return removed
}

// Len — количество отслеживаемых сессий.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// acquire находит или создает сессию и закрепляет ее, чтобы Sweep/Evict не удалили ее
// между выдачей и захватом билета.
func (t *Tracker) acquire(sessionID, agentID string) *state {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		st = &state{lock: newTicketLock(), agentID: agentID, lastSeen: t.now()}
		t.sessions[sessionID] = st
	} else if st.agentID != agentID && agentID != "" {
		t.logger.Warn("session reused by another agent",
			zap.String("session_id", sessionID),
			zap.String("owner", st.agentID),
			zap.String("agent_id", agentID))
	}
	st.lock.pin()
	return st
}

func (t *Tracker) release(st *state) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.lock.unpin()
	st.lastSeen = t.now()
	if st.lock.evictOnRelease && st.lock.idle() {
		for id, s := range t.sessions {
			if s == st {
				delete(t.sessions, id)
				break
			}
		}
	}
}
