package alert

/*
Файл recorder.go реализует Recorder — приемник системных алертов пайплайна.

- Non-blocking Raise: пайплайн никогда не ждет ни хранилище, ни вебхуки.
  При переполнении буфера алерт уходит только в лог (Load Shedding).
- Batching: алерты копятся и пишутся в хранилище пачкой по таймеру или при
  достижении размера пачки. После записи каждый алерт рассылается в вебхуки.
- Drain Pattern: Stop закрывает вход и ждет, пока воркер допишет остатки.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

const (
	defaultBufferSize = 1000
	defaultFlushEvery = 500 * time.Millisecond
	batchSize         = 100
	notifyTimeout     = 15 * time.Second
)

// Writer — куда алерты сохраняются (postgres или sqlite).
type Writer interface {
	WriteAlerts(ctx context.Context, alerts []domain.Alert) error
}

// Notifier — внешний получатель (вебхук).
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert) error
}

type Recorder struct {
	ch         chan domain.Alert
	store      Writer // nil = только вебхуки и лог
	notifiers  []Notifier
	flushEvery time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
	mu         sync.RWMutex // Raise под RLock, закрытие канала под Lock
	closed     int32        // Атомарный флаг (0 - открыт, 1 - закрыт)
}

func NewRecorder(store Writer, cfg infra.AlertsConfig, logger *zap.Logger, notifiers ...Notifier) *Recorder {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	every := cfg.FlushInterval
	if every <= 0 {
		every = defaultFlushEvery
	}
	return &Recorder{
		ch:         make(chan domain.Alert, size),
		store:      store,
		notifiers:  notifiers,
		flushEvery: every,
		logger:     logger.With(zap.String("mod", "alerts")),
	}
}

// NotifiersFromConfig собирает вебхуки из конфигурации.
func NotifiersFromConfig(cfg infra.AlertsConfig, logger *zap.Logger) []Notifier {
	out := make([]Notifier, 0, len(cfg.Webhooks))
	for _, w := range cfg.Webhooks {
		out = append(out, NewWebhook(w, logger))
	}
	return out
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
}

// Stop «запирает» вход и ждет, пока воркер всё допишет и разошлет.
func (r *Recorder) Stop() {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return
	}
	r.logger.Info("stopping alert recorder: closing channel and flushing buffer...")
	r.mu.Lock()
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Info("alert recorder stopped gracefully")
}

// Raise реализует engine.AlertSink.
func (r *Recorder) Raise(a domain.Alert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if atomic.LoadInt32(&r.closed) == 1 {
		r.logger.Warn("alert dropped: recorder is stopping",
			zap.String("kind", string(a.Kind)),
			zap.String("execution_id", a.ExecutionID))
		return
	}

	select {
	case r.ch <- a:
	default:
		// Буфер переполнен: алерт остается хотя бы в логе
		r.logger.Error("alert_buffer_overflow",
			zap.String("kind", string(a.Kind)),
			zap.String("severity", string(a.Severity)),
			zap.String("agent_id", a.AgentID),
			zap.String("execution_id", a.ExecutionID),
			zap.String("message", a.Message))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]domain.Alert, 0, batchSize)
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: к моменту записи запрос, поднявший алерт, давно завершен
		if r.store != nil {
			if err := r.store.WriteAlerts(context.Background(), batch); err != nil {
				r.logger.Error("alert flush failed", zap.Int("alerts", len(batch)), zap.Error(err))
			}
		}
		r.notify(batch)
		batch = batch[:0]
	}

	for {
		select {
		case a, ok := <-r.ch:
			if !ok {
				flush() // Финальный сброс
				return
			}
			batch = append(batch, a)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) notify(batch []domain.Alert) {
	if len(r.notifiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, n := range r.notifiers {
		wg.Add(1)
		go func(n Notifier) {
			defer wg.Done()
			for _, a := range batch {
				if err := n.Notify(ctx, a); err != nil {
					r.logger.Warn("alert notification failed",
						zap.String("alert_id", a.ID),
						zap.String("kind", string(a.Kind)),
						zap.Error(err))
				}
			}
		}(n)
	}
	wg.Wait()
}
