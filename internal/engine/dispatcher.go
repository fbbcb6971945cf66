package engine

/*
Файл dispatcher.go реализует фоновую очередь async-режима.

- Non-blocking Submit: вызывающий код агента никогда не ждет верификацию. При переполнении
  очереди исполнение отбрасывается с ErrQueueFull (Load Shedding) и это видно в логах и метриках.
- Шардирование по session_id: все ходы одной сессии попадают к одному воркеру и
  обрабатываются в порядке отправки. Разные сессии идут параллельно.
- Drain Pattern: Stop закрывает вход и ждет, пока воркеры обработают все, что уже в очереди.
*/

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"go.uber.org/zap"
)

// Processor - то, что выполняет воркер (обычно *Pipeline).
type Processor interface {
	Process(ctx context.Context, exec domain.Execution, opts ProcessOptions) (Result, error)
}

type job struct {
	exec domain.Execution
	opts ProcessOptions
	done func(Result, error) // Может быть nil
}

type Dispatcher struct {
	shards  []chan job
	proc    Processor
	metrics *Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
	mu      sync.RWMutex // Submit под RLock, закрытие каналов под Lock
	closed  int32        // Атомарный флаг (0 - открыт, 1 - закрыт)
	pending int64
}

// NewDispatcher создает очередь на queueSize исполнений, разделенную между workers воркерами.
func NewDispatcher(proc Processor, queueSize, workers int, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	per := queueSize / workers
	if per < 1 {
		per = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	d := &Dispatcher{
		shards:  make([]chan job, workers),
		proc:    proc,
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "dispatcher")),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, per)
	}
	return d
}

func (d *Dispatcher) Start() {
	for i := range d.shards {
		d.wg.Add(1)
		go d.worker(d.shards[i])
	}
}

// Submit ставит исполнение в очередь. done вызывается воркером после обработки.
func (d *Dispatcher) Submit(exec domain.Execution, opts ProcessOptions, done func(Result, error)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if atomic.LoadInt32(&d.closed) == 1 {
		d.logger.Warn("execution dropped: dispatcher is stopping", zap.String("execution_id", exec.ID))
		return domain.ErrQueueClosed
	}

	select {
	case d.shard(exec) <- job{exec: exec, opts: opts, done: done}:
		d.metrics.QueueFill.Set(float64(atomic.AddInt64(&d.pending, 1)))
		return nil
	default:
		d.logger.Error("verification_queue_overflow",
			zap.String("agent_id", exec.AgentID),
			zap.String("execution_id", exec.ID))
		return domain.ErrQueueFull
	}
}

// Stop «запирает» вход и ждет, пока воркеры всё допишут.
func (d *Dispatcher) Stop() {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return
	}
	d.logger.Info("stopping dispatcher: closing queue and draining...")
	d.mu.Lock()
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped gracefully")
}

// Pending - сколько исполнений ждут обработки.
func (d *Dispatcher) Pending() int64 { return atomic.LoadInt64(&d.pending) }

func (d *Dispatcher) shard(exec domain.Execution) chan job {
	key := exec.SessionID
	if key == "" {
		key = exec.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return d.shards[int(h.Sum32()%uint32(len(d.shards)))]
}

func (d *Dispatcher) worker(ch chan job) {
	defer d.wg.Done()
	for j := range ch {
		d.metrics.QueueFill.Set(float64(atomic.AddInt64(&d.pending, -1)))

		// Используем Background: запрос агента к этому моменту давно завершен
		start := time.Now()
		res, err := d.proc.Process(context.Background(), j.exec, j.opts)
		if err != nil {
			d.logger.Error("async verification failed", zap.String("execution_id", j.exec.ID), zap.Error(err))
		} else {
			d.logger.Debug("async verification done",
				zap.String("execution_id", res.Execution.ID),
				zap.String("action", string(res.Execution.Action)),
				zap.Duration("took", time.Since(start)))
		}
		if j.done != nil {
			j.done(res, err)
		}
	}
}
