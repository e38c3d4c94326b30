package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/callstate/pkg/call"
	"github.com/arzzra/callstate/pkg/logger"
)

// DirectiveHandler исполняет директивы переходов (сигнализация, транспорт, UI).
// Вызывается из горутин диспетчера; директивы одного звонка приходят
// строго в порядке переходов.
type DirectiveHandler interface {
	HandleDirective(ctx context.Context, id call.CallID, d call.Directive) error
}

// DirectiveHandlerFunc адаптер функции к DirectiveHandler
type DirectiveHandlerFunc func(ctx context.Context, id call.CallID, d call.Directive) error

// HandleDirective реализует DirectiveHandler
func (f DirectiveHandlerFunc) HandleDirective(ctx context.Context, id call.CallID, d call.Directive) error {
	return f(ctx, id, d)
}

// Результаты доставки для directives_total
const (
	resultOK    = "ok"
	resultError = "error"
	resultPanic = "panic"
)

type job struct {
	id        call.CallID
	directive call.Directive
	release   bool
}

// worker неограниченная FIFO очередь с одной горутиной доставки.
// enqueue никогда не блокирует вызывающего.
type worker struct {
	mu     sync.Mutex
	jobs   []job
	closed bool
	notify chan struct{}
}

func newWorker() *worker {
	return &worker{notify: make(chan struct{}, 1)}
}

func (w *worker) push(jobs []job) int {
	w.mu.Lock()
	w.jobs = append(w.jobs, jobs...)
	depth := len(w.jobs)
	w.mu.Unlock()

	w.wake()
	return depth
}

func (w *worker) take() ([]job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := w.jobs
	w.jobs = nil
	return batch, w.closed
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wake()
}

func (w *worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// dispatcher доставляет директивы асинхронно. Звонок закреплен за
// worker'ом по shardIndex, поэтому порядок директив звонка сохраняется,
// а разные звонки доставляются параллельно.
type dispatcher struct {
	workers   []*worker
	handler   DirectiveHandler
	onRelease func(call.CallID)
	metrics   *MetricsCollector
	log       logger.StructuredLogger
	warnAt    int

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func newDispatcher(n int, handler DirectiveHandler, onRelease func(call.CallID),
	metrics *MetricsCollector, log logger.StructuredLogger, warnAt int) *dispatcher {
	d := &dispatcher{
		workers:   make([]*worker, n),
		handler:   handler,
		onRelease: onRelease,
		metrics:   metrics,
		log:       log,
		warnAt:    warnAt,
	}
	for i := range d.workers {
		d.workers[i] = newWorker()
	}
	return d
}

func (d *dispatcher) workerFor(id call.CallID) *worker {
	return d.workers[int(shardIndex(id))%len(d.workers)]
}

// enqueue ставит директивы звонка в очередь; release добавляет
// удаление записи после последней директивы
func (d *dispatcher) enqueue(id call.CallID, directives []call.Directive, release bool) {
	if len(directives) == 0 && !release {
		return
	}

	jobs := make([]job, 0, len(directives)+1)
	for _, dir := range directives {
		jobs = append(jobs, job{id: id, directive: dir})
	}
	if release {
		jobs = append(jobs, job{id: id, release: true})
	}

	d.metrics.QueueDepth(len(jobs))
	depth := d.workerFor(id).push(jobs)
	if d.warnAt > 0 && depth >= d.warnAt {
		d.log.Warn(context.Background(), "directive queue is growing",
			logger.CallIDField(id),
			logger.Int("depth", depth))
	}
}

func (d *dispatcher) start(ctx context.Context) {
	d.startOnce.Do(func() {
		for _, w := range d.workers {
			d.wg.Add(1)
			go d.run(ctx, w)
		}
	})
}

// stop доставляет оставшиеся директивы и ждет завершения workers
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		for _, w := range d.workers {
			w.close()
		}
	})
	d.wg.Wait()
}

func (d *dispatcher) run(ctx context.Context, w *worker) {
	defer d.wg.Done()

	for {
		batch, closed := w.take()
		for _, j := range batch {
			d.deliver(ctx, j)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}

		select {
		case <-w.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (d *dispatcher) deliver(ctx context.Context, j job) {
	defer d.metrics.QueueDepth(-1)

	if j.release {
		d.onRelease(j.id)
		return
	}

	result := resultOK
	defer func() {
		if r := recover(); r != nil {
			result = resultPanic
			d.log.Error(ctx, "directive handler panicked",
				logger.CallIDField(j.id),
				logger.DirectiveField(j.directive),
				logger.String("panic", fmt.Sprint(r)))
		}
		d.metrics.Directive(j.directive.Kind, result)
	}()

	if err := d.handler.HandleDirective(ctx, j.id, j.directive); err != nil {
		result = resultError
		d.log.LogError(ctx, err, "directive failed",
			logger.CallIDField(j.id),
			logger.DirectiveField(j.directive))
	}
}
