// Package manager хранит записи звонков и направляет им события.
//
// Manager сериализует события одного звонка, применяет их через
// call.Machine и передает директивы асинхронному диспетчеру.
// Звонки между собой независимы.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/callstate/pkg/call"
	"github.com/arzzra/callstate/pkg/logger"
)

var (
	// ErrCallExists запись с таким CallID уже есть
	ErrCallExists = errors.New("call already exists")

	// ErrCallNotTerminated Release для звонка, который еще не в Terminating
	ErrCallNotTerminated = errors.New("call not terminated")

	// ErrManagerStopped менеджер остановлен
	ErrManagerStopped = errors.New("call manager stopped")

	// ErrIllegalTransitionLimit звонок завершен из-за серии недопустимых событий
	ErrIllegalTransitionLimit = errors.New("illegal transition limit reached")
)

// entry запись звонка в реестре.
// mu держится на время Apply и постановки директив в очередь, чтобы
// порядок директив в очереди совпадал с порядком переходов.
type entry struct {
	mu      sync.Mutex
	rec     *call.Record
	log     logger.StructuredLogger
	illegal int
}

// Manager реестр звонков
type Manager struct {
	cfg     *Config
	machine *call.Machine
	calls   *shardedCallMap
	disp    *dispatcher
	metrics *MetricsCollector
	log     logger.StructuredLogger

	// lifecycle: Dispatch держит RLock от проверки stopped до постановки
	// директив в очередь, Stop берет Lock перед закрытием очередей
	lifecycle sync.RWMutex
	stopped   atomic.Bool
}

// NewManager создает менеджер. cfg == nil означает DefaultConfig().
func NewManager(cfg *Config, handler DirectiveHandler, log logger.StructuredLogger) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		return nil, errors.New("directive handler is required")
	}
	if log == nil {
		log = logger.NoOpLogger{}
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		machine: call.NewMachine(policy),
		calls:   newShardedCallMap(),
		metrics: NewMetricsCollector(cfg.Metrics),
		log:     log.WithComponent("call_manager"),
	}
	m.disp = newDispatcher(cfg.DispatchWorkers, handler, m.autoRelease,
		m.metrics, m.log.WithComponent("dispatcher"), cfg.QueueWarnThreshold)

	return m, nil
}

// Start запускает доставку директив. Директивы, поставленные до Start,
// будут доставлены после него.
func (m *Manager) Start(ctx context.Context) error {
	if m.stopped.Load() {
		return ErrManagerStopped
	}
	m.disp.start(ctx)
	m.log.Info(ctx, "call manager started",
		logger.Int("dispatch_workers", m.cfg.DispatchWorkers),
		logger.String("duplicate_disconnect_policy", m.machine.Policy().DuplicateDisconnect.String()))
	return nil
}

// Stop прекращает прием событий и ждет доставки поставленных директив
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	first := m.stopped.CompareAndSwap(false, true)
	m.lifecycle.Unlock()
	if !first {
		return
	}
	m.disp.stop()
	m.log.Info(context.Background(), "call manager stopped", logger.Int("calls", m.calls.Count()))
}

// Registry реестр prometheus метрик менеджера (nil, если метрики выключены)
func (m *Manager) Registry() *prometheus.Registry {
	return m.metrics.Registry()
}

// Create регистрирует новую запись звонка в Idle
func (m *Manager) Create(id call.CallID, direction call.Direction) (*call.Record, error) {
	if m.stopped.Load() {
		return nil, ErrManagerStopped
	}

	rec := call.NewRecord(id, direction)
	e := &entry{rec: rec, log: m.log.WithCall(id, direction)}
	if !m.calls.SetIfAbsent(id, e) {
		return nil, fmt.Errorf("%w: %s", ErrCallExists, id)
	}

	m.metrics.CallCreated(direction)
	e.log.Debug(context.Background(), "call created")
	return rec, nil
}

// StartOutgoing создает исходящий звонок с новым CallID и применяет StartOutgoing
func (m *Manager) StartOutgoing(ctx context.Context) (call.CallID, call.Outcome, error) {
	var (
		id  call.CallID
		err error
	)
	for attempt := 0; attempt < 3; attempt++ {
		id = NewCallID()
		if _, err = m.Create(id, call.Outgoing); !errors.Is(err, ErrCallExists) {
			break
		}
	}
	if err != nil {
		return 0, call.Outcome{}, err
	}

	out, err := m.Dispatch(ctx, id, call.NewEvent(call.EventStartOutgoing))
	return id, out, err
}

// ReceiveOffer создает входящий звонок с CallID удаленной стороны и
// применяет RemoteOfferReceived
func (m *Manager) ReceiveOffer(ctx context.Context, id call.CallID) (call.Outcome, error) {
	if _, err := m.Create(id, call.Incoming); err != nil {
		return call.Outcome{}, err
	}
	return m.Dispatch(ctx, id, call.NewEvent(call.EventRemoteOfferReceived))
}

// Dispatch применяет событие к звонку.
//
// Принятый переход возвращает Outcome, его директивы уже поставлены в очередь.
// Отклоненное событие возвращает ошибку, запись не меняется. Если задан
// MaxIllegalTransitions и лимит достигнут, звонок завершается событием Error.
func (m *Manager) Dispatch(ctx context.Context, id call.CallID, ev call.Event) (call.Outcome, error) {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()

	if m.stopped.Load() {
		return call.Outcome{}, ErrManagerStopped
	}

	e, ok := m.calls.Get(id)
	if !ok {
		m.metrics.Rejected(rejectUnknown)
		m.log.Warn(ctx, "event for unknown call",
			logger.CallIDField(id),
			logger.EventField(ev))
		return call.Outcome{}, fmt.Errorf("%w: %s", call.ErrUnknownCall, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := m.machine.Apply(e.rec, ev)
	if err != nil {
		m.rejected(ctx, e, ev, err)
		return out, err
	}

	m.accepted(ctx, e, out)
	return out, nil
}

// accepted вызывается под e.mu
func (m *Manager) accepted(ctx context.Context, e *entry, out call.Outcome) {
	if !out.Changed {
		e.log.Debug(ctx, "repeated event ignored",
			logger.EventField(out.Event),
			logger.StateField(out.From))
		return
	}

	e.illegal = 0
	m.metrics.Transition(out.From, out.Next.State, out.Event.Type)
	e.log.Info(ctx, "state transition",
		logger.String("from", out.From.String()),
		logger.String("to", out.Next.State.String()),
		logger.EventField(out.Event),
		logger.Int("directives", len(out.Directives)))

	if out.Ended() {
		reason := endReason(out.Directives)
		m.metrics.CallEnded(reason, time.Since(e.rec.CreatedAt()))
		e.log.Info(ctx, "call ended", logger.String("reason", reason.String()))
	}

	m.disp.enqueue(e.rec.ID(), out.Directives, out.Ended() && m.cfg.AutoRelease)
}

// rejected вызывается под e.mu
func (m *Manager) rejected(ctx context.Context, e *entry, ev call.Event, err error) {
	if call.IsAlreadyTerminating(err) {
		m.metrics.Rejected(rejectTerminating)
		e.log.Debug(ctx, "event after termination dropped", logger.EventField(ev))
		return
	}

	m.metrics.Rejected(rejectIllegal)
	e.log.LogError(ctx, err, "event rejected")

	e.illegal++
	if m.cfg.MaxIllegalTransitions <= 0 || e.illegal < m.cfg.MaxIllegalTransitions {
		return
	}

	cause := fmt.Errorf("%w after %d events: %w", ErrIllegalTransitionLimit, e.illegal, err)
	out, ferr := m.machine.Apply(e.rec, call.FailureEvent(call.EventError, cause))
	if ferr != nil {
		e.log.LogError(ctx, ferr, "forced termination failed")
		return
	}

	e.log.Warn(ctx, "call terminated after repeated illegal events", logger.Int("illegal_events", e.illegal))
	m.accepted(ctx, e, out)
}

// Get возвращает запись звонка
func (m *Manager) Get(id call.CallID) (*call.Record, bool) {
	e, ok := m.calls.Get(id)
	if !ok {
		return nil, false
	}
	return e.rec, true
}

// Release удаляет запись завершенного звонка
func (m *Manager) Release(id call.CallID) error {
	err := m.calls.DeleteIf(id, func(e *entry) error {
		if !e.rec.IsTerminated() {
			return fmt.Errorf("%w: %s is %s", ErrCallNotTerminated, id, e.rec.State())
		}
		return nil
	})
	if errors.Is(err, call.ErrUnknownCall) {
		return fmt.Errorf("%w: %s", call.ErrUnknownCall, id)
	}
	return err
}

// autoRelease вызывается диспетчером после доставки директив завершения
func (m *Manager) autoRelease(id call.CallID) {
	if err := m.Release(id); err != nil {
		m.log.LogError(context.Background(), err, "auto release failed", logger.CallIDField(id))
		return
	}
	m.log.Debug(context.Background(), "call released", logger.CallIDField(id))
}

// Len количество записей в реестре, включая завершенные и не освобожденные
func (m *Manager) Len() int {
	return m.calls.Count()
}

// ActiveCalls количество звонков не в Terminating
func (m *Manager) ActiveCalls() int {
	active := 0
	m.calls.ForEach(func(_ call.CallID, e *entry) {
		if !e.rec.IsTerminated() {
			active++
		}
	})
	return active
}

// Snapshots возвращает снимки всех звонков
func (m *Manager) Snapshots() []call.Snapshot {
	snaps := make([]call.Snapshot, 0, m.calls.Count())
	m.calls.ForEach(func(_ call.CallID, e *entry) {
		snaps = append(snaps, e.rec.Snapshot())
	})
	return snaps
}

func endReason(directives []call.Directive) call.EndReason {
	for _, d := range directives {
		if d.Kind == call.DirectiveNotifyEnded {
			return d.Reason
		}
	}
	// завершение без уведомления
	return call.EndReasonReconnectFailed
}
