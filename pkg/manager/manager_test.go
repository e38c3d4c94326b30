package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callstate/pkg/call"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder DirectiveHandler, запоминающий директивы по звонкам
type recorder struct {
	mu  sync.Mutex
	got map[call.CallID][]call.Directive
	fn  func(call.Directive) error
}

func newRecorder() *recorder {
	return &recorder{got: make(map[call.CallID][]call.Directive)}
}

func (r *recorder) HandleDirective(_ context.Context, id call.CallID, d call.Directive) error {
	r.mu.Lock()
	r.got[id] = append(r.got[id], d)
	fn := r.fn
	r.mu.Unlock()

	if fn != nil {
		return fn(d)
	}
	return nil
}

func (r *recorder) kinds(id call.CallID) []call.DirectiveKind {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := make([]call.DirectiveKind, 0, len(r.got[id]))
	for _, d := range r.got[id] {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func (r *recorder) directives(id call.CallID) []call.Directive {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.Directive(nil), r.got[id]...)
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *recorder) {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	rec := newRecorder()
	m, err := NewManager(cfg, rec, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	return m, rec
}

func dispatchAll(t *testing.T, m *Manager, id call.CallID, events ...call.EventType) {
	t.Helper()
	for _, e := range events {
		_, err := m.Dispatch(context.Background(), id, call.NewEvent(e))
		require.NoError(t, err, "event %s", e)
	}
}

var outgoingFlow = []call.EventType{
	call.EventOfferSent,
	call.EventDescriptionsSet,
	call.EventIceConnected,
	call.EventCallAccepted,
	call.EventHangup,
}

var outgoingDirectives = []call.DirectiveKind{
	call.DirectiveSendOffer,
	call.DirectiveNotifyRinging,
	call.DirectiveNotifyConnected,
	call.DirectiveTeardownTransport,
	call.DirectiveNotifyEnded,
}

func TestManagerOutgoingCall(t *testing.T) {
	m, rec := newTestManager(t, nil)
	ctx := context.Background()

	id, out, err := m.StartOutgoing(ctx)
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, call.SendingOffer{}, out.Next.State)
	assert.Equal(t, 1, m.ActiveCalls())

	dispatchAll(t, m, id, outgoingFlow...)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(outgoingDirectives, rec.kinds(id))
	}, waitFor, tick)

	// AutoRelease удаляет запись после директив завершения
	assert.Eventually(t, func() bool {
		_, ok := m.Get(id)
		return !ok
	}, waitFor, tick)
	assert.Zero(t, m.ActiveCalls())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.callsTotal.WithLabelValues("Outgoing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.metrics.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.callsEnded.WithLabelValues("user hangup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.metrics.transitionsTotal.WithLabelValues("IceConnected", "CallConnected", "CallAccepted")))
}

func TestManagerIncomingCall(t *testing.T) {
	m, rec := newTestManager(t, func(c *Config) { c.AutoRelease = false })
	ctx := context.Background()

	const id = call.CallID(0xfeed)
	out, err := m.ReceiveOffer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, call.IceConnecting{DescriptionsSet: false}, out.Next.State)

	dispatchAll(t, m, id, call.EventDescriptionsSet, call.EventIceConnected, call.EventCallAccepted)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]call.DirectiveKind{
			call.DirectiveSendAnswer,
			call.DirectiveNotifyRinging,
			call.DirectiveSendAccepted,
			call.DirectiveNotifyConnected,
		}, rec.kinds(id))
	}, waitFor, tick)

	_, err = m.ReceiveOffer(ctx, id)
	assert.ErrorIs(t, err, ErrCallExists)
}

func TestManagerUnknownCall(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.Dispatch(context.Background(), 42, call.NewEvent(call.EventHangup))
	assert.ErrorIs(t, err, call.ErrUnknownCall)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.rejectedTotal.WithLabelValues(rejectUnknown)))

	assert.ErrorIs(t, m.Release(42), call.ErrUnknownCall)
}

func TestManagerIllegalTransition(t *testing.T) {
	m, rec := newTestManager(t, nil)

	_, err := m.Create(1, call.Outgoing)
	require.NoError(t, err)

	out, err := m.Dispatch(context.Background(), 1, call.NewEvent(call.EventCallAccepted))
	assert.True(t, call.IsIllegalTransition(err))
	assert.False(t, out.Changed)

	r, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, call.Idle{}, r.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.rejectedTotal.WithLabelValues(rejectIllegal)))
	assert.Empty(t, rec.kinds(1))
}

func TestManagerForceTermination(t *testing.T) {
	m, rec := newTestManager(t, func(c *Config) {
		c.MaxIllegalTransitions = 2
		c.AutoRelease = false
	})
	ctx := context.Background()

	_, err := m.Create(2, call.Outgoing)
	require.NoError(t, err)

	// принятый переход сбрасывает счетчик
	_, err = m.Dispatch(ctx, 2, call.NewEvent(call.EventCallAccepted))
	require.Error(t, err)
	dispatchAll(t, m, 2, call.EventStartOutgoing)
	_, err = m.Dispatch(ctx, 2, call.NewEvent(call.EventCallAccepted))
	require.Error(t, err)

	r, _ := m.Get(2)
	assert.Equal(t, call.SendingOffer{}, r.State())

	_, err = m.Dispatch(ctx, 2, call.NewEvent(call.EventIceConnected))
	require.True(t, call.IsIllegalTransition(err))
	assert.Equal(t, call.Terminating{}, r.State())

	assert.Eventually(t, func() bool { return len(rec.directives(2)) == 3 }, waitFor, tick)

	ended := rec.directives(2)[2]
	assert.Equal(t, call.DirectiveNotifyEnded, ended.Kind)
	assert.Equal(t, call.EndReasonError, ended.Reason)
	assert.ErrorIs(t, ended.Cause, ErrIllegalTransitionLimit)
	assert.ErrorIs(t, ended.Cause, call.ErrIllegalTransition)

	require.NoError(t, m.Release(2))
	_, ok := m.Get(2)
	assert.False(t, ok)
}

// Серия недопустимых событий завершает звонок и без явной настройки
func TestManagerDefaultIllegalLimit(t *testing.T) {
	m, rec := newTestManager(t, func(c *Config) { c.AutoRelease = false })
	ctx := context.Background()

	_, err := m.Create(5, call.Incoming)
	require.NoError(t, err)
	r, _ := m.Get(5)

	for i := 1; i < DefaultMaxIllegalTransitions; i++ {
		_, err := m.Dispatch(ctx, 5, call.NewEvent(call.EventCallAccepted))
		require.True(t, call.IsIllegalTransition(err))
		require.Equal(t, call.Idle{}, r.State(), "event %d", i)
	}

	_, err = m.Dispatch(ctx, 5, call.NewEvent(call.EventCallAccepted))
	require.True(t, call.IsIllegalTransition(err))
	assert.Equal(t, call.Terminating{}, r.State())

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]call.DirectiveKind{
			call.DirectiveTeardownTransport,
			call.DirectiveNotifyEnded,
		}, rec.kinds(5))
	}, waitFor, tick)
}

func TestManagerAfterTermination(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.AutoRelease = false })

	_, err := m.Create(3, call.Incoming)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Release(3), ErrCallNotTerminated)

	dispatchAll(t, m, 3, call.EventHangup)

	_, err = m.Dispatch(context.Background(), 3, call.NewEvent(call.EventIceConnected))
	assert.ErrorIs(t, err, call.ErrAlreadyTerminating)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.rejectedTotal.WithLabelValues(rejectTerminating)))
	assert.NoError(t, m.Release(3))
}

func TestManagerSilentReconnectFailure(t *testing.T) {
	m, rec := newTestManager(t, func(c *Config) { c.AutoRelease = false })

	const id = call.CallID(4)
	_, err := m.ReceiveOffer(context.Background(), id)
	require.NoError(t, err)

	dispatchAll(t, m, id,
		call.EventDescriptionsSet,
		call.EventIceConnected,
		call.EventIceDisconnected,
		call.EventReconnectAttemptStarted,
		call.EventReconnectFailed,
	)

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]call.DirectiveKind{
			call.DirectiveSendAnswer,
			call.DirectiveNotifyRinging,
			call.DirectiveRestartIce,
			call.DirectiveTeardownTransport,
		}, rec.kinds(id))
	}, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.callsEnded.WithLabelValues("reconnect failed")))
}

func TestManagerHandlerFailures(t *testing.T) {
	m, rec := newTestManager(t, nil)
	rec.fn = func(d call.Directive) error {
		switch d.Kind {
		case call.DirectiveSendOffer:
			return errors.New("signaling unavailable")
		case call.DirectiveNotifyRinging:
			panic("ui crashed")
		}
		return nil
	}

	id, _, err := m.StartOutgoing(context.Background())
	require.NoError(t, err)
	dispatchAll(t, m, id, outgoingFlow...)

	// ошибки и паники обработчика не останавливают доставку
	assert.Eventually(t, func() bool {
		return len(rec.kinds(id)) == len(outgoingDirectives)
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.metrics.directivesTotal.WithLabelValues("NotifyEnded", resultOK)) == 1
	}, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.directivesTotal.WithLabelValues("SendOffer", resultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.directivesTotal.WithLabelValues("NotifyRinging", resultPanic)))
}

func TestManagerDirectivesBeforeStart(t *testing.T) {
	rec := newRecorder()
	m, err := NewManager(DefaultConfig(), rec, nil)
	require.NoError(t, err)
	defer m.Stop()

	id, _, err := m.StartOutgoing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rec.kinds(id))

	require.NoError(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]call.DirectiveKind{call.DirectiveSendOffer}, rec.kinds(id))
	}, waitFor, tick)
}

func TestManagerStop(t *testing.T) {
	rec := newRecorder()
	m, err := NewManager(DefaultConfig(), rec, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	id, _, err := m.StartOutgoing(context.Background())
	require.NoError(t, err)
	dispatchAll(t, m, id, outgoingFlow...)

	// Stop дожидается доставки поставленных директив
	m.Stop()
	assert.Equal(t, outgoingDirectives, rec.kinds(id))

	_, err = m.Dispatch(context.Background(), id, call.NewEvent(call.EventHangup))
	assert.ErrorIs(t, err, ErrManagerStopped)
	_, err = m.Create(99, call.Incoming)
	assert.ErrorIs(t, err, ErrManagerStopped)
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerStopped)

	m.Stop()
}

// Директивы принятого события доставляются, даже если Stop идет параллельно
func TestManagerStopRacesDispatch(t *testing.T) {
	for round := 0; round < 20; round++ {
		rec := newRecorder()
		m, err := NewManager(DefaultConfig(), rec, nil)
		require.NoError(t, err)
		require.NoError(t, m.Start(context.Background()))

		const calls = 50
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []call.CallID
		)
		for i := 0; i < calls; i++ {
			id := call.CallID(round*calls + i + 1)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := m.Create(id, call.Outgoing); err != nil {
					return
				}
				if _, err := m.Dispatch(context.Background(), id, call.NewEvent(call.EventStartOutgoing)); err != nil {
					assert.ErrorIs(t, err, ErrManagerStopped)
					return
				}
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
			}()
		}

		m.Stop()
		wg.Wait()

		for _, id := range accepted {
			assert.Equal(t, []call.DirectiveKind{call.DirectiveSendOffer}, rec.kinds(id), "call %s", id)
		}
	}
}

func TestManagerConcurrentCalls(t *testing.T) {
	m, rec := newTestManager(t, func(c *Config) {
		c.AutoRelease = false
		c.DispatchWorkers = 3
	})

	const calls = 100
	ids := make([]call.CallID, calls)

	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := m.StartOutgoing(context.Background())
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			ids[i] = id
			for _, e := range outgoingFlow {
				if _, err := m.Dispatch(context.Background(), id, call.NewEvent(e)); err != nil {
					t.Errorf("call %s: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	m.Stop()

	assert.Equal(t, calls, m.Len())
	assert.Zero(t, m.ActiveCalls())
	for _, id := range ids {
		assert.Equal(t, outgoingDirectives, rec.kinds(id), "call %s", id)
	}
}

func TestManagerConcurrentEventsSameCall(t *testing.T) {
	m, rec := newTestManager(t, func(c *Config) { c.AutoRelease = false })

	id, _, err := m.StartOutgoing(context.Background())
	require.NoError(t, err)
	dispatchAll(t, m, id, outgoingFlow[:4]...)

	const goroutines = 32
	var (
		wg       sync.WaitGroup
		accepted int64
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := call.NewEvent(call.EventHangup)
			if i%2 == 1 {
				ev = call.FailureEvent(call.EventError, fmt.Errorf("collaborator %d", i))
			}
			if out, err := m.Dispatch(context.Background(), id, ev); err == nil && out.Ended() {
				atomic.AddInt64(&accepted, 1)
			}
		}(i)
	}
	wg.Wait()
	m.Stop()

	assert.Equal(t, int64(1), accepted)

	kinds := rec.kinds(id)
	require.Len(t, kinds, 5)
	assert.Equal(t, call.DirectiveTeardownTransport, kinds[3])
	assert.Equal(t, call.DirectiveNotifyEnded, kinds[4])
}

func TestManagerSnapshots(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.Create(10, call.Incoming)
	require.NoError(t, err)
	_, err = m.Create(11, call.Outgoing)
	require.NoError(t, err)

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		assert.Equal(t, call.Idle{}, s.State)
	}
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2, m.ActiveCalls())
}

func TestNewManagerValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DispatchWorkers = 0
	_, err := NewManager(cfg, newRecorder(), nil)
	assert.Error(t, err)

	_, err = NewManager(nil, nil, nil)
	assert.Error(t, err)

	m, err := NewManager(nil, DirectiveHandlerFunc(func(context.Context, call.CallID, call.Directive) error {
		return nil
	}), nil)
	require.NoError(t, err)
	assert.NotNil(t, m.Registry())
}

func TestManagerMetricsDisabled(t *testing.T) {
	m, _ := newTestManager(t, func(c *Config) { c.Metrics.Enabled = false })

	assert.Nil(t, m.Registry())
	id, _, err := m.StartOutgoing(context.Background())
	require.NoError(t, err)
	dispatchAll(t, m, id, outgoingFlow...)
}
