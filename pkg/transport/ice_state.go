// Package transport переводит наблюдения транспорта (состояние ICE,
// поток RTP) в события звонка.
package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/callstate/pkg/call"
)

// ErrIceFailed ICE агент перешел в failed
var ErrIceFailed = errors.New("ice connection failed")

// IceConnectionState состояние ICE агента
type IceConnectionState int

const (
	IceConnectionStateNew IceConnectionState = iota + 1
	IceConnectionStateChecking
	IceConnectionStateConnected
	IceConnectionStateCompleted
	IceConnectionStateDisconnected
	IceConnectionStateFailed
	IceConnectionStateClosed
)

var iceStateNames = map[IceConnectionState]string{
	IceConnectionStateNew:          "new",
	IceConnectionStateChecking:     "checking",
	IceConnectionStateConnected:    "connected",
	IceConnectionStateCompleted:    "completed",
	IceConnectionStateDisconnected: "disconnected",
	IceConnectionStateFailed:       "failed",
	IceConnectionStateClosed:       "closed",
}

func (s IceConnectionState) String() string {
	if name, ok := iceStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IceConnectionState(%d)", int(s))
}

// ParseIceConnectionState разбирает строковое состояние ("checking", ...)
func ParseIceConnectionState(raw string) (IceConnectionState, error) {
	for state, name := range iceStateNames {
		if name == raw {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown ice connection state %q", raw)
}

func (s IceConnectionState) connected() bool {
	return s == IceConnectionStateConnected || s == IceConnectionStateCompleted
}

// IceTracker переводит последовательность состояний ICE одного звонка
// в события машины состояний
type IceTracker struct {
	mu         sync.Mutex
	state      IceConnectionState
	recovering bool

	// pending: ICE соединился раньше, чем установлены описания,
	// IceConnected отложен до DescriptionsSet
	pending bool
}

// NewIceTracker создает трекер в состоянии new
func NewIceTracker() *IceTracker {
	return &IceTracker{state: IceConnectionStateNew}
}

// State текущее состояние ICE
func (t *IceTracker) State() IceConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending ICE соединен, но IceConnected еще не отдан машине
func (t *IceTracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// awaitingDescriptions машина еще не готова принять IceConnected
func awaitingDescriptions(s call.State) bool {
	switch st := s.(type) {
	case call.Idle, call.SendingOffer:
		return true
	case call.IceConnecting:
		return !st.DescriptionsSet
	}
	return false
}

// Update принимает новое состояние ICE и возвращает события в порядке применения.
// snap: снимок звонка на момент наблюдения (Record.Snapshot).
func (t *IceTracker) Update(next IceConnectionState, snap call.Snapshot) []call.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state
	if prev == next {
		return nil
	}
	t.state = next

	switch next {
	case IceConnectionStateChecking:
		if t.recovering && prev == IceConnectionStateDisconnected {
			return []call.Event{call.NewEvent(call.EventReconnectAttemptStarted)}
		}

	case IceConnectionStateConnected, IceConnectionStateCompleted:
		if prev.connected() {
			return nil
		}
		if !t.recovering {
			if awaitingDescriptions(snap.State) {
				t.pending = true
				return nil
			}
			return []call.Event{call.NewEvent(call.EventIceConnected)}
		}

		t.recovering = false
		var events []call.Event
		if prev == IceConnectionStateDisconnected {
			// восстановление без перезапуска checking
			events = append(events, call.NewEvent(call.EventReconnectAttemptStarted))
		}
		events = append(events, call.NewEvent(call.EventReconnectSucceeded))
		if !snap.EverConnected {
			events = append(events, call.NewEvent(call.EventIceConnected))
		}
		return events

	case IceConnectionStateDisconnected:
		if !prev.connected() {
			return nil
		}
		if t.pending {
			// машина соединения не видела, терять нечего
			t.pending = false
			return nil
		}
		t.recovering = true
		return []call.Event{call.NewEvent(call.EventIceDisconnected)}

	case IceConnectionStateFailed:
		t.pending = false
		cause := fmt.Errorf("%w (after %s)", ErrIceFailed, prev)
		if t.recovering {
			return []call.Event{call.FailureEvent(call.EventReconnectFailed, cause)}
		}
		return []call.Event{call.FailureEvent(call.EventError, cause)}

	case IceConnectionStateClosed:
		t.pending = false
		return []call.Event{call.NewEvent(call.EventHangup)}
	}
	return nil
}

// DescriptionsSet вызывается после того, как машина приняла DescriptionsSet.
// Возвращает отложенный IceConnected, если ICE уже соединен.
func (t *IceTracker) DescriptionsSet() []call.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pending {
		return nil
	}
	t.pending = false
	if !t.state.connected() {
		return nil
	}
	return []call.Event{call.NewEvent(call.EventIceConnected)}
}
