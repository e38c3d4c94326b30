package call

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Ключи состояний looplab/fsm. Варианты с данными разворачиваются
// в отдельные ключи, чтобы таблица переходов учитывала payload.
const (
	keyIdle                       = "idle"
	keySendingOffer               = "sending_offer"
	keyIceConnecting              = "ice_connecting"
	keyIceConnectingDescribed     = "ice_connecting_described"
	keyIceConnected               = "ice_connected"
	keyIceDisconnected            = "ice_disconnected"
	keyIceReconnectingBefore      = "ice_reconnecting_before_connected"
	keyIceReconnectingAfter       = "ice_reconnecting_after_connected"
	keyCallConnected              = "call_connected"
	keyTerminating                = "terminating"
	fsmEventStartOutgoing         = "start_outgoing"
	fsmEventOfferSent             = "offer_sent"
	fsmEventRemoteOffer           = "remote_offer_received"
	fsmEventDescriptionsSet       = "descriptions_set"
	fsmEventIceEstablished        = "ice_established"
	fsmEventCallAccepted          = "call_accepted"
	fsmEventIceLost               = "ice_lost"
	fsmEventReconnectAfter        = "reconnect_after_connected"
	fsmEventReconnectBefore       = "reconnect_before_connected"
	fsmEventReconnectSucceeded    = "reconnect_succeeded"
	fsmEventReconnectFailed       = "reconnect_failed"
	fsmEventHangup                = "hangup"
	fsmEventError                 = "error"
	fsmEventTimeout               = "timeout"
)

// liveKeys все нетерминальные состояния
var liveKeys = []string{
	keyIdle,
	keySendingOffer,
	keyIceConnecting,
	keyIceConnectingDescribed,
	keyIceConnected,
	keyIceDisconnected,
	keyIceReconnectingBefore,
	keyIceReconnectingAfter,
	keyCallConnected,
}

// callEvents таблица переходов.
// Src == Dst означает идемпотентное повторное событие: looplab/fsm
// возвращает NoTransitionError, и мы трактуем его как no-op.
var callEvents = fsm.Events{
	{Name: fsmEventStartOutgoing, Src: []string{keyIdle, keySendingOffer}, Dst: keySendingOffer},
	{Name: fsmEventOfferSent, Src: []string{keySendingOffer}, Dst: keyIceConnecting},
	{Name: fsmEventOfferSent, Src: []string{keyIceConnecting}, Dst: keyIceConnecting},
	{Name: fsmEventRemoteOffer, Src: []string{keyIdle, keyIceConnecting}, Dst: keyIceConnecting},
	{Name: fsmEventDescriptionsSet, Src: []string{keyIceConnecting, keyIceConnectingDescribed}, Dst: keyIceConnectingDescribed},
	{Name: fsmEventIceEstablished, Src: []string{keyIceConnectingDescribed, keyIceConnected}, Dst: keyIceConnected},
	{Name: fsmEventCallAccepted, Src: []string{keyIceConnected, keyCallConnected}, Dst: keyCallConnected},
	{Name: fsmEventIceLost, Src: []string{keyIceConnected, keyCallConnected, keyIceDisconnected}, Dst: keyIceDisconnected},
	{Name: fsmEventReconnectAfter, Src: []string{keyIceDisconnected, keyIceReconnectingAfter}, Dst: keyIceReconnectingAfter},
	{Name: fsmEventReconnectBefore, Src: []string{keyIceDisconnected, keyIceReconnectingBefore}, Dst: keyIceReconnectingBefore},
	{Name: fsmEventReconnectSucceeded, Src: []string{keyIceReconnectingAfter}, Dst: keyCallConnected},
	{Name: fsmEventReconnectSucceeded, Src: []string{keyIceReconnectingBefore}, Dst: keyIceConnectingDescribed},
	{Name: fsmEventReconnectFailed, Src: liveKeys, Dst: keyTerminating},
	{Name: fsmEventHangup, Src: liveKeys, Dst: keyTerminating},
	{Name: fsmEventError, Src: liveKeys, Dst: keyTerminating},
	{Name: fsmEventTimeout, Src: liveKeys, Dst: keyTerminating},
}

// errWrongDirection отменяет событие, недопустимое для направления звонка
type errWrongDirection struct {
	want Direction
	got  Direction
}

func (e errWrongDirection) Error() string {
	return fmt.Sprintf("event requires %s call, got %s", e.want, e.got)
}

// requireDirection before_ callback, проверяющий направление из Args[0]
func requireDirection(want Direction) fsm.Callback {
	return func(_ context.Context, e *fsm.Event) {
		if len(e.Args) == 0 {
			e.Cancel(fmt.Errorf("direction argument missing"))
			return
		}
		got, ok := e.Args[0].(Direction)
		if !ok || got != want {
			e.Cancel(errWrongDirection{want: want, got: got})
		}
	}
}

// newCallFSM создает движок переходов, стоящий в состоянии initial.
// Движок одноразовый: Transition создает новый на каждое событие,
// поэтому скрытого состояния между вызовами нет.
func newCallFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(initial, callEvents, fsm.Callbacks{
		"before_" + fsmEventStartOutgoing: requireDirection(Outgoing),
		"before_" + fsmEventOfferSent:     requireDirection(Outgoing),
		"before_" + fsmEventRemoteOffer:   requireDirection(Incoming),
	})
}

// stateKey отображает State в ключ движка
func stateKey(s State) string {
	switch v := s.(type) {
	case Idle:
		return keyIdle
	case SendingOffer:
		return keySendingOffer
	case IceConnecting:
		if v.DescriptionsSet {
			return keyIceConnectingDescribed
		}
		return keyIceConnecting
	case IceConnected:
		return keyIceConnected
	case IceDisconnected:
		return keyIceDisconnected
	case IceReconnecting:
		if v.Reconnecting == AfterConnected {
			return keyIceReconnectingAfter
		}
		return keyIceReconnectingBefore
	case CallConnected:
		return keyCallConnected
	case Terminating:
		return keyTerminating
	}
	return ""
}

// stateFromKey обратное отображение ключа движка в State
func stateFromKey(key string) (State, error) {
	switch key {
	case keyIdle:
		return Idle{}, nil
	case keySendingOffer:
		return SendingOffer{}, nil
	case keyIceConnecting:
		return IceConnecting{DescriptionsSet: false}, nil
	case keyIceConnectingDescribed:
		return IceConnecting{DescriptionsSet: true}, nil
	case keyIceConnected:
		return IceConnected{}, nil
	case keyIceDisconnected:
		return IceDisconnected{}, nil
	case keyIceReconnectingBefore:
		return IceReconnecting{Reconnecting: BeforeConnected}, nil
	case keyIceReconnectingAfter:
		return IceReconnecting{Reconnecting: AfterConnected}, nil
	case keyCallConnected:
		return CallConnected{}, nil
	case keyTerminating:
		return Terminating{}, nil
	}
	return nil, fmt.Errorf("unknown state key %q", key)
}

// fsmEventName выбирает событие движка. ReconnectAttemptStarted
// разворачивается по истории звонка: After, если звонок уже был CallConnected.
func fsmEventName(t EventType, everConnected bool) string {
	switch t {
	case EventStartOutgoing:
		return fsmEventStartOutgoing
	case EventOfferSent:
		return fsmEventOfferSent
	case EventRemoteOfferReceived:
		return fsmEventRemoteOffer
	case EventDescriptionsSet:
		return fsmEventDescriptionsSet
	case EventIceConnected:
		return fsmEventIceEstablished
	case EventCallAccepted:
		return fsmEventCallAccepted
	case EventIceDisconnected:
		return fsmEventIceLost
	case EventReconnectAttemptStarted:
		if everConnected {
			return fsmEventReconnectAfter
		}
		return fsmEventReconnectBefore
	case EventReconnectSucceeded:
		return fsmEventReconnectSucceeded
	case EventReconnectFailed:
		return fsmEventReconnectFailed
	case EventHangup:
		return fsmEventHangup
	case EventError:
		return fsmEventError
	case EventTimeout:
		return fsmEventTimeout
	}
	return ""
}

// Graph возвращает таблицу переходов в виде mermaid state diagram
func Graph() (string, error) {
	return fsm.VisualizeWithType(newCallFSM(keyIdle), fsm.MermaidStateDiagram)
}
