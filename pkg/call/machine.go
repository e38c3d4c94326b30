package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// DuplicateDisconnectPolicy что делать с повторным IceDisconnected,
// пришедшим в состоянии IceDisconnected
type DuplicateDisconnectPolicy int

const (
	// DuplicateDisconnectIgnore повтор идемпотентен
	DuplicateDisconnectIgnore DuplicateDisconnectPolicy = iota
	// DuplicateDisconnectCount повтор считается попыткой; по достижении
	// MaxDuplicateDisconnects звонок завершается с EndReasonRetryLimit
	DuplicateDisconnectCount
)

func (p DuplicateDisconnectPolicy) String() string {
	switch p {
	case DuplicateDisconnectIgnore:
		return "ignore"
	case DuplicateDisconnectCount:
		return "count"
	default:
		return fmt.Sprintf("DuplicateDisconnectPolicy(%d)", int(p))
	}
}

// ParseDuplicateDisconnectPolicy разбирает "ignore" / "count"
func ParseDuplicateDisconnectPolicy(s string) (DuplicateDisconnectPolicy, error) {
	switch s {
	case "", "ignore":
		return DuplicateDisconnectIgnore, nil
	case "count":
		return DuplicateDisconnectCount, nil
	}
	return DuplicateDisconnectIgnore, fmt.Errorf("unknown duplicate disconnect policy %q", s)
}

// Policy настраиваемое поведение машины состояний
type Policy struct {
	DuplicateDisconnect     DuplicateDisconnectPolicy
	MaxDuplicateDisconnects int
}

// DefaultPolicy возвращает политику по умолчанию: повторный disconnect идемпотентен
func DefaultPolicy() Policy {
	return Policy{
		DuplicateDisconnect:     DuplicateDisconnectIgnore,
		MaxDuplicateDisconnects: 3,
	}
}

// Snapshot все входные данные перехода. Transition зависит только от
// Snapshot, события и политики.
type Snapshot struct {
	ID        CallID
	Direction Direction
	State     State

	// EverConnected звонок хотя бы раз был в CallConnected
	EverConnected bool

	// DuplicateDisconnects повторные disconnect в текущем IceDisconnected
	DuplicateDisconnects int
}

// Outcome результат принятого события
type Outcome struct {
	Event      Event
	From       State
	Next       Snapshot
	Directives []Directive

	// Changed false для идемпотентного повтора: состояние не менялось,
	// директивы не выпускаются
	Changed bool
}

// Ended сообщает, перевел ли этот переход звонок в Terminating
func (o Outcome) Ended() bool {
	return o.Changed && IsTerminal(o.Next.State)
}

// Transition чистая функция перехода (Snapshot, Event, Policy) -> (Outcome, error).
//
// При ошибке возвращается Outcome с Next == snap: запись не меняется.
func Transition(snap Snapshot, ev Event, policy Policy) (Outcome, error) {
	out := Outcome{Event: ev, From: snap.State, Next: snap}

	if snap.State == nil {
		return out, illegalTransition(snap, ev.Type, errors.New("record has no state"))
	}

	if IsTerminal(snap.State) {
		return out, &TransitionError{
			CallID:    snap.ID,
			From:      snap.State,
			Event:     ev.Type,
			Direction: snap.Direction,
			Err:       ErrAlreadyTerminating,
		}
	}

	engine := newCallFSM(stateKey(snap.State))
	err := engine.Event(context.Background(), fsmEventName(ev.Type, snap.EverConnected), snap.Direction)

	var noTransition fsm.NoTransitionError
	switch {
	case err == nil:
	case errors.As(err, &noTransition):
		return repeated(snap, ev, policy, out), nil
	default:
		return out, illegalTransition(snap, ev.Type, err)
	}

	next, err := stateFromKey(engine.Current())
	if err != nil {
		return out, illegalTransition(snap, ev.Type, err)
	}

	out.Next.State = next
	out.Changed = true
	switch next.(type) {
	case CallConnected:
		out.Next.EverConnected = true
	case IceDisconnected:
		out.Next.DuplicateDisconnects = 0
	}
	out.Directives = directivesFor(snap, next, ev)

	return out, nil
}

// repeated обрабатывает событие, которое оставило бы состояние прежним
func repeated(snap Snapshot, ev Event, policy Policy, out Outcome) Outcome {
	if ev.Type != EventIceDisconnected || policy.DuplicateDisconnect != DuplicateDisconnectCount {
		return out
	}

	out.Next.DuplicateDisconnects++
	if policy.MaxDuplicateDisconnects > 0 && out.Next.DuplicateDisconnects >= policy.MaxDuplicateDisconnects {
		cause := fmt.Errorf("%w: %d of %d", ErrRetryLimit,
			out.Next.DuplicateDisconnects, policy.MaxDuplicateDisconnects)
		out.Next.State = Terminating{}
		out.Changed = true
		out.Directives = []Directive{
			{Kind: DirectiveTeardownTransport},
			{Kind: DirectiveNotifyEnded, Reason: EndReasonRetryLimit, Cause: cause},
		}
	}
	return out
}

// directivesFor вычисляет побочные действия перехода prev -> next
func directivesFor(prev Snapshot, next State, ev Event) []Directive {
	switch next.(type) {
	case SendingOffer:
		return []Directive{{Kind: DirectiveSendOffer}}

	case IceConnecting:
		if ev.Type == EventRemoteOfferReceived {
			return []Directive{{Kind: DirectiveSendAnswer}}
		}
		return nil

	case IceConnected:
		return []Directive{{Kind: DirectiveNotifyRinging}}

	case CallConnected:
		if ev.Type == EventReconnectSucceeded {
			return []Directive{{Kind: DirectiveNotifyReconnected}}
		}
		if prev.Direction == Incoming {
			return []Directive{{Kind: DirectiveSendAccepted}, {Kind: DirectiveNotifyConnected}}
		}
		return []Directive{{Kind: DirectiveNotifyConnected}}

	case IceDisconnected:
		if _, ok := prev.State.(CallConnected); ok {
			return []Directive{{Kind: DirectiveNotifyReconnecting}}
		}
		return nil

	case IceReconnecting:
		return []Directive{{Kind: DirectiveRestartIce}}

	case Terminating:
		return terminationDirectives(prev, ev)
	}
	return nil
}

func terminationDirectives(prev Snapshot, ev Event) []Directive {
	teardown := Directive{Kind: DirectiveTeardownTransport}

	var reason EndReason
	switch ev.Type {
	case EventHangup:
		reason = EndReasonHangup
	case EventTimeout:
		reason = EndReasonTimeout
	case EventReconnectFailed:
		if !prev.EverConnected {
			// не установленный звонок сбрасываем молча
			return []Directive{teardown}
		}
		reason = EndReasonDropped
	default:
		reason = EndReasonError
	}

	return []Directive{teardown, {Kind: DirectiveNotifyEnded, Reason: reason, Cause: ev.Cause}}
}

// Machine применяет Transition к записям звонков
type Machine struct {
	policy Policy
}

// NewMachine создает машину состояний с политикой
func NewMachine(policy Policy) *Machine {
	return &Machine{policy: policy}
}

// Policy возвращает политику машины
func (m *Machine) Policy() Policy {
	return m.policy
}

// Apply выполняет validate -> mutate под мьютексом записи.
// Пока Apply держит запись, другие события этого звонка ждут.
// При ошибке запись не меняется.
func (m *Machine) Apply(rec *Record, ev Event) (Outcome, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	out, err := Transition(rec.snapshotLocked(), ev, m.policy)
	if err != nil {
		return out, err
	}

	rec.commitLocked(out)
	return out, nil
}
