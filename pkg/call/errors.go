package call

import (
	"errors"
	"fmt"
)

// Ошибки машины состояний. Ни одна из них не фатальна: запись звонка
// остается неизменной, решение о принудительном завершении принимает
// вызывающая сторона.
var (
	// ErrIllegalTransition событие недопустимо в текущем состоянии/направлении
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrAlreadyTerminating событие получено после перехода в Terminating
	ErrAlreadyTerminating = errors.New("call already terminating")

	// ErrUnknownCall нет живой записи для CallID
	ErrUnknownCall = errors.New("unknown call")

	// ErrRetryLimit превышен лимит повторных ICE disconnect
	ErrRetryLimit = errors.New("duplicate disconnect limit reached")
)

// TransitionError отклоненное событие с контекстом для логирования.
//
// Err всегда ErrIllegalTransition или ErrAlreadyTerminating,
// Cause исходная ошибка движка переходов (если есть).
type TransitionError struct {
	CallID    CallID
	From      State
	Event     EventType
	Direction Direction
	Err       error
	Cause     error
}

// Error реализует интерфейс error
func (e *TransitionError) Error() string {
	return fmt.Sprintf("call %s (%s): %v: event %s in state %s",
		e.CallID, e.Direction, e.Err, e.Event, e.From)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *TransitionError) Unwrap() []error {
	errs := []error{e.Err}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// IsIllegalTransition проверяет, является ли ошибка недопустимым переходом
func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

// IsAlreadyTerminating проверяет, пришло ли событие в терминальном состоянии
func IsAlreadyTerminating(err error) bool {
	return errors.Is(err, ErrAlreadyTerminating)
}

func illegalTransition(snap Snapshot, ev EventType, cause error) *TransitionError {
	return &TransitionError{
		CallID:    snap.ID,
		From:      snap.State,
		Event:     ev,
		Direction: snap.Direction,
		Err:       ErrIllegalTransition,
		Cause:     cause,
	}
}
