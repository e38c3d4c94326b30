package call

import "fmt"

// EventType тип события, поступающего от коллабораторов
type EventType int

const (
	// EventStartOutgoing локальный пользователь начал исходящий звонок
	EventStartOutgoing EventType = iota
	// EventOfferSent локальный offer передан удаленной стороне
	EventOfferSent
	// EventRemoteOfferReceived получен offer удаленной стороны
	EventRemoteOfferReceived
	// EventDescriptionsSet установлены и локальное, и удаленное описание сессии
	EventDescriptionsSet
	// EventIceConnected ICE связность установлена
	EventIceConnected
	// EventCallAccepted вызываемая сторона приняла звонок
	EventCallAccepted
	// EventIceDisconnected ICE связность потеряна
	EventIceDisconnected
	// EventReconnectAttemptStarted транспорт начал восстановление ICE
	EventReconnectAttemptStarted
	// EventReconnectSucceeded ICE восстановлен
	EventReconnectSucceeded
	// EventReconnectFailed восстановить ICE не удалось
	EventReconnectFailed
	// EventHangup добровольное завершение (локальное или удаленное)
	EventHangup
	// EventError ошибка коллаборатора
	EventError
	// EventTimeout коллаборатор обнаружил таймаут
	EventTimeout
)

var eventTypeNames = map[EventType]string{
	EventStartOutgoing:           "StartOutgoing",
	EventOfferSent:               "OfferSent",
	EventRemoteOfferReceived:     "RemoteOfferReceived",
	EventDescriptionsSet:         "LocalAndRemoteDescriptionsSet",
	EventIceConnected:            "IceConnected",
	EventCallAccepted:            "CallAccepted",
	EventIceDisconnected:         "IceDisconnected",
	EventReconnectAttemptStarted: "ReconnectAttemptStarted",
	EventReconnectSucceeded:      "ReconnectSucceeded",
	EventReconnectFailed:         "ReconnectFailed",
	EventHangup:                  "Hangup",
	EventError:                   "Error",
	EventTimeout:                 "Timeout",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// AllEventTypes возвращает все типы событий
func AllEventTypes() []EventType {
	types := make([]EventType, 0, len(eventTypeNames))
	for t := EventStartOutgoing; t <= EventTimeout; t++ {
		types = append(types, t)
	}
	return types
}

// Event событие с необязательным контекстом ошибки.
// Cause заполняется для Error/Timeout/ReconnectFailed и попадает
// в директиву NotifyEnded.
type Event struct {
	Type  EventType
	Cause error
}

// NewEvent создает событие без контекста
func NewEvent(t EventType) Event {
	return Event{Type: t}
}

// FailureEvent создает событие с причиной
func FailureEvent(t EventType, cause error) Event {
	return Event{Type: t, Cause: cause}
}

func (e Event) String() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s(%v)", e.Type, e.Cause)
	}
	return e.Type.String()
}
