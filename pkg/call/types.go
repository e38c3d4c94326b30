package call

import "fmt"

// DataChannelName согласованное имя data channel, по которому после
// CallConnected идут служебные сообщения звонка.
const DataChannelName = "signaling"

// CallID уникальный идентификатор звонка.
// Генерируется вызывающей стороной при создании звонка и не меняется.
type CallID uint64

// String возвращает строковое представление идентификатора
func (id CallID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Direction направление звонка. Фиксируется при создании записи.
type Direction int

const (
	// Incoming входящий звонок (получен удаленный offer)
	Incoming Direction = iota
	// Outgoing исходящий звонок (локальный вызов)
	Outgoing
)

// String возвращает строковое представление направления
func (d Direction) String() string {
	switch d {
	case Incoming:
		return "Incoming"
	case Outgoing:
		return "Outgoing"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ReconnectingState фиксирует, случился ли обрыв ICE до или после CallConnected.
// От него зависит, куда возвращаемся при успешном восстановлении и
// как сообщаем о неудаче.
type ReconnectingState int

const (
	// BeforeConnected ICE отвалился до того, как звонок был принят
	BeforeConnected ReconnectingState = iota
	// AfterConnected ICE отвалился в установленном звонке
	AfterConnected
)

// String возвращает строковое представление
func (r ReconnectingState) String() string {
	switch r {
	case BeforeConnected:
		return "BeforeConnected"
	case AfterConnected:
		return "AfterConnected"
	default:
		return fmt.Sprintf("ReconnectingState(%d)", int(r))
	}
}

// State текущее состояние звонка.
//
// Это закрытый sum type: реализовать его могут только варианты ниже.
// Данные варианта (IceConnecting, IceReconnecting) лежат в самом варианте,
// поэтому невалидные комбинации "тег + чужие данные" непредставимы.
// Все варианты comparable, состояния можно сравнивать через ==.
type State interface {
	fmt.Stringer
	isState()
}

// Idle нет активных переговоров, начальное состояние.
type Idle struct{}

// SendingOffer локальный offer сформирован и отправляется (только исходящий).
type SendingOffer struct{}

// IceConnecting идут ICE переговоры.
type IceConnecting struct {
	// DescriptionsSet true, если эта сторона установила и локальное, и удаленное SDP
	DescriptionsSet bool
}

// IceConnected ICE связность установлена, звонок еще не принят.
type IceConnected struct{}

// IceDisconnected ICE связность потеряна, окно переподключения открыто.
type IceDisconnected struct{}

// IceReconnecting идет попытка восстановить ICE.
type IceReconnecting struct {
	Reconnecting ReconnectingState
}

// CallConnected звонок принят и ICE подключен.
type CallConnected struct{}

// Terminating звонок завершается. Терминальное состояние.
type Terminating struct{}

func (Idle) isState()            {}
func (SendingOffer) isState()    {}
func (IceConnecting) isState()   {}
func (IceConnected) isState()    {}
func (IceDisconnected) isState() {}
func (IceReconnecting) isState() {}
func (CallConnected) isState()   {}
func (Terminating) isState()     {}

func (Idle) String() string            { return "Idle" }
func (SendingOffer) String() string    { return "SendingOffer" }
func (IceConnected) String() string    { return "IceConnected" }
func (IceDisconnected) String() string { return "IceDisconnected" }
func (CallConnected) String() string   { return "CallConnected" }
func (Terminating) String() string     { return "Terminating" }

func (s IceConnecting) String() string {
	return fmt.Sprintf("IceConnecting(%t)", s.DescriptionsSet)
}

func (s IceReconnecting) String() string {
	return fmt.Sprintf("IceReconnecting(%s)", s.Reconnecting)
}

// IsTerminal проверяет, является ли состояние терминальным
func IsTerminal(s State) bool {
	_, ok := s.(Terminating)
	return ok
}

// AllStates возвращает все достижимые значения State, включая варианты с данными
func AllStates() []State {
	return []State{
		Idle{},
		SendingOffer{},
		IceConnecting{DescriptionsSet: false},
		IceConnecting{DescriptionsSet: true},
		IceConnected{},
		IceDisconnected{},
		IceReconnecting{Reconnecting: BeforeConnected},
		IceReconnecting{Reconnecting: AfterConnected},
		CallConnected{},
		Terminating{},
	}
}
