package call

import "fmt"

// DirectiveKind действие, которое переход поручает коллаборатору
type DirectiveKind int

const (
	// DirectiveSendOffer передать локальный offer (сигнализация)
	DirectiveSendOffer DirectiveKind = iota
	// DirectiveSendAnswer передать локальный answer (сигнализация)
	DirectiveSendAnswer
	// DirectiveNotifyRinging ICE подключен, показать "звонит"
	DirectiveNotifyRinging
	// DirectiveSendAccepted отправить "accepted" удаленной стороне по data channel
	DirectiveSendAccepted
	// DirectiveNotifyConnected звонок установлен
	DirectiveNotifyConnected
	// DirectiveNotifyReconnecting установленный звонок потерял связность
	DirectiveNotifyReconnecting
	// DirectiveRestartIce запустить ICE restart (транспорт)
	DirectiveRestartIce
	// DirectiveNotifyReconnected установленный звонок восстановлен
	DirectiveNotifyReconnected
	// DirectiveTeardownTransport закрыть транспорт
	DirectiveTeardownTransport
	// DirectiveNotifyEnded сообщить о завершении звонка
	DirectiveNotifyEnded
)

var directiveKindNames = map[DirectiveKind]string{
	DirectiveSendOffer:          "SendOffer",
	DirectiveSendAnswer:         "SendAnswer",
	DirectiveNotifyRinging:      "NotifyRinging",
	DirectiveSendAccepted:       "SendAccepted",
	DirectiveNotifyConnected:    "NotifyConnected",
	DirectiveNotifyReconnecting: "NotifyReconnecting",
	DirectiveRestartIce:         "RestartIce",
	DirectiveNotifyReconnected:  "NotifyReconnected",
	DirectiveTeardownTransport:  "TeardownTransport",
	DirectiveNotifyEnded:        "NotifyEnded",
}

func (k DirectiveKind) String() string {
	if name, ok := directiveKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("DirectiveKind(%d)", int(k))
}

// EndReason причина завершения звонка
type EndReason int

const (
	// EndReasonNone директива не про завершение
	EndReasonNone EndReason = iota
	// EndReasonHangup пользователь положил трубку
	EndReasonHangup
	// EndReasonReconnectFailed не удалось восстановить ICE до установления звонка
	EndReasonReconnectFailed
	// EndReasonDropped установленный звонок оборвался
	EndReasonDropped
	// EndReasonError ошибка коллаборатора
	EndReasonError
	// EndReasonTimeout таймаут
	EndReasonTimeout
	// EndReasonRetryLimit превышен лимит повторных disconnect
	EndReasonRetryLimit
)

var endReasonNames = map[EndReason]string{
	EndReasonNone:            "none",
	EndReasonHangup:          "user hangup",
	EndReasonReconnectFailed: "reconnect failed",
	EndReasonDropped:         "call dropped",
	EndReasonError:           "error",
	EndReasonTimeout:         "timeout",
	EndReasonRetryLimit:      "disconnect retry limit",
}

func (r EndReason) String() string {
	if name, ok := endReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EndReason(%d)", int(r))
}

// Directive действие для коллаборатора.
// Reason и Cause заполняются только для директив завершения.
type Directive struct {
	Kind   DirectiveKind
	Reason EndReason
	Cause  error
}

func (d Directive) String() string {
	if d.Reason == EndReasonNone {
		return d.Kind.String()
	}
	if d.Cause != nil {
		return fmt.Sprintf("%s(%s: %v)", d.Kind, d.Reason, d.Cause)
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Reason)
}
