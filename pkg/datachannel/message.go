// Package datachannel кодирует управляющие сообщения звонка, которые
// передаются по data channel "signaling" после установления ICE.
package datachannel

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/arzzra/callstate/pkg/call"
)

// MaxMessageSize предельный размер закодированного сообщения
const MaxMessageSize = 1024

var (
	// ErrUnknownMessage неизвестный тип сообщения
	ErrUnknownMessage = errors.New("unknown data channel message type")

	// ErrMessageTooLarge сообщение больше MaxMessageSize
	ErrMessageTooLarge = errors.New("data channel message too large")

	// ErrCallMismatch сообщение относится к другому звонку
	ErrCallMismatch = errors.New("data channel message for another call")

	// ErrWrongLabel канал не является каналом сигнализации звонка
	ErrWrongLabel = errors.New("not a call signaling channel")
)

// MessageType тип управляющего сообщения
type MessageType uint8

const (
	// MessageAccepted вызываемая сторона приняла звонок
	MessageAccepted MessageType = iota + 1
	// MessageHangup удаленная сторона завершает звонок
	MessageHangup
	// MessagePing проверка канала, состояние звонка не меняет
	MessagePing
)

func (t MessageType) String() string {
	switch t {
	case MessageAccepted:
		return "accepted"
	case MessageHangup:
		return "hangup"
	case MessagePing:
		return "ping"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message конверт управляющего сообщения.
// CallID 0 допустим: идентификаторы звонков занимают весь диапазон uint64.
type Message struct {
	Type   MessageType
	CallID call.CallID
	Reason string
}

// wireMessage представление Message на проводе, call_id обязателен
type wireMessage struct {
	Type   MessageType  `cbor:"type"`
	CallID *call.CallID `cbor:"call_id"`
	Reason string       `cbor:"reason,omitempty"`
}

// Accepted сообщение о принятии звонка
func Accepted(id call.CallID) Message {
	return Message{Type: MessageAccepted, CallID: id}
}

// Hangup сообщение о завершении звонка
func Hangup(id call.CallID, reason string) Message {
	return Message{Type: MessageHangup, CallID: id, Reason: reason}
}

// Ping проверочное сообщение
func Ping(id call.CallID) Message {
	return Message{Type: MessagePing, CallID: id}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("datachannel: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("datachannel: cbor decoder: %v", err))
	}
}

// Validate проверяет сообщение
func (m Message) Validate() error {
	switch m.Type {
	case MessageAccepted, MessageHangup, MessagePing:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(m.Type))
	}
	return nil
}

// Encode кодирует сообщение в детерминированный CBOR
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	id := m.CallID
	raw, err := encMode.Marshal(wireMessage{Type: m.Type, CallID: &id, Reason: m.Reason})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	if len(raw) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(raw))
	}
	return raw, nil
}

// Decode разбирает сообщение
func Decode(raw []byte) (Message, error) {
	if len(raw) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(raw))
	}
	var w wireMessage
	if err := decMode.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("failed to decode data channel message: %w", err)
	}
	m := Message{Type: w.Type, Reason: w.Reason}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	if w.CallID == nil {
		return Message{}, fmt.Errorf("%s message without call id", m.Type)
	}
	m.CallID = *w.CallID
	return m, nil
}

// ValidateLabel проверяет, что канал с такой меткой несет сигнализацию звонка
func ValidateLabel(label string) error {
	if label != call.DataChannelName {
		return fmt.Errorf("%w: %q", ErrWrongLabel, label)
	}
	return nil
}

// EventFor переводит сообщение звонка id в событие.
// ok == false для сообщений, не меняющих состояние.
func EventFor(m Message, id call.CallID) (call.Event, bool, error) {
	if m.CallID != id {
		return call.Event{}, false, fmt.Errorf("%w: got %s, want %s", ErrCallMismatch, m.CallID, id)
	}
	switch m.Type {
	case MessageAccepted:
		return call.NewEvent(call.EventCallAccepted), true, nil
	case MessageHangup:
		return call.NewEvent(call.EventHangup), true, nil
	case MessagePing:
		return call.Event{}, false, nil
	}
	return call.Event{}, false, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(m.Type))
}

// MessageFor строит сообщение для директивы, если директива передается
// по data channel
func MessageFor(id call.CallID, d call.Directive) (Message, bool) {
	switch d.Kind {
	case call.DirectiveSendAccepted:
		return Accepted(id), true
	case call.DirectiveTeardownTransport:
		return Hangup(id, ""), true
	}
	return Message{}, false
}
