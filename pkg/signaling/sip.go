// Package signaling переводит SIP сигнализацию и описания сессии
// в события звонка и директивы звонка в SIP сообщения.
package signaling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/callstate/pkg/call"
)

// ContentTypeSDP тип тела с описанием сессии
const ContentTypeSDP = "application/sdp"

var (
	// ErrBadCallID Call-ID не в формате "<16 hex>@host"
	ErrBadCallID = errors.New("malformed call id")

	// ErrNoCallID в сообщении нет Call-ID
	ErrNoCallID = errors.New("message has no Call-ID")
)

// FormatCallID SIP Call-ID для идентификатора звонка
func FormatCallID(id call.CallID, host string) string {
	return fmt.Sprintf("%s@%s", id, host)
}

// ParseCallID разбирает Call-ID, созданный FormatCallID
func ParseCallID(value string) (call.CallID, error) {
	local, _, _ := strings.Cut(value, "@")
	if len(local) != 16 {
		return 0, fmt.Errorf("%w: %q", ErrBadCallID, value)
	}
	id, err := strconv.ParseUint(local, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrBadCallID, value, err)
	}
	return call.CallID(id), nil
}

// CallIDFromHeader извлекает идентификатор звонка из заголовка Call-ID
func CallIDFromHeader(h *sip.CallIDHeader) (call.CallID, error) {
	if h == nil {
		return 0, ErrNoCallID
	}
	return ParseCallID(h.Value())
}

// SIPTranslator строит SIP сообщения для директив и переводит входящие
// SIP сообщения в события звонка. Не отправляет сообщения сам.
type SIPTranslator struct {
	// Local адрес локального пользователя (From, Contact)
	Local sip.Uri
	// Host часть Call-ID после '@'
	Host string
	// UserAgent значение заголовка User-Agent, пустое не добавляется
	UserAgent string
}

// NewSIPTranslator создает транслятор для локального адреса
func NewSIPTranslator(local sip.Uri) *SIPTranslator {
	return &SIPTranslator{Local: local, Host: local.Host}
}

// BuildOffer INVITE с локальным описанием сессии (директива SendOffer)
func (t *SIPTranslator) BuildOffer(id call.CallID, to sip.Uri, sdp []byte) *sip.Request {
	req := t.newRequest(sip.INVITE, id, to, 1)
	req.AppendHeader(&sip.ContactHeader{Address: t.Local})

	ct := sip.ContentTypeHeader(ContentTypeSDP)
	req.AppendHeader(&ct)
	req.SetBody(sdp)
	return req
}

// BuildAnswer 200 OK на INVITE с локальным описанием сессии (директива SendAnswer)
func (t *SIPTranslator) BuildAnswer(invite *sip.Request, sdp []byte) *sip.Response {
	res := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)

	if to := res.To(); to != nil {
		if _, ok := to.Params["tag"]; !ok {
			to.Params["tag"] = newTag()
		}
	}
	res.AppendHeader(&sip.ContactHeader{Address: t.Local})

	ct := sip.ContentTypeHeader(ContentTypeSDP)
	res.AppendHeader(&ct)
	res.SetBody(sdp)
	return res
}

// BuildBye BYE для завершения звонка (директива TeardownTransport)
func (t *SIPTranslator) BuildBye(id call.CallID, to sip.Uri, cseq uint32) *sip.Request {
	return t.newRequest(sip.BYE, id, to, cseq)
}

func (t *SIPTranslator) newRequest(method sip.RequestMethod, id call.CallID, to sip.Uri, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, to)

	callID := sip.CallIDHeader(FormatCallID(id, t.Host))
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.FromHeader{
		Address: t.Local,
		Params:  sip.HeaderParams{"tag": newTag()},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: to,
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      cseq,
		MethodName: method,
	})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            t.Local.Host,
		Port:            t.Local.Port,
		Params:          sip.NewParams().Add("branch", "z9hG4bK"+newTag()),
	})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	if t.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", t.UserAgent))
	}
	return req
}

// EventForRequest переводит входящий запрос в событие звонка.
// ok == false означает, что запрос не влияет на состояние звонка.
func EventForRequest(req *sip.Request) (call.CallID, call.Event, bool, error) {
	id, err := CallIDFromHeader(req.CallID())
	if err != nil {
		return 0, call.Event{}, false, err
	}

	switch req.Method {
	case sip.INVITE:
		return id, call.NewEvent(call.EventRemoteOfferReceived), true, nil
	case sip.BYE, sip.CANCEL:
		return id, call.NewEvent(call.EventHangup), true, nil
	}
	return id, call.Event{}, false, nil
}

// EventForResponse переводит ответ на INVITE в событие звонка.
// Успешный ответ несет удаленное описание и обрабатывается DescriptionTracker,
// события он не дает. Отказ завершает звонок.
func EventForResponse(res *sip.Response) (call.CallID, call.Event, bool, error) {
	id, err := CallIDFromHeader(res.CallID())
	if err != nil {
		return 0, call.Event{}, false, err
	}

	if cseq := res.CSeq(); cseq == nil || cseq.MethodName != sip.INVITE {
		return id, call.Event{}, false, nil
	}

	code := res.StatusCode
	switch {
	case code < 300:
		return id, call.Event{}, false, nil
	case code == 408:
		return id, call.FailureEvent(call.EventTimeout, remoteFailure(res)), true, nil
	case code == 486 || code == 487 || code == 600 || code == 603:
		// занято, отменено или отклонено: штатное завершение
		return id, call.NewEvent(call.EventHangup), true, nil
	default:
		return id, call.FailureEvent(call.EventError, remoteFailure(res)), true, nil
	}
}

// RemoteError отказ удаленной стороны
type RemoteError struct {
	StatusCode int
	Reason     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote rejected call: %d %s", e.StatusCode, e.Reason)
}

func remoteFailure(res *sip.Response) error {
	return &RemoteError{StatusCode: int(res.StatusCode), Reason: res.Reason}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
