package signaling

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/callstate/pkg/call"
)

const (
	// DataChannelFormat формат application секции для WebRTC data channel
	DataChannelFormat = "webrtc-datachannel"

	// DefaultSCTPPort порт SCTP ассоциации по умолчанию
	DefaultSCTPPort = 5000
)

var (
	// ErrNoDataChannel в описании нет application секции data channel
	ErrNoDataChannel = errors.New("session description has no webrtc-datachannel section")

	// ErrWrongChannelLabel секция data channel с чужой меткой
	ErrWrongChannelLabel = errors.New("data channel label mismatch")
)

// OfferConfig параметры локального описания сессии
type OfferConfig struct {
	Host      string
	SCTPPort  int
	Setup     string // actpass | active | passive
	SessionID uint64
}

// BuildDescription создает описание сессии с одной application секцией
// data channel, помеченной call.DataChannelName
func BuildDescription(cfg OfferConfig) ([]byte, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.SCTPPort == 0 {
		cfg.SCTPPort = DefaultSCTPPort
	}
	if cfg.Setup == "" {
		cfg.Setup = "actpass"
	}
	if cfg.SessionID == 0 {
		cfg.SessionID = uint64(time.Now().Unix())
	}

	ufrag := strings.ReplaceAll(uuid.NewString(), "-", "")

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      cfg.SessionID,
			SessionVersion: cfg.SessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: cfg.Host,
		},
		SessionName: sdp.SessionName("-"),
		TimeDescriptions: []sdp.TimeDescription{
			{
				Timing: sdp.Timing{
					StartTime: 0,
					StopTime:  0,
				},
			},
		},
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "application",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "DTLS", "SCTP"},
			Formats: []string{DataChannelFormat},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: cfg.Host},
		},
	}
	media.Attributes = []sdp.Attribute{
		sdp.NewAttribute("ice-ufrag", ufrag[:8]),
		sdp.NewAttribute("ice-pwd", ufrag[8:]),
		sdp.NewAttribute("setup", cfg.Setup),
		sdp.NewAttribute("mid", "0"),
		sdp.NewAttribute("sctp-port", strconv.Itoa(cfg.SCTPPort)),
		sdp.NewAttribute("label", call.DataChannelName),
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{media}

	return desc.Marshal()
}

// ParseDescription разбирает и проверяет описание сессии
func ParseDescription(raw []byte) (*sdp.SessionDescription, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("failed to parse session description: %w", err)
	}
	if err := ValidateDescription(desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// ValidateDescription проверяет наличие секции data channel с меткой signaling
func ValidateDescription(desc *sdp.SessionDescription) error {
	for _, media := range desc.MediaDescriptions {
		if media.MediaName.Media != "application" || !hasFormat(media, DataChannelFormat) {
			continue
		}
		label, ok := media.Attribute("label")
		if !ok {
			// метка не обязательна, канал согласуется по умолчанию
			return nil
		}
		if label != call.DataChannelName {
			return fmt.Errorf("%w: got %q, want %q", ErrWrongChannelLabel, label, call.DataChannelName)
		}
		return nil
	}
	return ErrNoDataChannel
}

func hasFormat(media *sdp.MediaDescription, format string) bool {
	for _, f := range media.MediaName.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// DescriptionTracker отслеживает установку локального и удаленного описания
// одного звонка и один раз сообщает LocalAndRemoteDescriptionsSet.
type DescriptionTracker struct {
	mu       sync.Mutex
	local    *sdp.SessionDescription
	remote   *sdp.SessionDescription
	reported bool
}

// NewDescriptionTracker создает трекер
func NewDescriptionTracker() *DescriptionTracker {
	return &DescriptionTracker{}
}

// SetLocal устанавливает локальное описание. Возвращает событие, если
// теперь установлены оба описания.
func (t *DescriptionTracker) SetLocal(raw []byte) (call.Event, bool, error) {
	desc, err := ParseDescription(raw)
	if err != nil {
		return call.Event{}, false, fmt.Errorf("local: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = desc
	return t.check()
}

// SetRemote устанавливает удаленное описание
func (t *DescriptionTracker) SetRemote(raw []byte) (call.Event, bool, error) {
	desc, err := ParseDescription(raw)
	if err != nil {
		return call.Event{}, false, fmt.Errorf("remote: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = desc
	return t.check()
}

// Remote возвращает удаленное описание
func (t *DescriptionTracker) Remote() *sdp.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Complete true, если оба описания установлены
func (t *DescriptionTracker) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local != nil && t.remote != nil
}

func (t *DescriptionTracker) check() (call.Event, bool, error) {
	if t.local == nil || t.remote == nil || t.reported {
		return call.Event{}, false, nil
	}
	t.reported = true
	return call.NewEvent(call.EventDescriptionsSet), true, nil
}
