package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/callstate/pkg/call"
)

// ErrMediaTimeout медиа не приходило дольше TimeoutAfter
var ErrMediaTimeout = errors.New("no media received")

// LivenessConfig пороги тишины входящего RTP
type LivenessConfig struct {
	// DisconnectAfter тишина, после которой сообщается IceDisconnected
	DisconnectAfter time.Duration
	// TimeoutAfter тишина, после которой сообщается Timeout
	TimeoutAfter time.Duration
}

// DefaultLivenessConfig возвращает пороги по умолчанию
func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		DisconnectAfter: 2 * time.Second,
		TimeoutAfter:    15 * time.Second,
	}
}

// Validate проверяет пороги
func (c LivenessConfig) Validate() error {
	if c.DisconnectAfter <= 0 {
		return fmt.Errorf("disconnect threshold must be positive, got %s", c.DisconnectAfter)
	}
	if c.TimeoutAfter <= c.DisconnectAfter {
		return fmt.Errorf("timeout threshold %s must exceed disconnect threshold %s",
			c.TimeoutAfter, c.DisconnectAfter)
	}
	return nil
}

// LivenessStats статистика входящего потока
type LivenessStats struct {
	SSRC     uint32
	Packets  uint64
	Lost     uint64
	LastSeen time.Time
}

// LivenessMonitor следит за входящим RTP одного звонка.
// Время передается явно, поэтому монитор не держит таймеров;
// вызывающий периодически вызывает Check.
type LivenessMonitor struct {
	mu  sync.Mutex
	cfg LivenessConfig

	lastSeen time.Time
	ssrc     uint32
	lastSeq  uint16
	seqValid bool
	packets  uint64
	lost     uint64

	disconnectReported bool
	timeoutReported    bool
}

// NewLivenessMonitor создает монитор; отсчет тишины начинается со start
func NewLivenessMonitor(cfg LivenessConfig, start time.Time) (*LivenessMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LivenessMonitor{cfg: cfg, lastSeen: start}, nil
}

// Observe учитывает входящий RTP пакет
func (m *LivenessMonitor) Observe(raw []byte, at time.Time) error {
	packet := &rtp.Packet{}
	if err := packet.Unmarshal(raw); err != nil {
		return fmt.Errorf("invalid rtp packet: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if packet.SSRC != m.ssrc {
		// новый источник, нумерация начинается заново
		m.ssrc = packet.SSRC
		m.seqValid = false
	}

	if m.seqValid {
		gap := packet.SequenceNumber - m.lastSeq
		if gap > 1 && gap < 0x8000 {
			m.lost += uint64(gap - 1)
		}
		if gap != 0 && gap < 0x8000 {
			m.lastSeq = packet.SequenceNumber
		}
	} else {
		m.lastSeq = packet.SequenceNumber
		m.seqValid = true
	}

	m.packets++
	if at.After(m.lastSeen) {
		m.lastSeen = at
	}

	// медиа вернулось, следующая тишина снова будет сообщена
	m.disconnectReported = false
	return nil
}

// Check сообщает событие, если тишина превысила порог. Каждое событие
// выдается один раз на период тишины; Timeout только один раз за звонок.
func (m *LivenessMonitor) Check(now time.Time) (call.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timeoutReported {
		return call.Event{}, false
	}

	silence := now.Sub(m.lastSeen)
	switch {
	case silence >= m.cfg.TimeoutAfter:
		m.timeoutReported = true
		return call.FailureEvent(call.EventTimeout,
			fmt.Errorf("%w for %s", ErrMediaTimeout, silence)), true

	case silence >= m.cfg.DisconnectAfter && !m.disconnectReported:
		m.disconnectReported = true
		return call.NewEvent(call.EventIceDisconnected), true
	}
	return call.Event{}, false
}

// Stats возвращает статистику потока
func (m *LivenessMonitor) Stats() LivenessStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LivenessStats{
		SSRC:     m.ssrc,
		Packets:  m.packets,
		Lost:     m.lost,
		LastSeen: m.lastSeen,
	}
}
