package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/callstate/pkg/call"
	"github.com/arzzra/callstate/pkg/datachannel"
	"github.com/arzzra/callstate/pkg/logger"
	"github.com/arzzra/callstate/pkg/manager"
	"github.com/arzzra/callstate/pkg/signaling"
	"github.com/arzzra/callstate/pkg/transport"
)

type scenarioFunc func(ctx context.Context, s *simulator) (*call.Record, error)

var scenarios = map[string]scenarioFunc{
	"outgoing":  runOutgoing,
	"incoming":  runIncoming,
	"reconnect": runReconnect,
	"illegal":   runIllegal,
}

var scenarioOrder = []string{"outgoing", "incoming", "reconnect", "illegal"}

// scenarioNames разворачивает значение флага -scenario
func scenarioNames(flagValue string) ([]string, error) {
	if flagValue == "all" {
		return scenarioOrder, nil
	}
	var names []string
	for _, name := range strings.Split(flagValue, ",") {
		name = strings.TrimSpace(name)
		if _, ok := scenarios[name]; !ok {
			return nil, fmt.Errorf("unknown scenario %q (available: %s, all)",
				name, strings.Join(scenarioOrder, ", "))
		}
		names = append(names, name)
	}
	return names, nil
}

// establishOutgoing доводит исходящий звонок до CallConnected
func establishOutgoing(ctx context.Context, s *simulator) (*call.Record, *transport.IceTracker, error) {
	id, _, err := s.mgr.StartOutgoing(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec, ok := s.mgr.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("call %s disappeared", id)
	}

	if err := s.dispatch(ctx, id, call.NewEvent(call.EventOfferSent)); err != nil {
		return rec, nil, err
	}

	// удаленная сторона отвечает 200 OK с описанием
	descriptions := signaling.NewDescriptionTracker()
	offer, err := signaling.BuildDescription(signaling.OfferConfig{Host: s.local.Host})
	if err != nil {
		return rec, nil, err
	}
	if _, _, err := descriptions.SetLocal(offer); err != nil {
		return rec, nil, err
	}
	answer, err := signaling.BuildDescription(signaling.OfferConfig{Host: s.remote.Host, Setup: "active"})
	if err != nil {
		return rec, nil, err
	}
	if ev, ok, err := descriptions.SetRemote(answer); err != nil {
		return rec, nil, err
	} else if ok {
		if err := s.dispatch(ctx, id, ev); err != nil {
			return rec, nil, err
		}
	}

	ice := transport.NewIceTracker()
	if err := iceUpdate(ctx, s, rec, ice, transport.IceConnectionStateChecking, transport.IceConnectionStateConnected); err != nil {
		return rec, ice, err
	}

	// вызываемая сторона принимает звонок по data channel
	raw, err := datachannel.Encode(datachannel.Accepted(id))
	if err != nil {
		return rec, ice, err
	}
	if err := receiveOnChannel(ctx, s, id, raw); err != nil {
		return rec, ice, err
	}
	return rec, ice, nil
}

func iceUpdate(ctx context.Context, s *simulator, rec *call.Record, ice *transport.IceTracker, states ...transport.IceConnectionState) error {
	for _, state := range states {
		events := ice.Update(state, rec.Snapshot())
		if err := s.dispatch(ctx, rec.ID(), events...); err != nil {
			return fmt.Errorf("ice %s: %w", state, err)
		}
	}
	return nil
}

func receiveOnChannel(ctx context.Context, s *simulator, id call.CallID, raw []byte) error {
	msg, err := datachannel.Decode(raw)
	if err != nil {
		return err
	}
	ev, ok, err := datachannel.EventFor(msg, id)
	if err != nil || !ok {
		return err
	}
	return s.dispatch(ctx, id, ev)
}

// runOutgoing: исходящий звонок, принят, удаленная сторона кладет трубку (BYE)
func runOutgoing(ctx context.Context, s *simulator) (*call.Record, error) {
	rec, _, err := establishOutgoing(ctx, s)
	if err != nil {
		return rec, err
	}

	bye := s.remote.BuildBye(rec.ID(), s.local.Local, 2)
	id, ev, ok, err := signaling.EventForRequest(bye)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, errors.New("BYE produced no event")
	}
	return rec, s.dispatch(ctx, id, ev)
}

// runIncoming: входящий INVITE, локальный пользователь принимает,
// удаленная сторона завершает звонок по data channel
func runIncoming(ctx context.Context, s *simulator) (*call.Record, error) {
	offer, err := signaling.BuildDescription(signaling.OfferConfig{Host: s.remote.Host})
	if err != nil {
		return nil, err
	}
	invite := s.remote.BuildOffer(manager.NewCallID(), s.local.Local, offer)

	id, _, ok, err := signaling.EventForRequest(invite)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("INVITE produced no event")
	}
	s.storeInvite(id, invite)

	if _, err := s.mgr.ReceiveOffer(ctx, id); err != nil {
		return nil, err
	}
	rec, _ := s.mgr.Get(id)

	descriptions := signaling.NewDescriptionTracker()
	if _, _, err := descriptions.SetRemote(invite.Body()); err != nil {
		return rec, err
	}

	// ICE агент соединяется раньше, чем применен локальный ответ
	ice := transport.NewIceTracker()
	if err := iceUpdate(ctx, s, rec, ice, transport.IceConnectionStateChecking, transport.IceConnectionStateCompleted); err != nil {
		return rec, err
	}

	answer, err := signaling.BuildDescription(signaling.OfferConfig{Host: s.local.Host, Setup: "active"})
	if err != nil {
		return rec, err
	}
	if ev, ok, err := descriptions.SetLocal(answer); err != nil {
		return rec, err
	} else if ok {
		if err := s.dispatch(ctx, id, ev); err != nil {
			return rec, err
		}
	}
	if err := s.dispatch(ctx, id, ice.DescriptionsSet()...); err != nil {
		return rec, err
	}

	if err := s.dispatch(ctx, id, call.NewEvent(call.EventCallAccepted)); err != nil {
		return rec, err
	}

	raw, err := datachannel.Encode(datachannel.Hangup(id, "bye"))
	if err != nil {
		return rec, err
	}
	return rec, receiveOnChannel(ctx, s, id, raw)
}

// runReconnect: установленный звонок теряет медиа, восстанавливается,
// затем теряет его снова и обрывается
func runReconnect(ctx context.Context, s *simulator) (*call.Record, error) {
	rec, ice, err := establishOutgoing(ctx, s)
	if err != nil {
		return rec, err
	}
	id := rec.ID()

	start := time.Now()
	liveness, err := transport.NewLivenessMonitor(transport.DefaultLivenessConfig(), start)
	if err != nil {
		return rec, err
	}

	var seq uint16
	feed := func(at time.Time, count int) error {
		for i := 0; i < count; i++ {
			seq++
			raw, err := (&rtp.Packet{
				Header:  rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 160, SSRC: 0x5eed},
				Payload: make([]byte, 160),
			}).Marshal()
			if err != nil {
				return err
			}
			if err := liveness.Observe(raw, at.Add(time.Duration(i)*20*time.Millisecond)); err != nil {
				return err
			}
		}
		return nil
	}
	check := func(now time.Time) error {
		if ev, ok := liveness.Check(now); ok {
			return s.dispatch(ctx, id, ev)
		}
		return nil
	}

	if err := feed(start, 50); err != nil {
		return rec, err
	}
	// первая потеря медиа, ICE агент сообщает то же самое позже
	if err := check(start.Add(4 * time.Second)); err != nil {
		return rec, err
	}
	if err := iceUpdate(ctx, s, rec, ice,
		transport.IceConnectionStateDisconnected,
		transport.IceConnectionStateChecking,
		transport.IceConnectionStateConnected); err != nil {
		return rec, err
	}

	if err := feed(start.Add(5*time.Second), 50); err != nil {
		return rec, err
	}
	if err := check(start.Add(9 * time.Second)); err != nil {
		return rec, err
	}
	if err := iceUpdate(ctx, s, rec, ice,
		transport.IceConnectionStateDisconnected,
		transport.IceConnectionStateFailed); err != nil {
		return rec, err
	}

	stats := liveness.Stats()
	s.log.Info(ctx, "media stats",
		logger.CallIDField(id),
		logger.Any("packets", stats.Packets),
		logger.Any("lost", stats.Lost))
	return rec, nil
}

// runIllegal: события, которые машина обязана отклонить
func runIllegal(ctx context.Context, s *simulator) (*call.Record, error) {
	id := manager.NewCallID()
	rec, err := s.mgr.Create(id, call.Incoming)
	if err != nil {
		return nil, err
	}

	rejected := []call.Event{
		call.NewEvent(call.EventStartOutgoing), // не то направление
		call.NewEvent(call.EventIceConnected),  // описания не установлены
		call.NewEvent(call.EventCallAccepted),
	}
	for _, ev := range rejected {
		_, err := s.mgr.Dispatch(ctx, id, ev)
		switch {
		case err == nil:
			return rec, fmt.Errorf("event %s unexpectedly accepted in %s", ev, rec.State())
		case call.IsIllegalTransition(err):
			s.log.Info(ctx, "event rejected as expected", logger.EventField(ev), logger.Err(err))
		default:
			return rec, err
		}
		if call.IsTerminal(rec.State()) {
			// сработал лимит недопустимых событий
			return rec, nil
		}
	}

	if err := s.dispatch(ctx, id, call.NewEvent(call.EventHangup)); err != nil {
		return rec, err
	}
	// запись могла быть уже освобождена после доставки директив завершения
	_, err = s.mgr.Dispatch(ctx, id, call.NewEvent(call.EventHangup))
	if !call.IsAlreadyTerminating(err) && !errors.Is(err, call.ErrUnknownCall) {
		return rec, fmt.Errorf("expected rejection after termination, got %v", err)
	}
	return rec, nil
}
