package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/callstate/pkg/call"
	"github.com/arzzra/callstate/pkg/datachannel"
	"github.com/arzzra/callstate/pkg/logger"
	"github.com/arzzra/callstate/pkg/manager"
	"github.com/arzzra/callstate/pkg/signaling"
)

// simulator играет роль коллабораторов звонка: строит SIP сообщения и
// сообщения data channel для директив и подает события в менеджер.
// Сеть не используется, сообщения только логируются.
type simulator struct {
	mgr    *manager.Manager
	local  *signaling.SIPTranslator
	remote *signaling.SIPTranslator
	log    logger.StructuredLogger

	mu      sync.Mutex
	invites map[call.CallID]*sip.Request
	handled map[call.CallID][]call.DirectiveKind
}

func newSimulator(log logger.StructuredLogger) *simulator {
	local := signaling.NewSIPTranslator(sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.1", Port: 5060})
	local.UserAgent = "callsim"
	remote := signaling.NewSIPTranslator(sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060})
	remote.UserAgent = "callsim-peer"

	return &simulator{
		local:   local,
		remote:  remote,
		log:     log.WithComponent("simulator"),
		invites: make(map[call.CallID]*sip.Request),
		handled: make(map[call.CallID][]call.DirectiveKind),
	}
}

// HandleDirective реализует manager.DirectiveHandler
func (s *simulator) HandleDirective(ctx context.Context, id call.CallID, d call.Directive) error {
	s.mu.Lock()
	s.handled[id] = append(s.handled[id], d.Kind)
	s.mu.Unlock()

	log := s.log.WithFields(logger.CallIDField(id), logger.DirectiveField(d))

	switch d.Kind {
	case call.DirectiveSendOffer:
		offer, err := signaling.BuildDescription(signaling.OfferConfig{Host: s.local.Host})
		if err != nil {
			return fmt.Errorf("build offer: %w", err)
		}
		req := s.local.BuildOffer(id, s.remote.Local, offer)
		log.Info(ctx, "INVITE sent",
			logger.String("sip_call_id", req.CallID().Value()),
			logger.Int("sdp_bytes", len(offer)))

	case call.DirectiveSendAnswer:
		s.mu.Lock()
		invite := s.invites[id]
		s.mu.Unlock()
		if invite == nil {
			return fmt.Errorf("no INVITE stored for call %s", id)
		}
		answer, err := signaling.BuildDescription(signaling.OfferConfig{Host: s.local.Host, Setup: "active"})
		if err != nil {
			return fmt.Errorf("build answer: %w", err)
		}
		res := s.local.BuildAnswer(invite, answer)
		log.Info(ctx, "answer sent",
			logger.Int("status", int(res.StatusCode)),
			logger.Int("sdp_bytes", len(answer)))

	case call.DirectiveTeardownTransport:
		bye := s.local.BuildBye(id, s.remote.Local, 2)
		log.Info(ctx, "BYE sent", logger.String("sip_call_id", bye.CallID().Value()))
		return s.sendOnChannel(ctx, log, id, d)

	case call.DirectiveSendAccepted:
		return s.sendOnChannel(ctx, log, id, d)

	case call.DirectiveRestartIce:
		log.Info(ctx, "ICE restart requested")

	default:
		log.Info(ctx, "notification")
	}
	return nil
}

func (s *simulator) sendOnChannel(ctx context.Context, log logger.StructuredLogger, id call.CallID, d call.Directive) error {
	msg, ok := datachannel.MessageFor(id, d)
	if !ok {
		return nil
	}
	raw, err := datachannel.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	log.Debug(ctx, "data channel message sent",
		logger.String("message", msg.Type.String()),
		logger.Int("bytes", len(raw)))
	return nil
}

func (s *simulator) storeInvite(id call.CallID, invite *sip.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[id] = invite
}

// handledKinds директивы, доставленные для звонка
func (s *simulator) handledKinds(id call.CallID) []call.DirectiveKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call.DirectiveKind(nil), s.handled[id]...)
}

// dispatch подает события по порядку. Отклоненное событие прерывает цепочку.
func (s *simulator) dispatch(ctx context.Context, id call.CallID, events ...call.Event) error {
	for _, ev := range events {
		if _, err := s.mgr.Dispatch(ctx, id, ev); err != nil {
			return err
		}
	}
	return nil
}
