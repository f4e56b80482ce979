package auth

import (
	"context"
	"crypto/subtle"

	"go.uber.org/zap"

	"github.com/bbockelm/linkauth/protocols"
)

// papEngine runs PAP in both directions. It is only touched from the
// session's serialized context.
type papEngine struct {
	s *Session

	// gen invalidates background lookups started before the last stop
	gen uint64

	selfActive bool
	reqID      uint8
	nextID     uint8

	peerActive bool
	pending    bool
}

func (p *papEngine) start(dir Direction) {
	switch dir {
	case SelfToPeer:
		p.selfActive = true
		p.nextID++
		p.reqID = p.nextID
		cfg := p.s.cfg
		if err := p.s.peer.SendPAPRequest(p.reqID, cfg.Authname, cfg.Password); err != nil {
			p.s.logger.Warn("PAP: failed to send request", zap.Error(err))
		}
	case PeerToSelf:
		p.peerActive = true
		p.pending = false
	}
}

func (p *papEngine) stop() {
	p.selfActive = false
	p.peerActive = false
	p.pending = false
	p.gen++
}

func (p *papEngine) handleRequest(id uint8, name, password string) {
	logger := p.s.logger.With(zap.String("proto", "PAP"), zap.String("authname", name))

	if !p.peerActive {
		logger.Info("PAP: request not expected")
		p.sendResult(id, false, FailMessage(protocols.PAP, 0, NotExpected, ""))
		return
	}
	if p.pending {
		logger.Debug("PAP: request retransmitted while lookup in progress")
		return
	}
	p.pending = true

	gen := p.gen
	p.s.background(func(ctx context.Context) func() {
		data, err := p.s.lookupPeer(ctx, name)
		return func() { p.checkRequest(gen, id, password, data, err) }
	})
}

func (p *papEngine) checkRequest(gen uint64, id uint8, password string, data *AuthData, err error) {
	if gen != p.gen || !p.peerActive {
		return
	}
	p.pending = false
	p.peerActive = false

	if err == nil && subtle.ConstantTimeCompare([]byte(data.Password), []byte(password)) != 1 {
		err = failf(InvalidLogin, "wrong password for %q", data.Authname)
	}

	ok := err == nil
	if ok {
		p.sendResult(id, true, MsgWelcome)
	} else {
		p.s.logger.Info("PAP: peer authentication failed",
			zap.String("authname", data.Authname), zap.Error(err))
		p.sendResult(id, false, p.s.failMessage(protocols.PAP, 0, err))
	}
	p.s.Finish(PeerToSelf, ok, data)
}

func (p *papEngine) sendResult(id uint8, ok bool, msg string) {
	if err := p.s.peer.SendPAPResult(id, ok, msg); err != nil {
		p.s.logger.Warn("PAP: failed to send result", zap.Error(err))
	}
}

func (p *papEngine) handleResult(id uint8, ok bool, msg string) {
	if !p.selfActive {
		p.s.logger.Debug("PAP: result not expected", zap.Uint8("id", id))
		return
	}
	if id != p.reqID {
		p.s.logger.Debug("PAP: result for stale request", zap.Uint8("id", id), zap.Uint8("want", p.reqID))
		return
	}
	p.selfActive = false
	if !ok {
		p.s.logger.Info("PAP: peer rejected us", zap.String("message", msg))
	}
	p.s.Finish(SelfToPeer, ok, nil)
}
