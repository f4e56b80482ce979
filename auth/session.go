// Copyright 2025 Morgridge Institute for Research
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/PelicanPlatform/classad/classad"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bbockelm/linkauth/protocols"
)

// notifyTimeout bounds the post-authentication notification hook
const notifyTimeout = 30 * time.Second

// Negotiated carries what the link's option negotiation agreed on
type Negotiated struct {
	SelfToPeer protocols.Protocol // what the peer wants us to do
	PeerToSelf protocols.Protocol // what we want the peer to do
	RecvAlg    protocols.ChapAlg  // CHAP algorithm for peer-to-self
	XmitAlg    protocols.ChapAlg  // CHAP algorithm for self-to-peer
}

// SessionConfig holds the collaborators of a Session
type SessionConfig struct {
	// Name identifies the link in logs and results
	Name string

	Config   *Config
	Resolver *Resolver
	Policy   *Policy

	Link Link
	Peer PeerWriter

	// Timer defaults to a timer backed by time.AfterFunc
	Timer Timer

	// Notifier defaults to running the external command with -y/-n
	Notifier Notifier

	// Publisher is optional
	Publisher ResultPublisher

	Logger *zap.Logger
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeSuccess
	outcomeFailure
)

// Session is the authentication phase of one link.
//
// Every input (Start, Finish, Stop, timer expiry, peer messages and the
// completion of background credential lookups) is queued and applied by a
// single goroutine at a time, so engine state is never touched
// concurrently. Calls made from inside a callback are queued and run after
// the current event.
type Session struct {
	id       string
	name     string
	cfg      *Config
	resolver *Resolver
	policy   *Policy
	link     Link
	peer     PeerWriter
	timer    Timer
	notifier Notifier
	pub      ResultPublisher
	logger   *zap.Logger

	// spawn runs background work such as external password lookups
	spawn func(func())

	mu       sync.Mutex
	queue    []event
	running  bool
	m        machine
	identity PeerIdentity
	outcome  outcome

	// owned by the goroutine draining the queue
	ctx     context.Context
	cancel  context.CancelFunc
	recvAlg protocols.ChapAlg
	xmitAlg protocols.ChapAlg
	held    bool // a success was published and not yet closed
	pap     *papEngine
	chap    *chapEngine
}

// NewSession creates the authentication phase for a link
func NewSession(sc SessionConfig) *Session {
	logger := sc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := sc.Config
	if cfg == nil {
		cfg = &Config{}
	}

	s := &Session{
		id:       uuid.New().String(),
		name:     sc.Name,
		cfg:      cfg,
		resolver: sc.Resolver,
		policy:   sc.Policy,
		link:     sc.Link,
		peer:     sc.Peer,
		timer:    sc.Timer,
		notifier: sc.Notifier,
		pub:      sc.Publisher,
		spawn:    func(fn func()) { go fn() },
	}
	s.logger = logger.With(zap.String("session", s.id), zap.String("link", sc.Name))

	if s.resolver == nil {
		s.resolver = NewResolver(cfg, nil, WithResolverLogger(logger))
	}
	if s.policy == nil {
		s.policy = NewPolicy(cfg.MaxLogins, nil, logger)
	}
	if s.timer == nil {
		s.timer = NewTimer()
	}
	if s.notifier == nil {
		s.notifier = NewExec(logger)
	}
	if s.link == nil {
		s.link = LinkFunc(func(bool) {})
	}
	s.pap = &papEngine{s: s}
	s.chap = &chapEngine{s: s}
	return s
}

// ID returns the unique id of the session
func (s *Session) ID() string {
	return s.id
}

// Name returns the link name
func (s *Session) Name() string {
	return s.name
}

// Start begins authentication with the negotiated protocols. If nothing
// was negotiated the link is told of success before Start returns.
//
// Calling Start while an attempt is still negotiating abandons that
// attempt: it is stopped and never reported, and only the new attempt
// reaches the link. A previous successful attempt is closed with the
// publisher first.
func (s *Session) Start(n Negotiated) {
	s.dispatch(callEvent{fn: func() {
		s.recvAlg = n.RecvAlg
		s.xmitAlg = n.XmitAlg
	}})
	s.dispatch(startEvent{selfToPeer: n.SelfToPeer, peerToSelf: n.PeerToSelf})
}

// Finish is called by an engine exactly once per direction when the
// exchange for that direction has concluded.
func (s *Session) Finish(dir Direction, ok bool, data *AuthData) {
	s.dispatch(finishEvent{dir: dir, ok: ok, data: data})
}

// Stop disarms the timer and stops both engines. It never reports to the
// link, is safe to call at any time and leaves the session ready for
// another Start. If the link had authenticated, the publisher is told the
// session closed so its login no longer counts against MaxLogins.
func (s *Session) Stop() {
	s.dispatch(stopEvent{})
}

// InProgress reports whether either direction is still pending
func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.phase == phaseNegotiating && s.m.inProgress()
}

// PeerIdentity returns what a successful peer-to-self authentication
// recorded. The zero value means the peer has not authenticated.
func (s *Session) PeerIdentity() PeerIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// ResultAd summarizes the session as a ClassAd
func (s *Session) ResultAd() *classad.ClassAd {
	s.mu.Lock()
	ident := s.identity
	out := s.outcome
	s.mu.Unlock()

	ad := classad.New()
	switch out {
	case outcomeSuccess:
		_ = ad.Set("ReturnCode", "AUTHORIZED")
	case outcomeFailure:
		_ = ad.Set("ReturnCode", "DENIED")
	default:
		_ = ad.Set("ReturnCode", "PENDING")
	}
	_ = ad.Set("Sid", s.id)
	if s.name != "" {
		_ = ad.Set("Link", s.name)
	}
	if ident.Authname != "" {
		_ = ad.Set("User", ident.Authname)
	}
	if ident.RangeValid {
		_ = ad.Set("PeerAllow", ident.Allow.String())
	}
	return ad
}

func (s *Session) dispatch(ev event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		var effs []effect
		s.m, effs = s.m.step(next)
		s.mu.Unlock()
		s.apply(effs)
		s.mu.Lock()
	}
	s.queue = nil
	s.running = false
	s.mu.Unlock()
}

func (s *Session) apply(effs []effect) {
	for _, eff := range effs {
		switch eff := eff.(type) {
		case effBegin:
			if s.cancel != nil {
				s.cancel()
			}
			s.ctx, s.cancel = context.WithCancel(context.Background())
			s.mu.Lock()
			s.identity = PeerIdentity{}
			s.outcome = outcomePending
			s.mu.Unlock()
			s.logger.Info("auth: starting",
				zap.String("peer_wants", protocols.GetProtocolName(eff.selfToPeer)),
				zap.String("i_want", protocols.GetProtocolName(eff.peerToSelf)))

		case effArmTimer:
			attempt := eff.attempt
			s.timer.Stop()
			s.timer.Start(s.cfg.timeout(), func() {
				s.dispatch(timeoutEvent{attempt: attempt})
			})

		case effStartEngine:
			switch eff.proto {
			case protocols.PAP:
				s.pap.start(eff.dir)
			case protocols.CHAP:
				s.chap.start(eff.dir)
			default:
				panic("auth: no engine for protocol " + eff.proto.String())
			}

		case effStopAll:
			s.timer.Stop()
			s.pap.stop()
			s.chap.stop()
			if s.cancel != nil {
				s.cancel()
				s.cancel = nil
			}

		case effRelease:
			s.release()

		case effRecordPeer:
			s.mu.Lock()
			s.identity = PeerIdentity{
				Authname:   eff.data.Authname,
				Allow:      eff.data.Range,
				RangeValid: eff.data.RangeValid,
			}
			s.mu.Unlock()

		case effNotify:
			s.notify(eff.data, eff.ok)

		case effReport:
			s.report(eff.ok)

		case effTimedOut:
			s.logger.Warn("authorization timer expired", zap.Duration("timeout", s.cfg.timeout()))

		case effIgnoredFinish:
			s.logger.Error("ignoring authentication finish",
				zap.Stringer("direction", eff.dir), zap.String("reason", eff.reason))

		case effCall:
			eff.fn()
		}
	}
}

func (s *Session) notify(data *AuthData, ok bool) {
	command, authname := data.ExtCmd, data.Authname
	notifier := s.notifier
	logger := s.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := notifier.Notify(ctx, command, authname, ok); err != nil {
			logger.Warn("external auth notification failed",
				zap.String("authname", authname), zap.Error(err))
		}
	}()
}

func (s *Session) report(ok bool) {
	s.mu.Lock()
	if ok {
		s.outcome = outcomeSuccess
	} else {
		s.outcome = outcomeFailure
	}
	ident := s.identity
	s.mu.Unlock()

	if ok {
		s.logger.Info("authentication succeeded", zap.String("peer", ident.Authname))
	} else {
		s.logger.Info("authentication failed")
	}

	if s.pub != nil {
		result := Result{
			SessionID: s.id,
			Link:      s.name,
			Authname:  ident.Authname,
			Success:   ok,
			At:        time.Now(),
		}
		if ident.RangeValid {
			result.Allow = ident.Allow.String()
		}
		if err := s.pub.PublishResult(context.Background(), result); err != nil {
			s.logger.Warn("failed to publish authentication result", zap.Error(err))
		}
		s.held = ok
	}

	s.link.AuthResult(ok)
}

func (s *Session) release() {
	if !s.held {
		return
	}
	s.held = false
	closer, ok := s.pub.(SessionCloser)
	if !ok {
		return
	}
	if err := closer.CloseSession(context.Background(), s.id); err != nil {
		s.logger.Warn("failed to close session", zap.Error(err))
	}
}

// background runs work off the session goroutine and delivers done back
// into it. The context is cancelled when the attempt stops.
func (s *Session) background(work func(ctx context.Context) func()) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.spawn(func() {
		done := work(ctx)
		s.dispatch(callEvent{fn: done})
	})
}

// lookupPeer resolves and checks an inbound identity
func (s *Session) lookupPeer(ctx context.Context, name string) (*AuthData, error) {
	data, err := s.resolver.Resolve(ctx, name, true)
	if err != nil {
		return data, err
	}
	if err := s.policy.CheckMaxLogins(ctx, data.Authname, true); err != nil {
		return data, err
	}
	return data, nil
}

// lookupSelf finds the secret we use to authenticate to the peer
func (s *Session) lookupSelf(ctx context.Context) (*AuthData, error) {
	return s.resolver.Resolve(ctx, s.cfg.Authname, true)
}

func (s *Session) failMessage(proto protocols.Protocol, alg protocols.ChapAlg, err error) string {
	return FailMessage(proto, alg, ReasonOf(err), s.cfg.MSCHAPError)
}

// PAPRequest delivers a PAP authenticate-request from the peer
func (s *Session) PAPRequest(id uint8, name, password string) {
	s.dispatch(callEvent{fn: func() { s.pap.handleRequest(id, name, password) }})
}

// PAPAck delivers the peer's acceptance of our PAP request
func (s *Session) PAPAck(id uint8, msg string) {
	s.dispatch(callEvent{fn: func() { s.pap.handleResult(id, true, msg) }})
}

// PAPNak delivers the peer's rejection of our PAP request
func (s *Session) PAPNak(id uint8, msg string) {
	s.dispatch(callEvent{fn: func() { s.pap.handleResult(id, false, msg) }})
}

// CHAPChallenge delivers a challenge from the peer
func (s *Session) CHAPChallenge(id uint8, challenge []byte, name string) {
	s.dispatch(callEvent{fn: func() { s.chap.handleChallenge(id, challenge, name) }})
}

// CHAPResponse delivers the peer's response to our challenge
func (s *Session) CHAPResponse(id uint8, response []byte, name string) {
	s.dispatch(callEvent{fn: func() { s.chap.handleResponse(id, response, name) }})
}

// CHAPSuccess delivers the peer's acceptance of our response
func (s *Session) CHAPSuccess(id uint8, msg string) {
	s.dispatch(callEvent{fn: func() { s.chap.handleResult(id, true, msg) }})
}

// CHAPFailure delivers the peer's rejection of our response
func (s *Session) CHAPFailure(id uint8, msg string) {
	s.dispatch(callEvent{fn: func() { s.chap.handleResult(id, false, msg) }})
}

type afterFuncTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

// NewTimer returns a Timer backed by time.AfterFunc
func NewTimer() Timer {
	return &afterFuncTimer{}
}

func (a *afterFuncTimer) Start(d time.Duration, fire func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
	}
	a.t = time.AfterFunc(d, fire)
}

func (a *afterFuncTimer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil {
		a.t.Stop()
		a.t = nil
	}
}
