package auth

import (
	"fmt"

	"github.com/bbockelm/linkauth/protocols"
)

// The negotiation state of a session is a pure reducer: step maps the
// current state and one event to the next state and a list of effects.
// Session interprets the effects; nothing in this file touches timers,
// engines or the link.

type phase int

const (
	phaseIdle phase = iota
	phaseNegotiating
	phaseComplete
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseNegotiating:
		return "negotiating"
	case phaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type machine struct {
	phase      phase
	attempt    uint64
	selfToPeer protocols.Protocol
	peerToSelf protocols.Protocol
}

type event interface{ isEvent() }

type startEvent struct {
	selfToPeer protocols.Protocol
	peerToSelf protocols.Protocol
}

type finishEvent struct {
	dir  Direction
	ok   bool
	data *AuthData
}

type timeoutEvent struct{ attempt uint64 }

type stopEvent struct{}

// callEvent runs engine code inside the session's serialized context
type callEvent struct{ fn func() }

func (startEvent) isEvent()   {}
func (finishEvent) isEvent()  {}
func (timeoutEvent) isEvent() {}
func (stopEvent) isEvent()    {}
func (callEvent) isEvent()    {}

type effect interface{ isEffect() }

type effBegin struct {
	attempt    uint64
	selfToPeer protocols.Protocol
	peerToSelf protocols.Protocol
}

type effArmTimer struct{ attempt uint64 }

type effStartEngine struct {
	dir   Direction
	proto protocols.Protocol
}

// effStopAll disarms the timer, stops both engines and cancels lookups
type effStopAll struct{}

// effRelease ends the previous attempt's hold on the link, if it had one
type effRelease struct{}

type effRecordPeer struct{ data *AuthData }

type effNotify struct {
	data *AuthData
	ok   bool
}

type effReport struct{ ok bool }

type effTimedOut struct{}

type effIgnoredFinish struct {
	dir    Direction
	reason string
}

type effCall struct{ fn func() }

func (effBegin) isEffect()         {}
func (effArmTimer) isEffect()      {}
func (effStartEngine) isEffect()   {}
func (effStopAll) isEffect()       {}
func (effRelease) isEffect()       {}
func (effRecordPeer) isEffect()    {}
func (effNotify) isEffect()        {}
func (effReport) isEffect()        {}
func (effTimedOut) isEffect()      {}
func (effIgnoredFinish) isEffect() {}
func (effCall) isEffect()          {}

func mustKnow(p protocols.Protocol) {
	if !p.Valid() {
		panic(fmt.Sprintf("auth: unsupported authentication protocol %s", p))
	}
}

func (m machine) inProgress() bool {
	return m.selfToPeer != protocols.None || m.peerToSelf != protocols.None
}

func (m machine) step(ev event) (machine, []effect) {
	switch ev := ev.(type) {
	case startEvent:
		return m.start(ev)
	case finishEvent:
		return m.finish(ev)
	case timeoutEvent:
		if m.phase != phaseNegotiating || ev.attempt != m.attempt {
			return m, nil
		}
		m.phase = phaseComplete
		m.selfToPeer, m.peerToSelf = protocols.None, protocols.None
		return m, []effect{effTimedOut{}, effStopAll{}, effReport{ok: false}}
	case stopEvent:
		m.phase = phaseIdle
		m.selfToPeer, m.peerToSelf = protocols.None, protocols.None
		return m, []effect{effStopAll{}, effRelease{}}
	case callEvent:
		return m, []effect{effCall{fn: ev.fn}}
	default:
		panic(fmt.Sprintf("auth: unknown event %T", ev))
	}
}

func (m machine) start(ev startEvent) (machine, []effect) {
	mustKnow(ev.selfToPeer)
	mustKnow(ev.peerToSelf)

	var effs []effect
	if m.phase == phaseNegotiating {
		// Abandon the previous attempt without reporting it.
		effs = append(effs, effStopAll{})
	}
	if m.phase != phaseIdle {
		effs = append(effs, effRelease{})
	}

	m.attempt++
	m.selfToPeer = ev.selfToPeer
	m.peerToSelf = ev.peerToSelf
	effs = append(effs, effBegin{attempt: m.attempt, selfToPeer: ev.selfToPeer, peerToSelf: ev.peerToSelf})

	if !m.inProgress() {
		m.phase = phaseComplete
		return m, append(effs, effReport{ok: true})
	}

	m.phase = phaseNegotiating
	effs = append(effs, effArmTimer{attempt: m.attempt})
	if m.selfToPeer != protocols.None {
		effs = append(effs, effStartEngine{dir: SelfToPeer, proto: m.selfToPeer})
	}
	if m.peerToSelf != protocols.None {
		effs = append(effs, effStartEngine{dir: PeerToSelf, proto: m.peerToSelf})
	}
	return m, effs
}

func (m machine) finish(ev finishEvent) (machine, []effect) {
	if m.phase != phaseNegotiating {
		return m, []effect{effIgnoredFinish{dir: ev.dir, reason: "no negotiation in progress"}}
	}

	switch ev.dir {
	case SelfToPeer:
		if m.selfToPeer == protocols.None {
			return m, []effect{effIgnoredFinish{dir: ev.dir, reason: "direction already finished"}}
		}
		m.selfToPeer = protocols.None
	case PeerToSelf:
		if m.peerToSelf == protocols.None {
			return m, []effect{effIgnoredFinish{dir: ev.dir, reason: "direction already finished"}}
		}
		m.peerToSelf = protocols.None
	default:
		panic(fmt.Sprintf("auth: unknown direction %s", ev.dir))
	}

	var effs []effect
	if ev.dir == PeerToSelf && ev.data != nil {
		if ev.ok {
			effs = append(effs, effRecordPeer{data: ev.data})
		}
		if ev.data.External {
			effs = append(effs, effNotify{data: ev.data, ok: ev.ok})
		}
	}

	if !ev.ok {
		m.phase = phaseComplete
		m.selfToPeer, m.peerToSelf = protocols.None, protocols.None
		return m, append(effs, effStopAll{}, effReport{ok: false})
	}

	if !m.inProgress() {
		m.phase = phaseComplete
		return m, append(effs, effStopAll{}, effReport{ok: true})
	}

	return m, effs
}
