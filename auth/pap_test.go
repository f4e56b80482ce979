package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bbockelm/linkauth/protocols"
)

func TestPAPRequestNotExpected(t *testing.T) {
	ts := newTestSession(t, sessionOpts{})
	ts.Start(Negotiated{SelfToPeer: protocols.PAP})

	ts.PAPRequest(1, "alice", "secret123")
	res := ts.peer.Last(t, "pap-result")
	assert.False(t, res.ok)
	assert.Equal(t, MsgNotExpected, res.msg)
	assert.Empty(t, ts.link.Results(), "an unexpected request does not finish anything")
	assert.True(t, ts.InProgress())
}

func TestPAPUnknownUser(t *testing.T) {
	ts := newTestSession(t, sessionOpts{})
	ts.Start(Negotiated{PeerToSelf: protocols.PAP})

	ts.PAPRequest(1, "mallory", "secret123")
	res := ts.peer.Last(t, "pap-result")
	assert.False(t, res.ok)
	assert.Equal(t, MsgInvalid, res.msg)
	assert.Equal(t, []bool{false}, ts.link.Results())
}

func TestPAPEmptyName(t *testing.T) {
	ts := newTestSession(t, sessionOpts{})
	ts.Start(Negotiated{PeerToSelf: protocols.PAP})

	ts.PAPRequest(1, "", "")
	assert.Equal(t, MsgInvalid, ts.peer.Last(t, "pap-result").msg)
	assert.Equal(t, []bool{false}, ts.link.Results())
}

func TestPAPSendsStaticCredentials(t *testing.T) {
	ts := newTestSession(t, sessionOpts{cfg: &Config{Authname: "me", Password: "mine"}})
	ts.Start(Negotiated{SelfToPeer: protocols.PAP})

	req := ts.peer.Last(t, "pap-request")
	assert.Equal(t, "me", req.name)
	assert.Equal(t, "mine", req.pw)

	// A restart sends a fresh request id.
	ts.Start(Negotiated{SelfToPeer: protocols.PAP})
	next := ts.peer.Last(t, "pap-request")
	assert.NotEqual(t, req.id, next.id)

	ts.PAPAck(req.id, "")
	assert.Empty(t, ts.link.Results())
	ts.PAPAck(next.id, "")
	assert.Equal(t, []bool{true}, ts.link.Results())
}
