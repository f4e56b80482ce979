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
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/bbockelm/linkauth/protocols"
)

// chapEngine runs CHAP in both directions. It is only touched from the
// session's serialized context.
type chapEngine struct {
	s *Session

	gen uint64

	// peer-to-self
	peerActive bool
	pending    bool
	chalID     uint8
	challenge  []byte

	// self-to-peer
	selfActive  bool
	selfPending bool
	responded   bool
	respID      uint8
	expectAuth  string // MS-CHAPv2 authenticator response we expect back
}

func (c *chapEngine) start(dir Direction) {
	alg := c.s.recvAlg
	if dir == SelfToPeer {
		alg = c.s.xmitAlg
	}
	if !alg.Valid() {
		c.s.logger.Error("CHAP: unsupported algorithm", zap.Stringer("direction", dir), zap.Stringer("alg", alg))
		c.s.Finish(dir, false, nil)
		return
	}

	switch dir {
	case SelfToPeer:
		c.selfActive = true
		c.selfPending = false
		c.responded = false
		c.expectAuth = ""
	case PeerToSelf:
		c.peerActive = true
		c.pending = false
		c.sendChallenge()
	}
}

func (c *chapEngine) stop() {
	c.peerActive = false
	c.selfActive = false
	c.pending = false
	c.selfPending = false
	c.responded = false
	c.challenge = nil
	c.expectAuth = ""
	c.gen++
}

func (c *chapEngine) sendChallenge() {
	alg := c.s.recvAlg
	c.challenge = make([]byte, alg.ChallengeLen())
	if _, err := rand.Read(c.challenge); err != nil {
		panic(fmt.Sprintf("auth: cannot generate CHAP challenge: %v", err))
	}
	c.chalID++
	if err := c.s.peer.SendCHAPChallenge(c.chalID, c.challenge, c.s.cfg.Authname); err != nil {
		c.s.logger.Warn("CHAP: failed to send challenge", zap.Error(err))
	}
}

func (c *chapEngine) handleResponse(id uint8, response []byte, name string) {
	alg := c.s.recvAlg
	logger := c.s.logger.With(zap.String("proto", "CHAP"), zap.Stringer("alg", alg), zap.String("authname", name))

	if !c.peerActive {
		logger.Info("CHAP: response not expected")
		c.sendResult(id, false, FailMessage(protocols.CHAP, alg, NotExpected, c.s.cfg.MSCHAPError))
		return
	}
	if id != c.chalID {
		logger.Debug("CHAP: response for stale challenge", zap.Uint8("id", id), zap.Uint8("want", c.chalID))
		return
	}
	if c.pending {
		logger.Debug("CHAP: response retransmitted while lookup in progress")
		return
	}

	if !validResponseLen(alg, response) {
		logger.Info("CHAP: malformed response", zap.Int("len", len(response)))
		c.peerActive = false
		c.sendResult(id, false, FailMessage(protocols.CHAP, alg, InvalidPacket, c.s.cfg.MSCHAPError))
		c.s.Finish(PeerToSelf, false, NewAuthData(name))
		return
	}

	c.pending = true
	gen := c.gen
	challenge := append([]byte(nil), c.challenge...)
	response = append([]byte(nil), response...)
	c.s.background(func(ctx context.Context) func() {
		data, err := c.s.lookupPeer(ctx, name)
		return func() { c.checkResponse(gen, id, alg, challenge, response, data, err) }
	})
}

func validResponseLen(alg protocols.ChapAlg, response []byte) bool {
	switch alg {
	case protocols.ChapMSoft, protocols.ChapMSoftV2:
		return len(response) == msResponseLen
	case protocols.ChapMD5:
		return len(response) == md5.Size
	default:
		return false
	}
}

func (c *chapEngine) checkResponse(gen uint64, id uint8, alg protocols.ChapAlg, challenge, response []byte, data *AuthData, err error) {
	if gen != c.gen || !c.peerActive {
		return
	}
	c.pending = false
	c.peerActive = false

	var welcome string
	if err == nil {
		var ok bool
		ok, welcome = verifyResponse(alg, id, challenge, response, data)
		if !ok {
			err = failf(InvalidLogin, "bad %s response for %q", alg, data.Authname)
		}
	}

	if err != nil {
		c.s.logger.Info("CHAP: peer authentication failed",
			zap.String("authname", data.Authname), zap.Error(err))
		c.sendResult(id, false, c.s.failMessage(protocols.CHAP, alg, err))
		c.s.Finish(PeerToSelf, false, data)
		return
	}

	c.sendResult(id, true, welcome)
	c.s.Finish(PeerToSelf, true, data)
}

// verifyResponse checks a peer's response and returns the success message
func verifyResponse(alg protocols.ChapAlg, id uint8, challenge, response []byte, data *AuthData) (bool, string) {
	switch alg {
	case protocols.ChapMSoft:
		if response[msResponseLen-1] != 1 {
			// LAN Manager responses are not accepted.
			return false, ""
		}
		nt := response[msNTResponseOffset : msNTResponseOffset+msNTResponseLen]
		expect := msChapV1Response(challenge, data.Password)
		return subtle.ConstantTimeCompare(nt, expect) == 1, MsgWelcome

	case protocols.ChapMSoftV2:
		peerChallenge := response[:msPeerChallengeLen]
		nt := response[msNTResponseOffset : msNTResponseOffset+msNTResponseLen]
		expect := msChapV2Response(challenge, peerChallenge, data.Authname, data.Password)
		if subtle.ConstantTimeCompare(nt, expect) != 1 {
			return false, ""
		}
		authResp := msChapV2AuthenticatorResponse(data.Password, nt, peerChallenge, challenge, data.Authname)
		return true, authResp + " M=" + MsgWelcome

	case protocols.ChapMD5:
		expect := md5Response(id, data.Password, challenge)
		return subtle.ConstantTimeCompare(response, expect) == 1, MsgWelcome

	default:
		return false, ""
	}
}

func md5Response(id uint8, secret string, challenge []byte) []byte {
	h := md5.New()
	h.Write([]byte{id})
	h.Write([]byte(secret))
	h.Write(challenge)
	return h.Sum(nil)
}

func (c *chapEngine) sendResult(id uint8, ok bool, msg string) {
	if err := c.s.peer.SendCHAPResult(id, ok, msg); err != nil {
		c.s.logger.Warn("CHAP: failed to send result", zap.Error(err))
	}
}

func (c *chapEngine) handleChallenge(id uint8, challenge []byte, peerName string) {
	if !c.selfActive {
		c.s.logger.Debug("CHAP: challenge not expected", zap.String("peer", peerName))
		return
	}
	if c.selfPending {
		return
	}
	c.selfPending = true

	gen := c.gen
	challenge = append([]byte(nil), challenge...)
	c.s.background(func(ctx context.Context) func() {
		data, err := c.s.lookupSelf(ctx)
		return func() { c.answerChallenge(gen, id, challenge, data, err) }
	})
}

func (c *chapEngine) answerChallenge(gen uint64, id uint8, challenge []byte, data *AuthData, err error) {
	if gen != c.gen || !c.selfActive {
		return
	}
	c.selfPending = false

	alg := c.s.xmitAlg
	if err != nil {
		c.s.logger.Warn("CHAP: no secret for our name",
			zap.String("authname", c.s.cfg.Authname), zap.Error(err))
		c.selfActive = false
		c.s.Finish(SelfToPeer, false, nil)
		return
	}

	var response []byte
	switch alg {
	case protocols.ChapMSoft:
		if len(challenge) != protocols.ChapMSoft.ChallengeLen() {
			c.s.logger.Info("CHAP: bad MS-CHAPv1 challenge length", zap.Int("len", len(challenge)))
			return
		}
		response = make([]byte, msResponseLen)
		copy(response[msNTResponseOffset:], msChapV1Response(challenge, data.Password))
		response[msResponseLen-1] = 1

	case protocols.ChapMSoftV2:
		if len(challenge) != protocols.ChapMSoftV2.ChallengeLen() {
			c.s.logger.Info("CHAP: bad MS-CHAPv2 challenge length", zap.Int("len", len(challenge)))
			return
		}
		peerChallenge := make([]byte, msPeerChallengeLen)
		if _, err := rand.Read(peerChallenge); err != nil {
			panic(fmt.Sprintf("auth: cannot generate MS-CHAPv2 peer challenge: %v", err))
		}
		nt := msChapV2Response(challenge, peerChallenge, data.Authname, data.Password)
		response = make([]byte, msResponseLen)
		copy(response, peerChallenge)
		copy(response[msNTResponseOffset:], nt)
		c.expectAuth = msChapV2AuthenticatorResponse(data.Password, nt, peerChallenge, challenge, data.Authname)

	case protocols.ChapMD5:
		response = md5Response(id, data.Password, challenge)

	default:
		c.s.logger.Error("CHAP: unsupported algorithm", zap.Stringer("alg", alg))
		c.selfActive = false
		c.s.Finish(SelfToPeer, false, nil)
		return
	}

	c.respID = id
	c.responded = true
	if err := c.s.peer.SendCHAPResponse(id, response, data.Authname); err != nil {
		c.s.logger.Warn("CHAP: failed to send response", zap.Error(err))
	}
}

func (c *chapEngine) handleResult(id uint8, ok bool, msg string) {
	if !c.selfActive {
		c.s.logger.Debug("CHAP: result not expected", zap.Uint8("id", id))
		return
	}
	if !c.responded || id != c.respID {
		c.s.logger.Debug("CHAP: result for stale response", zap.Uint8("id", id), zap.Uint8("want", c.respID))
		return
	}

	if ok && c.s.xmitAlg == protocols.ChapMSoftV2 && !strings.HasPrefix(msg, c.expectAuth) {
		c.s.logger.Warn("CHAP: peer sent a bad MS-CHAPv2 authenticator response")
		ok = false
	}
	if !ok {
		c.s.logger.Info("CHAP: peer rejected us", zap.String("message", msg))
	}

	c.selfActive = false
	c.s.Finish(SelfToPeer, ok, nil)
}
