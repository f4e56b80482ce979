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

// Package auth provides the authentication phase of a point-to-point link.
//
// A Session coordinates authentication in both directions of a link: the
// local side proving itself to the peer (self-to-peer) and the peer proving
// itself to the local side (peer-to-self). Each direction runs PAP or CHAP
// as agreed by the link's option negotiation. Credentials for inbound
// attempts come from a Resolver (static pair, secrets store, external
// command, directory backend) and are gated by a Policy limiting concurrent
// logins. Failures are rendered for the peer by FailMessage.
package auth

import (
	"context"
	"fmt"
	"net/netip"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/bbockelm/linkauth/secrets"
)

// Direction identifies one half of the bidirectional authentication
type Direction int

const (
	SelfToPeer Direction = iota // we authenticate to the peer
	PeerToSelf                  // the peer authenticates to us
)

func (d Direction) String() string {
	switch d {
	case SelfToPeer:
		return "self-to-peer"
	case PeerToSelf:
		return "peer-to-self"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Length caps for credential fields. Longer values are truncated at a
// UTF-8 boundary.
const (
	MaxAuthname = 64
	MaxPassword = 64
	MaxExtCmd   = 128
)

// DefaultTimeout bounds the whole authentication phase of a link
const DefaultTimeout = 20 * time.Second

// FailReason classifies why an authentication attempt was rejected
type FailReason int

const (
	InvalidLogin FailReason = iota
	AccountDisabled
	NoPermission
	RestrictedHours
	NotExpected
	InvalidPacket
)

func (r FailReason) String() string {
	switch r {
	case InvalidLogin:
		return "invalid-login"
	case AccountDisabled:
		return "account-disabled"
	case NoPermission:
		return "no-permission"
	case RestrictedHours:
		return "restricted-hours"
	case NotExpected:
		return "not-expected"
	case InvalidPacket:
		return "invalid-packet"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// ParseFailReason returns the reason for a name produced by FailReason.String
func ParseFailReason(name string) (FailReason, bool) {
	for r := InvalidLogin; r <= InvalidPacket; r++ {
		if r.String() == name {
			return r, true
		}
	}
	return InvalidLogin, false
}

// FailError is returned by credential resolution and policy checks
type FailError struct {
	Reason FailReason
	Err    error
}

func (e *FailError) Error() string {
	if e.Err == nil {
		return e.Reason.String()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FailError) Unwrap() error {
	return e.Err
}

func failf(reason FailReason, format string, args ...interface{}) error {
	return &FailError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf extracts the failure reason from err, defaulting to InvalidLogin
func ReasonOf(err error) FailReason {
	var fe *FailError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return InvalidLogin
}

// AuthData holds what is learned about one identity during a single
// authentication attempt.
type AuthData struct {
	Authname   string
	Password   string
	Range      netip.Prefix
	RangeValid bool
	External   bool
	ExtCmd     string
}

// NewAuthData creates an attempt record for authname, truncated to MaxAuthname
func NewAuthData(authname string) *AuthData {
	return &AuthData{Authname: bounded(authname, MaxAuthname)}
}

// SetPassword stores password, truncated to MaxPassword
func (a *AuthData) SetPassword(password string) {
	a.Password = bounded(password, MaxPassword)
}

// SetExtCmd marks the identity as externally resolved by command
func (a *AuthData) SetExtCmd(command string) {
	a.ExtCmd = bounded(command, MaxExtCmd)
	a.External = true
}

// bounded truncates s to at most max bytes without splitting a rune
func bounded(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// PeerIdentity is the part of a successful peer-to-self authentication
// kept on the link after the attempt is discarded.
type PeerIdentity struct {
	Authname   string
	Allow      netip.Prefix
	RangeValid bool
}

// Config holds authentication settings for a link
type Config struct {
	// Authname is the name we present to the peer and, together with
	// Password, a statically configured identity that bypasses the
	// secrets store.
	Authname string
	Password string

	// MaxLogins limits concurrent links authenticated under one name.
	// Zero means unlimited.
	MaxLogins int

	// MSCHAPError replaces the rendered MS-CHAP failure message when set
	MSCHAPError string

	// Timeout bounds the whole authentication phase; zero means DefaultTimeout
	Timeout time.Duration
}

func (c *Config) timeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Link receives the combined result of an authentication phase
type Link interface {
	AuthResult(ok bool)
}

// LinkFunc adapts a function to the Link interface
type LinkFunc func(ok bool)

// AuthResult calls f(ok)
func (f LinkFunc) AuthResult(ok bool) { f(ok) }

// PeerWriter carries decoded PAP and CHAP messages to the peer. Encoding
// them on the wire is the link layer's job.
type PeerWriter interface {
	SendPAPRequest(id uint8, name, password string) error
	SendPAPResult(id uint8, ok bool, msg string) error
	SendCHAPChallenge(id uint8, challenge []byte, name string) error
	SendCHAPResponse(id uint8, response []byte, name string) error
	SendCHAPResult(id uint8, ok bool, msg string) error
}

// Timer is a single-shot timer. Stop must be safe to call when the timer
// is not running.
type Timer interface {
	Start(d time.Duration, fire func())
	Stop()
}

// SecretStore yields secrets records as tokenized field lists
type SecretStore interface {
	Scan(ctx context.Context, fn secrets.ScanFunc) error
}

// Backend resolves identities the secrets store does not know about, for
// example against a directory service. Lookup fills data.Password and
// optionally data.Range; a *FailError carries the reason through unchanged.
type Backend interface {
	Lookup(ctx context.Context, data *AuthData) error
}

// SessionRegistry answers how many open links are authenticated under a name
type SessionRegistry interface {
	CountOpenSessions(ctx context.Context, authname string) (int, error)
}

// PasswordCommand runs an external program to obtain a password
type PasswordCommand interface {
	Password(ctx context.Context, command, authname string) (string, error)
}

// Notifier tells an external program about the outcome of an inbound
// authentication that used it
type Notifier interface {
	Notify(ctx context.Context, command, authname string, ok bool) error
}

// Result describes the final outcome of an authentication phase
type Result struct {
	SessionID string    `json:"session_id"`
	Link      string    `json:"link"`
	Authname  string    `json:"authname,omitempty"`
	Allow     string    `json:"allow,omitempty"`
	Success   bool      `json:"success"`
	At        time.Time `json:"at"`
}

// ResultPublisher distributes authentication outcomes to other components
type ResultPublisher interface {
	PublishResult(ctx context.Context, result Result) error
}

// SessionCloser is implemented by publishers that keep state for every
// successful result, such as a session registry. CloseSession is called
// once the link that authenticated is stopped or restarts.
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionID string) error
}

// Publishers fans a result out to several publishers. Every publisher is
// called; the first error is returned.
type Publishers []ResultPublisher

// PublishResult implements ResultPublisher
func (ps Publishers) PublishResult(ctx context.Context, result Result) error {
	var first error
	for _, p := range ps {
		if err := p.PublishResult(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// CloseSession implements SessionCloser for the members that support it
func (ps Publishers) CloseSession(ctx context.Context, sessionID string) error {
	var first error
	for _, p := range ps {
		c, ok := p.(SessionCloser)
		if !ok {
			continue
		}
		if err := c.CloseSession(ctx, sessionID); err != nil && first == nil {
			first = err
		}
	}
	return first
}
