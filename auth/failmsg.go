package auth

import (
	"fmt"

	"github.com/bbockelm/linkauth/protocols"
)

// Peer-visible messages
const (
	MsgWelcome      = "Welcome"
	MsgInvalid      = "Login incorrect"
	MsgBadPacket    = "Incorrectly formatted packet"
	MsgNotAllowed   = "Login not allowed for this account"
	MsgNotExpected  = "Unexpected packet"
	MsgAcctDisabled = "Account disabled"
	MsgRestrHours   = "Login hours restricted"
)

// FailMessage renders the rejection text sent to the peer.
//
// For CHAP with one of the Microsoft algorithms the text is the MS-CHAP
// "E=<code> R=0" form, or override verbatim when override is set. Every
// other case gets a fixed human-readable message.
func FailMessage(proto protocols.Protocol, alg protocols.ChapAlg, why FailReason, override string) string {
	if proto == protocols.CHAP && alg.IsMicrosoft() {
		var code int
		switch why {
		case AccountDisabled:
			code = protocols.MSChapErrorAcctDisabled
		case NoPermission:
			code = protocols.MSChapErrorNoDialinPermission
		case RestrictedHours:
			code = protocols.MSChapErrorRestrictedLogonHours
		default:
			code = protocols.MSChapErrorAuthenticationFail
		}
		if override != "" {
			return override
		}
		return fmt.Sprintf("E=%d R=0", code)
	}

	switch why {
	case AccountDisabled:
		return MsgAcctDisabled
	case NoPermission:
		return MsgNotAllowed
	case RestrictedHours:
		return MsgRestrHours
	case NotExpected:
		return MsgNotExpected
	case InvalidPacket:
		return MsgBadPacket
	default:
		return MsgInvalid
	}
}
