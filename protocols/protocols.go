// Package protocols provides the link authentication protocol constants
//
// This package enumerates the authentication protocols a link may agree on
// during option negotiation, the CHAP algorithm identifiers and the
// MS-CHAP error codes. It provides a name table and utilities to work
// with them.
package protocols

import "fmt"

// Protocol selects the authentication protocol for one direction of a link.
// The domain is closed: None, PAP and CHAP.
type Protocol uint16

// Authentication protocol numbers as carried in the link's
// authentication-protocol option
const (
	None Protocol = 0x0000 // Nothing to authenticate
	PAP  Protocol = 0xC023 // Password Authentication Protocol
	CHAP Protocol = 0xC223 // Challenge Handshake Authentication Protocol
)

// ChapAlg identifies the CHAP hashing algorithm negotiated for a direction
type ChapAlg uint8

const (
	ChapMD5     ChapAlg = 0x05 // RFC 1994 MD5
	ChapMSoft   ChapAlg = 0x80 // MS-CHAPv1 (RFC 2433)
	ChapMSoftV2 ChapAlg = 0x81 // MS-CHAPv2 (RFC 2759)
)

// MS-CHAP error codes reported in failure messages
const (
	MSChapErrorRestrictedLogonHours = 646
	MSChapErrorAcctDisabled         = 647
	MSChapErrorPasswdExpired        = 648
	MSChapErrorNoDialinPermission   = 649
	MSChapErrorAuthenticationFail   = 691
	MSChapErrorChangingPassword     = 709
)

// ProtocolType represents the family of an authentication protocol
type ProtocolType int

const (
	NoAuthentication ProtocolType = iota
	PasswordFamily
	ChallengeFamily
)

// ProtocolInfo contains information about an authentication protocol
type ProtocolInfo struct {
	Name        string       // Human-readable name
	Code        Protocol     // Protocol number
	Type        ProtocolType // Family of the protocol
	Description string       // Brief description
}

var protocolTable = map[Protocol]ProtocolInfo{
	None: {
		Name:        "none",
		Code:        None,
		Type:        NoAuthentication,
		Description: "No authentication",
	},
	PAP: {
		Name:        "PAP",
		Code:        PAP,
		Type:        PasswordFamily,
		Description: "Password Authentication Protocol",
	},
	CHAP: {
		Name:        "CHAP",
		Code:        CHAP,
		Type:        ChallengeFamily,
		Description: "Challenge Handshake Authentication Protocol",
	},
}

var chapAlgNames = map[ChapAlg]string{
	ChapMD5:     "MD5",
	ChapMSoft:   "MSOFT",
	ChapMSoftV2: "MSOFTv2",
}

// Valid reports whether p is one of None, PAP or CHAP
func (p Protocol) Valid() bool {
	_, ok := protocolTable[p]
	return ok
}

func (p Protocol) String() string {
	if info, ok := protocolTable[p]; ok {
		return info.Name
	}
	return fmt.Sprintf("0x%04x", uint16(p))
}

// Valid reports whether a is a known CHAP algorithm
func (a ChapAlg) Valid() bool {
	_, ok := chapAlgNames[a]
	return ok
}

// IsMicrosoft reports whether a is one of the two password-hash-compatible
// Microsoft variants
func (a ChapAlg) IsMicrosoft() bool {
	return a == ChapMSoft || a == ChapMSoftV2
}

// ChallengeLen returns the length of the authenticator challenge for a
func (a ChapAlg) ChallengeLen() int {
	if a == ChapMSoft {
		return 8
	}
	return 16
}

func (a ChapAlg) String() string {
	if name, ok := chapAlgNames[a]; ok {
		return name
	}
	return fmt.Sprintf("alg-0x%02x", uint8(a))
}

// GetProtocolInfo returns information about a protocol number
func GetProtocolInfo(p Protocol) (ProtocolInfo, bool) {
	info, exists := protocolTable[p]
	return info, exists
}

// GetProtocolName returns the name of a protocol, or "nothing" for None
// as used in negotiation log lines
func GetProtocolName(p Protocol) string {
	if p == None {
		return "nothing"
	}
	return p.String()
}

// ParseProtocol returns the protocol for a case-sensitive name
func ParseProtocol(name string) (Protocol, bool) {
	for _, info := range protocolTable {
		if info.Name == name {
			return info.Code, true
		}
	}
	return None, false
}

// ParseChapAlg returns the CHAP algorithm for a name such as "MSOFTv2"
func ParseChapAlg(name string) (ChapAlg, bool) {
	for alg, n := range chapAlgNames {
		if n == name {
			return alg, true
		}
	}
	return 0, false
}
