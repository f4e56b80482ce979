package auth

import (
	"crypto/des"
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4"
)

// MS-CHAP computations from RFC 2433 and RFC 2759.

const (
	msResponseLen      = 49
	msNTResponseOffset = 24
	msNTResponseLen    = 24
	msPeerChallengeLen = 16
)

var (
	msMagic1 = []byte("Magic server to client signing constant")
	msMagic2 = []byte("Pad to make it do more than one iteration")
)

// ntPasswordHash is MD4 over the UTF-16LE password
func ntPasswordHash(password string) []byte {
	units := utf16.Encode([]rune(password))
	buf := make([]byte, 0, 2*len(units))
	for _, u := range units {
		buf = append(buf, byte(u), byte(u>>8))
	}
	h := md4.New()
	h.Write(buf)
	return h.Sum(nil)
}

func hashNTPasswordHash(hash []byte) []byte {
	h := md4.New()
	h.Write(hash)
	return h.Sum(nil)
}

// msUsername strips a "DOMAIN\" prefix
func msUsername(name string) string {
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func challengeHash(peerChallenge, authChallenge []byte, username string) []byte {
	h := sha1.New()
	h.Write(peerChallenge)
	h.Write(authChallenge)
	h.Write([]byte(msUsername(username)))
	return h.Sum(nil)[:8]
}

// desExpandKey spreads 7 key bytes over 8, leaving the parity bits clear
func desExpandKey(k []byte) []byte {
	return []byte{
		k[0] & 0xfe,
		(k[0]<<7 | k[1]>>1) & 0xfe,
		(k[1]<<6 | k[2]>>2) & 0xfe,
		(k[2]<<5 | k[3]>>3) & 0xfe,
		(k[3]<<4 | k[4]>>4) & 0xfe,
		(k[4]<<3 | k[5]>>5) & 0xfe,
		(k[5]<<2 | k[6]>>6) & 0xfe,
		k[6] << 1,
	}
}

// challengeResponse encrypts an 8 byte challenge under three DES keys cut
// from the zero-padded 16 byte password hash
func challengeResponse(challenge, passwordHash []byte) []byte {
	var zhash [21]byte
	copy(zhash[:], passwordHash)

	resp := make([]byte, 24)
	for i := 0; i < 3; i++ {
		block, err := des.NewCipher(desExpandKey(zhash[7*i : 7*i+7]))
		if err != nil {
			// Only returned for a wrong key size.
			panic(err)
		}
		block.Encrypt(resp[8*i:8*i+8], challenge)
	}
	return resp
}

// msChapV1Response computes the 24 byte NT response for MS-CHAPv1
func msChapV1Response(challenge []byte, password string) []byte {
	return challengeResponse(challenge, ntPasswordHash(password))
}

// msChapV2Response computes the 24 byte NT response for MS-CHAPv2
func msChapV2Response(authChallenge, peerChallenge []byte, username, password string) []byte {
	chal := challengeHash(peerChallenge, authChallenge, username)
	return challengeResponse(chal, ntPasswordHash(password))
}

// msChapV2AuthenticatorResponse computes the "S=..." string proving to the
// peer that we know its password too
func msChapV2AuthenticatorResponse(password string, ntResponse, peerChallenge, authChallenge []byte, username string) string {
	h := sha1.New()
	h.Write(hashNTPasswordHash(ntPasswordHash(password)))
	h.Write(ntResponse)
	h.Write(msMagic1)
	digest := h.Sum(nil)

	h = sha1.New()
	h.Write(digest)
	h.Write(challengeHash(peerChallenge, authChallenge, username))
	h.Write(msMagic2)
	digest = h.Sum(nil)

	return "S=" + strings.ToUpper(hex.EncodeToString(digest))
}
