package auth

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoundedFields(t *testing.T) {
	data := NewAuthData(strings.Repeat("a", 100))
	assert.Len(t, data.Authname, MaxAuthname)

	// A multi-byte rune straddling the limit is dropped whole.
	data.SetPassword(strings.Repeat("p", MaxPassword-1) + "é")
	assert.Len(t, data.Password, MaxPassword-1)
	assert.True(t, utf8.ValidString(data.Password))

	data.SetExtCmd(strings.Repeat("c", 200))
	assert.Len(t, data.ExtCmd, MaxExtCmd)
	assert.True(t, data.External)

	assert.Equal(t, "short", bounded("short", 10))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, InvalidLogin, ReasonOf(nil))
	assert.Equal(t, InvalidLogin, ReasonOf(errors.New("plain")))

	err := errors.Wrap(&FailError{Reason: RestrictedHours}, "lookup")
	assert.Equal(t, RestrictedHours, ReasonOf(err))
	assert.Equal(t, "lookup: restricted-hours", err.Error())
}

func TestParseFailReason(t *testing.T) {
	for r := InvalidLogin; r <= InvalidPacket; r++ {
		got, ok := ParseFailReason(r.String())
		require.True(t, ok)
		assert.Equal(t, r, got)
	}
	_, ok := ParseFailReason("bogus")
	assert.False(t, ok)
}

func TestConfigTimeout(t *testing.T) {
	var nilCfg *Config
	assert.Equal(t, DefaultTimeout, nilCfg.timeout())
	assert.Equal(t, DefaultTimeout, (&Config{}).timeout())
	assert.Equal(t, 5*time.Second, (&Config{Timeout: 5 * time.Second}).timeout())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "self-to-peer", SelfToPeer.String())
	assert.Equal(t, "peer-to-self", PeerToSelf.String())
}

type errPublisher struct{ err error }

func (e errPublisher) PublishResult(ctx context.Context, result Result) error { return e.err }

func TestPublishers(t *testing.T) {
	a, b := &fakePublisher{}, &fakePublisher{}
	boom := errors.New("boom")
	ps := Publishers{a, errPublisher{err: boom}, b}

	err := ps.PublishResult(context.Background(), Result{SessionID: "s1"})
	assert.Equal(t, boom, err)
	assert.Len(t, a.results, 1)
	assert.Len(t, b.results, 1)
}
