package registry

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bbockelm/linkauth/auth"
)

func TestMemoryOpenClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Open(ctx, Entry{ID: "s1", Link: "ppp0", Authname: "bob"}))
	require.NoError(t, m.Open(ctx, Entry{ID: "s2", Link: "ppp1", Authname: "bob"}))
	require.NoError(t, m.Open(ctx, Entry{ID: "s3", Link: "ppp2", Authname: "alice"}))

	n, err := m.CountOpenSessions(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, m.Size())

	ok, err := m.Close(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = m.Close(ctx, "s1")
	assert.False(t, ok)

	n, _ = m.CountOpenSessions(ctx, "bob")
	assert.Equal(t, 1, n)
	n, _ = m.CountOpenSessions(ctx, "nobody")
	assert.Zero(t, n)

	entry, ok := m.Lookup("s3")
	require.True(t, ok)
	assert.Equal(t, "alice", entry.Authname)
	assert.False(t, entry.OpenedAt.IsZero())

	m.Clear()
	assert.Zero(t, m.Size())
}

func TestMemoryReopenMovesIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Open(ctx, Entry{ID: "s1", Authname: "bob"}))
	require.NoError(t, m.Open(ctx, Entry{ID: "s1", Authname: "carol"}))

	n, _ := m.CountOpenSessions(ctx, "bob")
	assert.Zero(t, n)
	n, _ = m.CountOpenSessions(ctx, "carol")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.Size())
}

func TestMemoryRejectsEmptyID(t *testing.T) {
	assert.ErrorIs(t, NewMemory().Open(context.Background(), Entry{Authname: "bob"}), ErrNoID)
}

func TestMemoryDebugDump(t *testing.T) {
	m := NewMemory()
	opened := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, m.Open(context.Background(), Entry{
		ID: "s1", Link: "ppp0", Authname: "bob",
		Allow: netip.MustParsePrefix("10.0.0.0/24"), OpenedAt: opened,
	}))
	require.NoError(t, m.Open(context.Background(), Entry{ID: "s2", Link: "ppp1", Authname: "eve", OpenedAt: opened}))

	assert.Equal(t, "links:\n"+
		"- id=s1 link=ppp0 authname=bob allow=10.0.0.0/24 opened=2025-01-02T03:04:05Z\n"+
		"- id=s2 link=ppp1 authname=eve allow=none opened=2025-01-02T03:04:05Z\n",
		m.DebugDump())
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec := Recorder{Registry: m}

	require.NoError(t, rec.PublishResult(ctx, auth.Result{SessionID: "s1", Authname: "bob", Allow: "10.1.0.0/16", Success: true}))
	require.NoError(t, rec.PublishResult(ctx, auth.Result{SessionID: "s2", Authname: "bob", Success: false}))
	require.NoError(t, rec.PublishResult(ctx, auth.Result{SessionID: "s3", Success: true}))

	assert.Equal(t, 1, m.Size())
	entry, ok := m.Lookup("s1")
	require.True(t, ok)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/16"), entry.Allow)
}

// The login limit sees links recorded by earlier sessions.
func TestRecorderFeedsPolicy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	policy := auth.NewPolicy(1, m, nil)

	require.NoError(t, policy.CheckMaxLogins(ctx, "bob", true))
	require.NoError(t, Recorder{Registry: m}.PublishResult(ctx, auth.Result{SessionID: "s1", Authname: "bob", Success: true}))

	err := policy.CheckMaxLogins(ctx, "bob", true)
	assert.Equal(t, auth.AccountDisabled, auth.ReasonOf(err))
}

func TestRecorderCloseFreesLogin(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	policy := auth.NewPolicy(1, m, nil)
	var pub auth.ResultPublisher = auth.Publishers{Recorder{Registry: m}}

	require.NoError(t, pub.PublishResult(ctx, auth.Result{SessionID: "s1", Authname: "bob", Success: true}))
	assert.Equal(t, auth.AccountDisabled, auth.ReasonOf(policy.CheckMaxLogins(ctx, "bob", true)))

	closer, ok := pub.(auth.SessionCloser)
	require.True(t, ok)
	require.NoError(t, closer.CloseSession(ctx, "s1"))
	assert.Zero(t, m.Size())
	assert.NoError(t, policy.CheckMaxLogins(ctx, "bob", true))

	// Closing twice is harmless.
	assert.NoError(t, closer.CloseSession(ctx, "s1"))
}
