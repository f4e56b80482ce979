package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bbockelm/linkauth/secrets"
)

type fakeTimer struct {
	mu      sync.Mutex
	armed   bool
	d       time.Duration
	fire    func()
	history []func()
	starts  int
	stops   int
}

func (f *fakeTimer) Start(d time.Duration, fire func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = true
	f.d = d
	f.fire = fire
	f.history = append(f.history, fire)
	f.starts++
}

func (f *fakeTimer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
	f.stops++
}

func (f *fakeTimer) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

// Fire expires the timer as if its duration had elapsed
func (f *fakeTimer) Fire() {
	f.mu.Lock()
	fire := f.fire
	f.armed = false
	f.mu.Unlock()
	if fire != nil {
		fire()
	}
}

type fakeLink struct {
	mu      sync.Mutex
	results []bool
	ch      chan bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{ch: make(chan bool, 16)}
}

func (f *fakeLink) AuthResult(ok bool) {
	f.mu.Lock()
	f.results = append(f.results, ok)
	f.mu.Unlock()
	f.ch <- ok
}

func (f *fakeLink) Results() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.results...)
}

func (f *fakeLink) Wait(t *testing.T) bool {
	t.Helper()
	select {
	case ok := <-f.ch:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for auth result")
		return false
	}
}

type sentMessage struct {
	kind string
	id   uint8
	ok   bool
	name string
	pw   string
	msg  string
	data []byte
}

type fakePeer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakePeer) record(m sentMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakePeer) SendPAPRequest(id uint8, name, password string) error {
	return f.record(sentMessage{kind: "pap-request", id: id, name: name, pw: password})
}

func (f *fakePeer) SendPAPResult(id uint8, ok bool, msg string) error {
	return f.record(sentMessage{kind: "pap-result", id: id, ok: ok, msg: msg})
}

func (f *fakePeer) SendCHAPChallenge(id uint8, challenge []byte, name string) error {
	return f.record(sentMessage{kind: "chap-challenge", id: id, name: name, data: append([]byte(nil), challenge...)})
}

func (f *fakePeer) SendCHAPResponse(id uint8, response []byte, name string) error {
	return f.record(sentMessage{kind: "chap-response", id: id, name: name, data: append([]byte(nil), response...)})
}

func (f *fakePeer) SendCHAPResult(id uint8, ok bool, msg string) error {
	return f.record(sentMessage{kind: "chap-result", id: id, ok: ok, msg: msg})
}

// Last returns the most recent message of kind
func (f *fakePeer) Last(t *testing.T, kind string) sentMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].kind == kind {
			return f.sent[i]
		}
	}
	t.Fatalf("no %s message sent", kind)
	return sentMessage{}
}

func (f *fakePeer) Count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.kind == kind {
			n++
		}
	}
	return n
}

type fakeRegistry struct {
	counts map[string]int
	err    error
}

func (f *fakeRegistry) CountOpenSessions(ctx context.Context, authname string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[authname], nil
}

type notification struct {
	command  string
	authname string
	ok       bool
	identity PeerIdentity
}

type fakeNotifier struct {
	session *Session
	ch      chan notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan notification, 4)}
}

func (f *fakeNotifier) Notify(ctx context.Context, command, authname string, ok bool) error {
	n := notification{command: command, authname: authname, ok: ok}
	if f.session != nil {
		n.identity = f.session.PeerIdentity()
	}
	f.ch <- n
	return nil
}

func (f *fakeNotifier) Wait(t *testing.T) notification {
	t.Helper()
	select {
	case n := <-f.ch:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return notification{}
	}
}

type fakePasswordCommand struct {
	passwords map[string]string
	calls     []string
	err       error
}

func (f *fakePasswordCommand) Password(ctx context.Context, command, authname string) (string, error) {
	f.calls = append(f.calls, command+" "+authname)
	if f.err != nil {
		return "", f.err
	}
	pw, ok := f.passwords[authname]
	if !ok {
		return "", ErrNoExternalPassword
	}
	return pw, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	results []Result
	closed  []string
}

func (f *fakePublisher) CloseSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakePublisher) PublishResult(ctx context.Context, result Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

type testSession struct {
	*Session
	timer    *fakeTimer
	link     *fakeLink
	peer     *fakePeer
	notifier *fakeNotifier
}

type sessionOpts struct {
	cfg       *Config
	store     SecretStore
	registry  SessionRegistry
	external  PasswordCommand
	publisher ResultPublisher
	async     bool
}

func newTestSession(t *testing.T, opts sessionOpts) *testSession {
	t.Helper()
	logger := zaptest.NewLogger(t)
	if opts.cfg == nil {
		opts.cfg = &Config{Authname: "local", Password: "localpw"}
	}
	if opts.store == nil {
		store, err := secrets.ParseMemory("alice secret123 10.0.0.5/32\nbob bobpw\n")
		require.NoError(t, err)
		opts.store = store
	}

	ropts := []ResolverOption{WithResolverLogger(logger)}
	if opts.external != nil {
		ropts = append(ropts, WithPasswordCommand(opts.external))
	}

	ts := &testSession{
		timer:    &fakeTimer{},
		link:     newFakeLink(),
		peer:     &fakePeer{},
		notifier: newFakeNotifier(),
	}
	ts.Session = NewSession(SessionConfig{
		Name:      "link0",
		Config:    opts.cfg,
		Resolver:  NewResolver(opts.cfg, opts.store, ropts...),
		Policy:    NewPolicy(opts.cfg.MaxLogins, opts.registry, logger),
		Link:      ts.link,
		Peer:      ts.peer,
		Timer:     ts.timer,
		Notifier:  ts.notifier,
		Publisher: opts.publisher,
		Logger:    logger,
	})
	ts.notifier.session = ts.Session
	if !opts.async {
		ts.spawn = func(fn func()) { fn() }
	}
	return ts
}
