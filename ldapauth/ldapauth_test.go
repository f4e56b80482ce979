package ldapauth

import (
	"context"
	"net/netip"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bbockelm/linkauth/auth"
)

type fakeConn struct {
	bindErr   error
	searchErr error
	entries   []*ldap.Entry

	bound   []string
	filters []string
	attrs   []string
	closed  bool
}

func (f *fakeConn) Bind(username, password string) error {
	f.bound = append(f.bound, username+":"+password)
	return f.bindErr
}

func (f *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.filters = append(f.filters, req.Filter)
	f.attrs = req.Attributes
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestBackend(t *testing.T, cfg Config, fc *fakeConn) *Backend {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ldap://directory.example"
	}
	b, err := New(cfg,
		WithLogger(zaptest.NewLogger(t)),
		WithDialer(func(ctx context.Context, cfg *Config) (Conn, error) { return fc, nil }))
	require.NoError(t, err)
	return b
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{URL: "ldap://x", Filter: "(uid=*)"})
	assert.Error(t, err)

	b, err := New(Config{URL: "ldap://x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultFilter, b.cfg.Filter)
	assert.Equal(t, DefaultPasswordAttr, b.cfg.PasswordAttr)
}

func TestLookup(t *testing.T) {
	fc := &fakeConn{entries: []*ldap.Entry{
		ldap.NewEntry("uid=alice,ou=people,dc=example", map[string][]string{
			"userPassword": {"dirpw"},
			"ipHostNumber": {"10.4.0.0/16"},
		}),
	}}
	b := newTestBackend(t, Config{
		BindDN: "cn=linkauth", BindPassword: "svc",
		BaseDN: "dc=example", RangeAttr: "ipHostNumber",
	}, fc)

	data := auth.NewAuthData("alice")
	require.NoError(t, b.Lookup(context.Background(), data))
	assert.Equal(t, "dirpw", data.Password)
	assert.True(t, data.RangeValid)
	assert.Equal(t, netip.MustParsePrefix("10.4.0.0/16"), data.Range)

	assert.Equal(t, []string{"cn=linkauth:svc"}, fc.bound)
	assert.Equal(t, []string{"(uid=alice)"}, fc.filters)
	assert.Contains(t, fc.attrs, "ipHostNumber")
	assert.True(t, fc.closed)
}

func TestLookupEscapesFilter(t *testing.T) {
	fc := &fakeConn{}
	b := newTestBackend(t, Config{}, fc)

	err := b.Lookup(context.Background(), auth.NewAuthData("*)(uid=admin"))
	assert.Equal(t, auth.InvalidLogin, auth.ReasonOf(err))
	require.Len(t, fc.filters, 1)
	assert.Equal(t, "(uid="+ldap.EscapeFilter("*)(uid=admin")+")", fc.filters[0])
	assert.NotContains(t, fc.filters[0], "*")
	assert.Empty(t, fc.bound, "anonymous without a bind dn")
}

func TestLookupFailures(t *testing.T) {
	entry := func(attrs map[string][]string) []*ldap.Entry {
		return []*ldap.Entry{ldap.NewEntry("uid=bob,dc=example", attrs)}
	}
	cfg := Config{DisabledAttr: "nsAccountLock", DialinAttr: "msNPAllowDialin"}

	tests := []struct {
		name string
		fc   *fakeConn
		want auth.FailReason
	}{
		{"no entry", &fakeConn{}, auth.InvalidLogin},
		{"no such object", &fakeConn{searchErr: ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("gone"))}, auth.InvalidLogin},
		{"ambiguous", &fakeConn{entries: append(entry(nil), entry(nil)...)}, auth.InvalidLogin},
		{"size limit", &fakeConn{searchErr: ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("too many"))}, auth.InvalidLogin},
		{"no password", &fakeConn{entries: entry(map[string][]string{"cn": {"Bob"}})}, auth.InvalidLogin},
		{"disabled", &fakeConn{entries: entry(map[string][]string{"userPassword": {"pw"}, "nsAccountLock": {"true"}})}, auth.AccountDisabled},
		{"no dial-in", &fakeConn{entries: entry(map[string][]string{"userPassword": {"pw"}, "msNPAllowDialin": {"FALSE"}})}, auth.NoPermission},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := newTestBackend(t, cfg, tc.fc).Lookup(context.Background(), auth.NewAuthData("bob"))
			require.Error(t, err)
			var fe *auth.FailError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tc.want, fe.Reason)
		})
	}
}

func TestLookupTransportErrors(t *testing.T) {
	b := newTestBackend(t, Config{BindDN: "cn=linkauth"}, &fakeConn{bindErr: errors.New("invalid credentials")})
	err := b.Lookup(context.Background(), auth.NewAuthData("bob"))
	require.Error(t, err)
	var fe *auth.FailError
	assert.False(t, errors.As(err, &fe), "transport errors are not classified here")

	dialErr := errors.New("connection refused")
	b, err = New(Config{URL: "ldap://x"}, WithDialer(func(ctx context.Context, cfg *Config) (Conn, error) {
		return nil, dialErr
	}))
	require.NoError(t, err)
	err = b.Lookup(context.Background(), auth.NewAuthData("bob"))
	assert.Equal(t, dialErr, errors.Cause(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Lookup(ctx, auth.NewAuthData("bob")), context.Canceled)
}

// Through the resolver a directory outage is an ordinary login failure.
func TestResolverUsesBackend(t *testing.T) {
	fc := &fakeConn{entries: []*ldap.Entry{
		ldap.NewEntry("uid=carol,dc=example", map[string][]string{"userPassword": {"carolpw"}}),
	}}
	r := auth.NewResolver(nil, nil, auth.WithBackend(newTestBackend(t, Config{}, fc)))

	data, err := r.Resolve(context.Background(), "carol", true)
	require.NoError(t, err)
	assert.Equal(t, "carolpw", data.Password)
	assert.False(t, data.RangeValid)
}
