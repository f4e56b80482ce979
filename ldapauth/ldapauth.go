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

// Package ldapauth resolves link identities against an LDAP directory.
//
// The directory is consulted only for names the secrets store does not
// know. Each lookup binds with the service account, searches for exactly
// one entry and reads the password and an optional address grant from it.
package ldapauth

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bbockelm/linkauth/addresses"
	"github.com/bbockelm/linkauth/auth"
)

const (
	DefaultFilter       = "(uid=%s)"
	DefaultPasswordAttr = "userPassword"

	defaultTimeout = 10 * time.Second
)

// Config describes the directory
type Config struct {
	URL          string `yaml:"url"`
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
	BaseDN       string `yaml:"base_dn"`

	// Filter has one %s, replaced by the escaped authname
	Filter string `yaml:"filter"`

	PasswordAttr string `yaml:"password_attr"`

	// RangeAttr, when set, holds the address grant
	RangeAttr string `yaml:"range_attr"`

	// DialinAttr, when set, must not be FALSE for the login to be allowed
	DialinAttr string `yaml:"dialin_attr"`

	// DisabledAttr, when set and TRUE, marks the account disabled
	DisabledAttr string `yaml:"disabled_attr"`

	Timeout time.Duration `yaml:"timeout"`
}

// Conn is the part of an LDAP connection used by Backend
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Dialer opens a connection to the directory
type Dialer func(ctx context.Context, cfg *Config) (Conn, error)

// Backend implements auth.Backend
type Backend struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger
}

// Option configures a Backend
type Option func(*Backend)

// WithDialer replaces the network dialer, mainly for tests
func WithDialer(d Dialer) Option {
	return func(b *Backend) { b.dial = d }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// New creates a backend for cfg, filling in defaults
func New(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("ldap: url is required")
	}
	if cfg.Filter == "" {
		cfg.Filter = DefaultFilter
	}
	if strings.Count(cfg.Filter, "%s") != 1 {
		return nil, errors.Errorf("ldap: filter %q must contain exactly one %%s", cfg.Filter)
	}
	if cfg.PasswordAttr == "" {
		cfg.PasswordAttr = DefaultPasswordAttr
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	b := &Backend{cfg: cfg, dial: dialURL}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return b, nil
}

type conn struct {
	*ldap.Conn
}

func (c conn) Close() error {
	c.Conn.Close()
	return nil
}

func dialURL(ctx context.Context, cfg *Config) (Conn, error) {
	timeout := cfg.Timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	c, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if err != nil {
		return nil, err
	}
	c.SetTimeout(timeout)
	return conn{c}, nil
}

func (b *Backend) attributes() []string {
	attrs := []string{"dn", b.cfg.PasswordAttr}
	for _, a := range []string{b.cfg.RangeAttr, b.cfg.DialinAttr, b.cfg.DisabledAttr} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// Lookup fills data from the directory entry for data.Authname
func (b *Backend) Lookup(ctx context.Context, data *auth.AuthData) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := b.logger.With(zap.String("authname", data.Authname))

	c, err := b.dial(ctx, &b.cfg)
	if err != nil {
		logger.Warn("cannot reach directory", zap.String("url", b.cfg.URL), zap.Error(err))
		return errors.Wrap(err, "ldap dial")
	}
	defer c.Close()

	if b.cfg.BindDN != "" {
		if err := c.Bind(b.cfg.BindDN, b.cfg.BindPassword); err != nil {
			logger.Warn("directory bind failed", zap.String("bind_dn", b.cfg.BindDN), zap.Error(err))
			return errors.Wrap(err, "ldap bind")
		}
	}

	req := ldap.NewSearchRequest(
		b.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, int(b.cfg.Timeout/time.Second), false,
		fmt.Sprintf(b.cfg.Filter, ldap.EscapeFilter(data.Authname)),
		b.attributes(),
		nil,
	)
	res, err := c.Search(req)
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
		return b.ambiguous(logger, data.Authname)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return noEntry(data.Authname)
	case err != nil:
		logger.Warn("directory search failed", zap.Error(err))
		return errors.Wrap(err, "ldap search")
	case res == nil || len(res.Entries) == 0:
		return noEntry(data.Authname)
	case len(res.Entries) > 1:
		return b.ambiguous(logger, data.Authname)
	}
	entry := res.Entries[0]

	if b.cfg.DisabledAttr != "" && strings.EqualFold(entry.GetAttributeValue(b.cfg.DisabledAttr), "TRUE") {
		return &auth.FailError{Reason: auth.AccountDisabled, Err: errors.Errorf("%s is disabled", entry.DN)}
	}
	if b.cfg.DialinAttr != "" && strings.EqualFold(entry.GetAttributeValue(b.cfg.DialinAttr), "FALSE") {
		return &auth.FailError{Reason: auth.NoPermission, Err: errors.Errorf("%s may not dial in", entry.DN)}
	}

	password := entry.GetAttributeValue(b.cfg.PasswordAttr)
	if password == "" {
		return &auth.FailError{Reason: auth.InvalidLogin, Err: errors.Errorf("%s has no %s", entry.DN, b.cfg.PasswordAttr)}
	}
	data.SetPassword(password)

	if b.cfg.RangeAttr != "" {
		data.Range, data.RangeValid = addresses.ParseRange(entry.GetAttributeValue(b.cfg.RangeAttr))
	}
	logger.Debug("resolved identity from directory", zap.String("dn", entry.DN))
	return nil
}

func noEntry(authname string) error {
	return &auth.FailError{Reason: auth.InvalidLogin, Err: errors.Errorf("no directory entry for %q", authname)}
}

func (b *Backend) ambiguous(logger *zap.Logger, authname string) error {
	logger.Warn("ambiguous directory entries", zap.String("base_dn", b.cfg.BaseDN))
	return &auth.FailError{Reason: auth.InvalidLogin, Err: errors.Errorf("%q matches several directory entries", authname)}
}

var _ auth.Backend = (*Backend)(nil)
