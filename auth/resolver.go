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
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bbockelm/linkauth/addresses"
)

const (
	// wildcardAuthname matches any identity, but only on external-command records
	wildcardAuthname = "*"

	// externalMarker prefixes a secret that names a password command
	externalMarker = "!"
)

// Resolver finds the password and address grant for an identity.
//
// Sources are tried in order: the statically configured pair in Config,
// the secrets store (first matching record wins), and finally an optional
// Backend.
type Resolver struct {
	cfg      *Config
	store    SecretStore
	external PasswordCommand
	backend  Backend
	logger   *zap.Logger
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithPasswordCommand sets how external-command records are run
func WithPasswordCommand(pc PasswordCommand) ResolverOption {
	return func(r *Resolver) { r.external = pc }
}

// WithBackend sets the fallback for identities not in the secrets store
func WithBackend(b Backend) ResolverOption {
	return func(r *Resolver) { r.backend = b }
}

// WithResolverLogger sets the logger
func WithResolverLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a resolver over cfg's static pair and store. A nil
// store skips straight to the backend.
func NewResolver(cfg *Config, store SecretStore, opts ...ResolverOption) *Resolver {
	if cfg == nil {
		cfg = &Config{}
	}
	r := &Resolver{cfg: cfg, store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.external == nil {
		r.external = NewExec(r.logger)
	}
	return r
}

// Resolve looks up authname. Quiet lookups (complain == false) skip the
// log line for an empty name.
//
// The returned AuthData is never nil: on failure it carries whatever was
// learned before the failure, notably External, so the caller can still
// notify the external program.
func (r *Resolver) Resolve(ctx context.Context, authname string, complain bool) (*AuthData, error) {
	data := NewAuthData(authname)

	if data.Authname == "" {
		if complain {
			r.logger.Info("empty auth name")
		}
		return data, &FailError{Reason: InvalidLogin, Err: errors.New("empty auth name")}
	}

	if r.cfg.Password != "" && data.Authname == r.cfg.Authname {
		data.SetPassword(r.cfg.Password)
		return data, nil
	}

	if r.store != nil {
		var record []string
		err := r.store.Scan(ctx, func(fields []string) bool {
			if matches(fields, data.Authname) {
				record = fields
				return false
			}
			return true
		})
		if err != nil {
			r.logger.Warn("cannot read secrets store", zap.Error(err))
			return data, &FailError{Reason: InvalidLogin, Err: err}
		}
		if record != nil {
			return data, r.fromRecord(ctx, data, record)
		}
	}

	if r.backend != nil {
		if err := r.backend.Lookup(ctx, data); err != nil {
			var fe *FailError
			if !errors.As(err, &fe) {
				err = &FailError{Reason: InvalidLogin, Err: err}
			}
			return data, err
		}
		return data, nil
	}

	return data, failf(InvalidLogin, "no secret for %q", data.Authname)
}

func matches(fields []string, authname string) bool {
	if len(fields) < 2 {
		return false
	}
	if fields[0] == authname {
		return true
	}
	return fields[0] == wildcardAuthname && strings.HasPrefix(fields[1], externalMarker)
}

func (r *Resolver) fromRecord(ctx context.Context, data *AuthData, fields []string) error {
	secret := fields[1]
	if strings.HasPrefix(secret, externalMarker) {
		data.SetExtCmd(strings.TrimPrefix(secret, externalMarker))
		password, err := r.external.Password(ctx, data.ExtCmd, data.Authname)
		if err != nil {
			r.logger.Info("external auth program failed",
				zap.String("authname", data.Authname), zap.Error(err))
			return &FailError{Reason: InvalidLogin, Err: err}
		}
		data.SetPassword(password)
	} else {
		data.SetPassword(secret)
		data.ExtCmd = ""
		data.External = false
	}

	data.Range, data.RangeValid = netip.Prefix{}, false
	if len(fields) >= 3 {
		data.Range, data.RangeValid = addresses.ParseRange(fields[2])
	}
	return nil
}
