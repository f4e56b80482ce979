// Package config loads the daemon's authentication settings from YAML and
// assembles the collaborators a link session needs.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bbockelm/linkauth/auth"
	"github.com/bbockelm/linkauth/events"
	"github.com/bbockelm/linkauth/ldapauth"
	"github.com/bbockelm/linkauth/registry"
	"github.com/bbockelm/linkauth/secrets"
)

// File is the on-disk configuration
type File struct {
	Authname    string        `yaml:"authname"`
	Password    string        `yaml:"password"`
	MaxLogins   int           `yaml:"max_logins"`
	MSCHAPError string        `yaml:"mschap_error"`
	Timeout     time.Duration `yaml:"timeout"`
	SecretsFile string        `yaml:"secrets_file"`

	Redis *RedisConfig     `yaml:"redis"`
	LDAP  *ldapauth.Config `yaml:"ldap"`
}

// RedisConfig selects the shared session registry
type RedisConfig struct {
	URL    string        `yaml:"url"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`

	// Events also publishes results to a Redis stream
	Events bool `yaml:"events"`
}

// Load reads and validates path. Unknown keys are rejected.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return f, nil
}

// Parse decodes YAML configuration
func Parse(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "parse")
	}
	if f.SecretsFile == "" {
		f.SecretsFile = secrets.DefaultFile
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate checks values that would otherwise be silently misread
func (f *File) Validate() error {
	if f.MaxLogins < 0 {
		return errors.Errorf("max_logins must not be negative, got %d", f.MaxLogins)
	}
	if f.Timeout < 0 {
		return errors.Errorf("timeout must not be negative, got %s", f.Timeout)
	}
	if len(f.Authname) > auth.MaxAuthname {
		return errors.Errorf("authname longer than %d bytes", auth.MaxAuthname)
	}
	if len(f.Password) > auth.MaxPassword {
		return errors.Errorf("password longer than %d bytes", auth.MaxPassword)
	}
	if f.Redis != nil && f.Redis.URL == "" {
		return errors.New("redis: url is required")
	}
	return nil
}

// AuthConfig returns the per-link settings
func (f *File) AuthConfig() *auth.Config {
	return &auth.Config{
		Authname:    f.Authname,
		Password:    f.Password,
		MaxLogins:   f.MaxLogins,
		MSCHAPError: f.MSCHAPError,
		Timeout:     f.Timeout,
	}
}

// Stack holds the collaborators shared by every link of the daemon
type Stack struct {
	Config    *auth.Config
	Resolver  *auth.Resolver
	Policy    *auth.Policy
	Registry  registry.Registry
	Publisher auth.ResultPublisher

	logger  *zap.Logger
	closers []func() error
}

// Build assembles the stack described by f
func (f *File) Build(logger *zap.Logger) (*Stack, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &Stack{Config: f.AuthConfig(), logger: logger}

	publishers := auth.Publishers{}
	if f.Redis != nil {
		var opts []registry.RedisOption
		if f.Redis.Prefix != "" {
			opts = append(opts, registry.WithPrefix(f.Redis.Prefix))
		}
		if f.Redis.TTL > 0 {
			opts = append(opts, registry.WithTTL(f.Redis.TTL))
		}
		reg, err := registry.NewRedisURL(f.Redis.URL, opts...)
		if err != nil {
			return nil, err
		}
		st.Registry = reg
		st.closers = append(st.closers, reg.Shutdown)

		if f.Redis.Events {
			pub, err := events.NewRedisStreamPublisher(reg.Client(), logger)
			if err != nil {
				_ = st.Close()
				return nil, err
			}
			publishers = append(publishers, pub)
			st.closers = append([]func() error{pub.Close}, st.closers...)
		}
	} else {
		st.Registry = registry.NewMemory()
	}
	st.Publisher = append(auth.Publishers{registry.Recorder{Registry: st.Registry}}, publishers...)

	ropts := []auth.ResolverOption{auth.WithResolverLogger(logger)}
	if f.LDAP != nil {
		backend, err := ldapauth.New(*f.LDAP, ldapauth.WithLogger(logger))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		ropts = append(ropts, auth.WithBackend(backend))
	}
	st.Resolver = auth.NewResolver(st.Config, secrets.NewFile(f.SecretsFile, logger), ropts...)
	st.Policy = auth.NewPolicy(f.MaxLogins, st.Registry, logger)
	return st, nil
}

// SessionConfig returns the settings for one link's session
func (st *Stack) SessionConfig(name string, link auth.Link, peer auth.PeerWriter) auth.SessionConfig {
	return auth.SessionConfig{
		Name:      name,
		Config:    st.Config,
		Resolver:  st.Resolver,
		Policy:    st.Policy,
		Link:      link,
		Peer:      peer,
		Publisher: st.Publisher,
		Logger:    st.logger,
	}
}

// Close releases network clients
func (st *Stack) Close() error {
	var first error
	for _, c := range st.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	st.closers = nil
	return first
}
