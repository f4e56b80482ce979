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

package registry

import (
	"context"
	"net/netip"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces the registry's keys
const DefaultPrefix = "linkauth:"

// Redis is a registry shared by every daemon using the same server.
//
// Each link is a hash at <prefix>session:<id>. The ids open under one name
// form the sorted set <prefix>identity:<authname>, scored by the unix
// millisecond at which the entry expires, or 0 when it never does. Expired
// ids are pruned before counting, so a link that was never closed stops
// counting once its own TTL passes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a Redis registry
type RedisOption func(*Redis)

// WithPrefix replaces DefaultPrefix
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL expires entries of links that were never closed, for example
// after a crash. Zero keeps entries until Close.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// NewRedis creates a registry on client
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisURL connects to the server at url, e.g. redis://localhost:6379/0
func NewRedisURL(url string, opts ...RedisOption) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "parse redis url %q", url)
	}
	return NewRedis(redis.NewClient(ropts), opts...), nil
}

func (r *Redis) sessionKey(id string) string {
	return r.prefix + "session:" + id
}

func (r *Redis) identityKey(authname string) string {
	return r.prefix + "identity:" + authname
}

// Open records an authenticated link
func (r *Redis) Open(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		return ErrNoID
	}
	now := r.now()
	if entry.OpenedAt.IsZero() {
		entry.OpenedAt = now
	}
	var expires float64
	if r.ttl > 0 {
		expires = float64(now.Add(r.ttl).UnixMilli())
	}
	allow := ""
	if entry.Allow.IsValid() {
		allow = entry.Allow.String()
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.sessionKey(entry.ID),
		"authname", entry.Authname,
		"link", entry.Link,
		"allow", allow,
		"opened", entry.OpenedAt.UTC().Format(time.RFC3339Nano))
	pipe.ZAdd(ctx, r.identityKey(entry.Authname), redis.Z{Score: expires, Member: entry.ID})
	if r.ttl > 0 {
		pipe.Expire(ctx, r.sessionKey(entry.ID), r.ttl)
		// The set lives as long as its newest member; older members are
		// pruned by score.
		pipe.Expire(ctx, r.identityKey(entry.Authname), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "open session %s", entry.ID)
	}
	return nil
}

// Close forgets a link. It reports whether the id was known. An id whose
// entry already expired is reported unknown; it no longer counts anyway.
func (r *Redis) Close(ctx context.Context, id string) (bool, error) {
	authname, err := r.client.HGet(ctx, r.sessionKey(id), "authname").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "close session %s", id)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.sessionKey(id))
	pipe.ZRem(ctx, r.identityKey(authname), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrapf(err, "close session %s", id)
	}
	return true, nil
}

// CountOpenSessions returns how many links are open under authname
func (r *Redis) CountOpenSessions(ctx context.Context, authname string) (int, error) {
	key := r.identityKey(authname)
	cutoff := "(" + strconv.FormatInt(r.now().UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "1", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrapf(err, "count sessions for %q", authname)
	}
	return int(card.Val()), nil
}

// Lookup retrieves an entry by id
func (r *Redis) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "lookup session %s", id)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	entry := Entry{ID: id, Link: fields["link"], Authname: fields["authname"]}
	if allow := fields["allow"]; allow != "" {
		if p, err := netip.ParsePrefix(allow); err == nil {
			entry.Allow = p
		}
	}
	if opened, err := time.Parse(time.RFC3339Nano, fields["opened"]); err == nil {
		entry.OpenedAt = opened
	}
	return entry, true, nil
}

// Client returns the underlying client, for sharing with other components
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Shutdown closes the client
func (r *Redis) Shutdown() error {
	return r.client.Close()
}

// Ping checks that the server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return errors.Wrap(r.client.Ping(ctx).Err(), "ping redis")
}
