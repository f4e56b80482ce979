package registry

import (
	"context"
	"net/netip"

	"github.com/bbockelm/linkauth/auth"
)

// Recorder opens a registry entry for every successful authentication
// that identified the peer, and closes it when the session is torn down.
// It is used as a session's ResultPublisher.
type Recorder struct {
	Registry Registry
}

// PublishResult implements auth.ResultPublisher
func (r Recorder) PublishResult(ctx context.Context, result auth.Result) error {
	if !result.Success || result.Authname == "" {
		return nil
	}
	entry := Entry{
		ID:       result.SessionID,
		Link:     result.Link,
		Authname: result.Authname,
		OpenedAt: result.At,
	}
	if result.Allow != "" {
		if p, err := netip.ParsePrefix(result.Allow); err == nil {
			entry.Allow = p
		}
	}
	return r.Registry.Open(ctx, entry)
}

// CloseSession implements auth.SessionCloser
func (r Recorder) CloseSession(ctx context.Context, sessionID string) error {
	_, err := r.Registry.Close(ctx, sessionID)
	return err
}

var (
	_ Registry             = (*Memory)(nil)
	_ Registry             = (*Redis)(nil)
	_ auth.SessionRegistry = (*Memory)(nil)
	_ auth.ResultPublisher = Recorder{}
	_ auth.SessionCloser   = Recorder{}
)
