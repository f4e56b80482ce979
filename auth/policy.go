package auth

import (
	"context"

	"go.uber.org/zap"
)

// Policy enforces the per-identity login limit
type Policy struct {
	maxLogins int
	registry  SessionRegistry
	logger    *zap.Logger
}

// NewPolicy creates a policy allowing at most maxLogins open links per
// identity. Zero disables the check.
func NewPolicy(maxLogins int, registry SessionRegistry, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{maxLogins: maxLogins, registry: registry, logger: logger}
}

// MaxLogins returns the configured limit
func (p *Policy) MaxLogins() int {
	return p.maxLogins
}

// CheckMaxLogins fails with AccountDisabled when authname already has
// maxLogins open links. The count is a snapshot; concurrent logins may
// overshoot the limit slightly.
func (p *Policy) CheckMaxLogins(ctx context.Context, authname string, complain bool) error {
	if p.maxLogins == 0 || p.registry == nil {
		return nil
	}

	num, err := p.registry.CountOpenSessions(ctx, authname)
	if err != nil {
		p.logger.Warn("cannot count open sessions", zap.String("authname", authname), zap.Error(err))
		return &FailError{Reason: AccountDisabled, Err: err}
	}

	if num >= p.maxLogins {
		if complain {
			p.logger.Info("max. number of logins exceeded",
				zap.String("authname", authname), zap.Int("open", num), zap.Int("max", p.maxLogins))
		}
		return failf(AccountDisabled, "%q has %d open sessions (max %d)", authname, num, p.maxLogins)
	}
	return nil
}
