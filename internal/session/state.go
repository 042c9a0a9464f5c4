package session

import "time"

// State is the position of the controller in a generation attempt.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateAuthenticated
	StatePreflightBefore
	StateGenerating
	StatePreflightAfter
	StateLogged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StatePreflightBefore:
		return "preflight_before"
	case StateGenerating:
		return "generating"
	case StatePreflightAfter:
		return "preflight_after"
	case StateLogged:
		return "logged"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credential is the bearer token held in memory for the life of the controller.
type Credential struct {
	Token     string
	ExpiresIn int
	IssuedAt  time.Time
}

// ExpiresAt is zero when the backend gave no lifetime.
func (c Credential) ExpiresAt() time.Time {
	if c.ExpiresIn <= 0 {
		return time.Time{}
	}
	return c.IssuedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// Valid reports whether the token can still be used at now. A credential
// without a stated lifetime stays valid until it is replaced.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	exp := c.ExpiresAt()
	return exp.IsZero() || now.Before(exp)
}
