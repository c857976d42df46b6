// Package session owns the active session code and the process role.
//
// A session is a 6-character alphanumeric code that namespaces published
// cells. State lives only in memory: a restarted writer starts with no
// session and must create or explicitly join one.
package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
)

// CodeLength is the exact length of a session code.
const CodeLength = 6

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Role is the part a process plays in a session.
type Role string

const (
	Writer Role = "writer"
	Reader Role = "reader"
)

// ParseRole converts a configured role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case Writer, Reader:
		return Role(s), nil
	}
	return "", errors.NewInvalidRequest("role must be writer or reader")
}

// Session is the active session.
type Session struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Purger removes every record stored under a session code.
type Purger interface {
	PurgeSession(ctx context.Context, code string) (int, error)
}

// Registry holds the role and the active session of one process.
type Registry struct {
	mu     sync.RWMutex
	role   Role
	active *Session

	bus     *events.Bus
	purger  Purger
	newCode func() (string, error)
	now     func() time.Time
	logger  zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPurger sets the store cleaned on Create and Refresh.
func WithPurger(p Purger) Option {
	return func(r *Registry) { r.purger = p }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithCodeGenerator replaces GenerateCode, for deterministic tests.
func WithCodeGenerator(fn func() (string, error)) Option {
	return func(r *Registry) { r.newCode = fn }
}

// NewRegistry returns a registry with no active session.
func NewRegistry(role Role, bus *events.Bus, opts ...Option) *Registry {
	r := &Registry{
		role:    role,
		bus:     bus,
		newCode: GenerateCode,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Role returns the current role.
func (r *Registry) Role() Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.role
}

// SetRole switches role. Switching drops the active session.
func (r *Registry) SetRole(role Role) error {
	if _, err := ParseRole(string(role)); err != nil {
		return err
	}
	r.mu.Lock()
	if r.role == role {
		r.mu.Unlock()
		return nil
	}
	r.role = role
	r.active = nil
	r.mu.Unlock()

	r.logger.Info().Str("role", string(role)).Msg("role changed")
	r.bus.Publish(events.Event{Kind: events.RoleChanged, Role: string(role)})
	return nil
}

// Active returns the active session, if any.
func (r *Registry) Active() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == nil {
		return Session{}, false
	}
	return *r.active, true
}

// Create starts a fresh session. Records under the previous code are purged
// best effort: a failed purge is logged and the new session still activates.
func (r *Registry) Create(ctx context.Context) (Session, error) {
	if err := r.requireWriter(); err != nil {
		return Session{}, err
	}
	code, err := r.newCode()
	if err != nil {
		return Session{}, errors.NewInternal(err)
	}

	r.mu.Lock()
	prev := r.active
	s := Session{Code: code, CreatedAt: r.now().UTC()}
	r.active = &s
	r.mu.Unlock()

	if prev != nil && prev.Code != code && r.purger != nil {
		n, err := r.purger.PurgeSession(ctx, prev.Code)
		if err != nil {
			r.logger.Warn().Err(err).Str("session", prev.Code).Msg("failed to clear previous session")
		} else {
			r.logger.Debug().Str("session", prev.Code).Int("deleted", n).Msg("previous session cleared")
		}
	}

	r.logger.Info().Str("session", code).Msg("session created")
	r.bus.Publish(events.Event{Kind: events.SessionCreated, Session: code})
	return s, nil
}

// Join adopts code as the active session. It does not contact the store.
func (r *Registry) Join(code string) (Session, error) {
	if err := ValidateCode(code); err != nil {
		return Session{}, err
	}
	r.mu.Lock()
	s := Session{Code: code, CreatedAt: r.now().UTC()}
	r.active = &s
	r.mu.Unlock()

	r.logger.Info().Str("session", code).Msg("session joined")
	r.bus.Publish(events.Event{Kind: events.SessionJoined, Session: code})
	return s, nil
}

// Refresh replaces the active session with a new code and purges every
// record under the old one. It returns the old and new sessions. If the purge
// fails the old session stays active and the error is returned.
//
// Callers republish enabled cells under the new code and reconcile.
func (r *Registry) Refresh(ctx context.Context) (old, fresh Session, err error) {
	if err := r.requireWriter(); err != nil {
		return Session{}, Session{}, err
	}
	prev, ok := r.Active()
	if !ok {
		return Session{}, Session{}, errors.NewInvalidRequest("no active session to refresh")
	}

	code, err := r.codeOtherThan(prev.Code)
	if err != nil {
		return Session{}, Session{}, err
	}

	if r.purger != nil {
		n, err := r.purger.PurgeSession(ctx, prev.Code)
		if err != nil {
			return Session{}, Session{}, err
		}
		r.logger.Debug().Str("session", prev.Code).Int("deleted", n).Msg("old session purged")
	}

	r.mu.Lock()
	s := Session{Code: code, CreatedAt: r.now().UTC()}
	r.active = &s
	r.mu.Unlock()

	r.logger.Info().Str("old_session", prev.Code).Str("session", code).Msg("session refreshed")
	r.bus.Publish(events.Event{Kind: events.SessionRefreshed, Session: code})
	return prev, s, nil
}

// maxCodeAttempts bounds how often a colliding code is redrawn.
const maxCodeAttempts = 8

// codeOtherThan draws codes until one differs from current.
func (r *Registry) codeOtherThan(current string) (string, error) {
	for range maxCodeAttempts {
		code, err := r.newCode()
		if err != nil {
			return "", errors.NewInternal(err)
		}
		if code != current {
			return code, nil
		}
	}
	return "", errors.NewInternal(fmt.Errorf("no session code distinct from %s after %d attempts", current, maxCodeAttempts))
}

// Clear drops the active session locally. The store is not touched.
func (r *Registry) Clear() {
	r.mu.Lock()
	prev := r.active
	r.active = nil
	r.mu.Unlock()

	if prev != nil {
		r.bus.Publish(events.Event{Kind: events.SessionCleared, Session: prev.Code})
	}
}

func (r *Registry) requireWriter() error {
	if r.Role() != Writer {
		return errors.NewForbidden("only the writer may manage sessions")
	}
	return nil
}

// ValidateCode accepts exactly 6 ASCII letters or digits.
func ValidateCode(code string) error {
	if len(code) != CodeLength {
		return errors.NewInvalidSessionCode(code)
	}
	for i := 0; i < len(code); i++ {
		if !isAlnum(code[i]) {
			return errors.NewInvalidSessionCode(code)
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// GenerateCode returns a random session code. Codes are locally fresh, not
// globally unique.
func GenerateCode() (string, error) {
	// 248 is the largest multiple of len(alphabet) below 256
	const limit = 256 - 256%len(alphabet)

	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength*2)
	for len(out) < CodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
